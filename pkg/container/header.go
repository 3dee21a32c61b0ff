package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// FormatVersion current file format version.
const FormatVersion = 2

var magicBytes = []byte("SNCZ")

// Compression payload compression mode.
type Compression uint8

// Compression modes.
const (
	CompressionNone Compression = 0
	CompressionZlib Compression = 1
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZlib:
		return "zlib"
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// ErrInvalidFormat file is not a valid sanchez file.
var ErrInvalidFormat = errors.New("invalid format")

// ErrUnsupportedVersion unsupported version.
var ErrUnsupportedVersion = errors.New("unsupported version")

// Metadata descriptive file information.
type Metadata struct {
	Title     string
	Creator   string
	CreatedAt int64 // Unix seconds.
}

// Size marshaled size.
func (m *Metadata) Size() int {
	return 12 + len(m.Title) + len(m.Creator)
}

// Marshal metadata.
func (m Metadata) Marshal() []byte {
	out := make([]byte, m.Size())
	pos := 0

	// Title.
	marshalArray(out, &pos, []byte(m.Title))

	// Creator.
	marshalArray(out, &pos, []byte(m.Creator))

	// Created at.
	binary.BigEndian.PutUint64(out[pos:pos+8], uint64(m.CreatedAt))
	pos += 8

	return out
}

// Unmarshal metadata from reader.
func (m *Metadata) Unmarshal(r io.Reader) (int, error) {
	read := 0

	// Title.
	var title []byte
	n, err := unmarshalArray(r, &title)
	if err != nil {
		return 0, err
	}
	m.Title = string(title)
	read += n

	// Creator.
	var creator []byte
	n, err = unmarshalArray(r, &creator)
	if err != nil {
		return 0, err
	}
	m.Creator = string(creator)
	read += n

	// Created at.
	createdAt := make([]byte, 8)
	n, err = io.ReadFull(r, createdAt)
	if err != nil {
		return 0, err
	}
	m.CreatedAt = int64(binary.BigEndian.Uint64(createdAt))
	read += n

	return read, nil
}

const configSize = 18

// Config video parameters.
type Config struct {
	Width       uint32
	Height      uint32
	FPS         float64
	FrameCount  uint32
	IsImage     bool
	Compression Compression
}

// FrameSize returns the raw byte length of a single frame.
func (c Config) FrameSize() int {
	return int(c.Width) * int(c.Height) * 3
}

// Marshal config.
func (c Config) Marshal() []byte {
	out := make([]byte, configSize)

	binary.BigEndian.PutUint32(out[0:4], c.Width)
	binary.BigEndian.PutUint32(out[4:8], c.Height)
	binary.BigEndian.PutUint32(out[8:12], fpsToMilli(c.FPS))
	binary.BigEndian.PutUint32(out[12:16], c.FrameCount)
	if c.IsImage {
		out[16] = 1
	}
	out[17] = uint8(c.Compression)

	return out
}

// Unmarshal config from reader.
func (c *Config) Unmarshal(r io.Reader) (int, error) {
	buf := make([]byte, configSize)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return 0, err
	}

	c.Width = binary.BigEndian.Uint32(buf[0:4])
	c.Height = binary.BigEndian.Uint32(buf[4:8])
	c.FPS = milliToFPS(binary.BigEndian.Uint32(buf[8:12]))
	c.FrameCount = binary.BigEndian.Uint32(buf[12:16])

	switch buf[16] {
	case 0:
		c.IsImage = false
	case 1:
		c.IsImage = true
	default:
		return 0, fmt.Errorf("%w: isImage byte: %d", ErrInvalidFormat, buf[16])
	}

	switch Compression(buf[17]) {
	case CompressionNone, CompressionZlib:
		c.Compression = Compression(buf[17])
	default:
		return 0, fmt.Errorf("%w: compression byte: %d", ErrInvalidFormat, buf[17])
	}

	return n, nil
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	if c.Width == 0 || c.Height == 0 {
		return fmt.Errorf("%w: zero dimensions %vx%v", ErrInvalidFormat, c.Width, c.Height)
	}
	if c.IsImage {
		if c.FrameCount != 1 {
			return fmt.Errorf("%w: image with %v frames", ErrInvalidFormat, c.FrameCount)
		}
	} else if c.FPS <= 0 {
		return fmt.Errorf("%w: zero fps", ErrInvalidFormat)
	}
	return nil
}

func fpsToMilli(fps float64) uint32 {
	return uint32(math.Round(fps * 1000))
}

func milliToFPS(milli uint32) float64 {
	return float64(milli) / 1000
}

// Header is everything before the frame index.
type Header struct {
	Metadata Metadata
	Config   Config
}

// Size marshaled size.
func (h *Header) Size() int {
	return 10 + h.Metadata.Size() + configSize
}

// Marshal header.
func (h Header) Marshal() []byte {
	out := make([]byte, 0, h.Size())

	out = append(out, magicBytes...)

	version := make([]byte, 2)
	binary.BigEndian.PutUint16(version, FormatVersion)
	out = append(out, version...)

	meta := h.Metadata.Marshal()
	metaLen := make([]byte, 4)
	binary.BigEndian.PutUint32(metaLen, uint32(len(meta)))
	out = append(out, metaLen...)
	out = append(out, meta...)

	out = append(out, h.Config.Marshal()...)

	return out
}

// Unmarshal header from reader.
func (h *Header) Unmarshal(r io.Reader) (int, error) {
	read := 0

	magic := make([]byte, 4)
	n, err := io.ReadFull(r, magic)
	if err != nil {
		return 0, fmt.Errorf("%w: magic: %v", ErrInvalidFormat, err)
	}
	if string(magic) != string(magicBytes) {
		return 0, fmt.Errorf("%w: bad magic %q", ErrInvalidFormat, magic)
	}
	read += n

	versionBuf := make([]byte, 2)
	n, err = io.ReadFull(r, versionBuf)
	if err != nil {
		return 0, fmt.Errorf("%w: version: %v", ErrInvalidFormat, err)
	}
	version := binary.BigEndian.Uint16(versionBuf)
	if version != FormatVersion {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	read += n

	metaLenBuf := make([]byte, 4)
	n, err = io.ReadFull(r, metaLenBuf)
	if err != nil {
		return 0, fmt.Errorf("%w: metadata length: %v", ErrInvalidFormat, err)
	}
	metaLen := binary.BigEndian.Uint32(metaLenBuf)
	read += n

	n, err = h.Metadata.Unmarshal(r)
	if err != nil {
		return 0, fmt.Errorf("%w: metadata: %v", ErrInvalidFormat, err)
	}
	if uint32(n) != metaLen {
		return 0, fmt.Errorf("%w: metadata length %d, read %d", ErrInvalidFormat, metaLen, n)
	}
	read += n

	n, err = h.Config.Unmarshal(r)
	if err != nil {
		if errors.Is(err, ErrInvalidFormat) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: config: %v", ErrInvalidFormat, err)
	}
	read += n

	if err := h.Config.Validate(); err != nil {
		return 0, err
	}

	return read, nil
}

func marshalArray(out []byte, pos *int, value []byte) {
	size := len(value)
	binary.BigEndian.PutUint16(out[*pos:*pos+2], uint16(size))
	*pos += 2

	copy(out[*pos:*pos+size], value)
	*pos += size
}

func unmarshalArray(r io.Reader, value *[]byte) (int, error) {
	read := 0

	sizeBuf := make([]byte, 2)
	n, err := io.ReadFull(r, sizeBuf)
	if err != nil {
		return 0, err
	}
	size := binary.BigEndian.Uint16(sizeBuf)
	read += n

	*value = make([]byte, size)
	n, err = io.ReadFull(r, *value)
	if err != nil {
		return 0, err
	}
	read += n

	return read, nil
}
