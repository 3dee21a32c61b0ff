package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sanchez/pkg/frame"
	"time"
)

// ErrCorruptFrame stored frame failed verification.
var ErrCorruptFrame = errors.New("corrupt frame")

// ErrIndexOutOfRange frame index out of range.
var ErrIndexOutOfRange = errors.New("frame index out of range")

// Container is an open sanchez file. The header and index are
// parsed eagerly, frames are read on demand. Safe for concurrent
// frame reads.
type Container struct {
	r      io.ReaderAt
	closer io.Closer

	header     Header
	index      []IndexEntry
	payloadOff int64
	size       int64
}

// OpenFile opens the file at path.
func OpenFile(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}

	c, err := NewReader(f, stat.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	c.closer = f
	return c, nil
}

// NewReader parses a sanchez file from r.
func NewReader(r io.ReaderAt, size int64) (*Container, error) {
	sr := io.NewSectionReader(r, 0, size)

	var header Header
	headerSize, err := header.Unmarshal(sr)
	if err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}

	entryCountBuf := make([]byte, 4)
	if _, err := io.ReadFull(sr, entryCountBuf); err != nil {
		return nil, fmt.Errorf("%w: index count: %v", ErrInvalidFormat, err)
	}
	entryCount := binary.BigEndian.Uint32(entryCountBuf)
	if entryCount != header.Config.FrameCount {
		return nil, fmt.Errorf("%w: index count %d, frame count %d",
			ErrInvalidFormat, entryCount, header.Config.FrameCount)
	}

	frameCount := int(header.Config.FrameCount)
	payloadOff := int64(headerSize) + 4 + int64(frameCount)*indexEntrySize
	if payloadOff > size {
		return nil, fmt.Errorf("%w: index truncated", ErrInvalidFormat)
	}
	payloadSize := uint64(size - payloadOff)
	frameSize := uint32(header.Config.FrameSize())

	buf := make([]byte, indexEntrySize)
	index := make([]IndexEntry, frameCount)
	for i := 0; i < frameCount; i++ {
		if _, err := io.ReadFull(sr, buf); err != nil {
			return nil, fmt.Errorf("%w: index entry %d: %v", ErrInvalidFormat, i, err)
		}
		index[i].Unmarshal(buf)

		entry := index[i]
		if entry.RawLength != frameSize {
			return nil, fmt.Errorf("%w: entry %d: raw length %d, frame size %d",
				ErrInvalidFormat, i, entry.RawLength, frameSize)
		}
		if header.Config.Compression == CompressionNone &&
			entry.StoredLength != entry.RawLength {
			return nil, fmt.Errorf("%w: entry %d: stored length %d without compression",
				ErrInvalidFormat, i, entry.StoredLength)
		}
		if entry.Offset+uint64(entry.StoredLength) > payloadSize {
			return nil, fmt.Errorf("%w: entry %d: payload truncated", ErrInvalidFormat, i)
		}
	}

	return &Container{
		r:          r,
		header:     header,
		index:      index,
		payloadOff: payloadOff,
		size:       size,
	}, nil
}

// Metadata returns file metadata.
func (c *Container) Metadata() Metadata {
	return c.header.Metadata
}

// Config returns video parameters.
func (c *Container) Config() Config {
	return c.header.Config
}

// FrameCount returns the number of frames.
func (c *Container) FrameCount() int {
	return len(c.index)
}

// Size returns the file size in bytes.
func (c *Container) Size() int64 {
	return c.size
}

// Duration returns the play duration.
func (c *Container) Duration() time.Duration {
	if c.header.Config.IsImage || c.header.Config.FPS <= 0 {
		return 0
	}
	seconds := float64(len(c.index)) / c.header.Config.FPS
	return time.Duration(seconds * float64(time.Second))
}

// ReadStoredFrame reads and verifies frame i in its stored
// form, without decompressing.
func (c *Container) ReadStoredFrame(i int) ([]byte, IndexEntry, error) {
	if i < 0 || i >= len(c.index) {
		return nil, IndexEntry{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(c.index))
	}
	entry := c.index[i]

	stored := make([]byte, entry.StoredLength)
	if _, err := c.r.ReadAt(stored, c.payloadOff+int64(entry.Offset)); err != nil {
		return nil, IndexEntry{}, fmt.Errorf("read frame %d: %w", i, err)
	}

	if Checksum(stored) != entry.Checksum {
		return nil, IndexEntry{}, fmt.Errorf("%w: frame %d: checksum mismatch", ErrCorruptFrame, i)
	}
	return stored, entry, nil
}

// ReadFrame reads, verifies and decompresses frame i.
func (c *Container) ReadFrame(i int) ([]byte, error) {
	stored, entry, err := c.ReadStoredFrame(i)
	if err != nil {
		return nil, err
	}

	if c.header.Config.Compression == CompressionNone {
		return stored, nil
	}

	raw, err := DecompressFrame(stored, entry.RawLength)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: %v", ErrCorruptFrame, i, err)
	}
	return raw, nil
}

// Frame returns frame i as an image.
func (c *Container) Frame(i int) (*frame.RGB24, error) {
	raw, err := c.ReadFrame(i)
	if err != nil {
		return nil, err
	}
	return frame.FromBytes(raw, int(c.header.Config.Width), int(c.header.Config.Height))
}

// Frames returns an iterator over all frames.
func (c *Container) Frames() *FrameIter {
	return &FrameIter{c: c}
}

// FrameIter iterates over frames in order.
type FrameIter struct {
	c    *Container
	next int
}

// Next returns the next raw frame or io.EOF.
func (it *FrameIter) Next() ([]byte, error) {
	if it.next >= it.c.FrameCount() {
		return nil, io.EOF
	}
	raw, err := it.c.ReadFrame(it.next)
	if err != nil {
		return nil, err
	}
	it.next++
	return raw, nil
}

// Close the underlying file if the container owns one.
func (c *Container) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
