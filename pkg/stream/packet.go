// SPDX-License-Identifier: GPL-2.0-or-later

// Package stream sends and receives sanchez containers over the network.
package stream

import (
	"encoding/binary"
	"fmt"
	"io"
	"sanchez/pkg/container"
)

// PacketType identifies a protocol message.
type PacketType uint8

// Packet types.
const (
	TypeHello      PacketType = 1
	TypeMetadata   PacketType = 2
	TypeConfig     PacketType = 3
	TypeFrame      PacketType = 4
	TypeFrameChunk PacketType = 5
	TypeParity     PacketType = 6
	TypeAudio      PacketType = 7
	TypeEnd        PacketType = 8
	TypeKeepalive  PacketType = 9
)

func (t PacketType) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeMetadata:
		return "metadata"
	case TypeConfig:
		return "config"
	case TypeFrame:
		return "frame"
	case TypeFrameChunk:
		return "frameChunk"
	case TypeParity:
		return "parity"
	case TypeAudio:
		return "audio"
	case TypeEnd:
		return "end"
	case TypeKeepalive:
		return "keepalive"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// ProtocolVersion is sent in the hello payload. The server rejects
// clients with a different version.
const ProtocolVersion = 1

const (
	// Packet header: type byte plus sequence number.
	packetHeaderSize = 5

	// Upper bound on a framed packet. Prevents a corrupt length
	// prefix from causing a huge allocation.
	maxWireLength = 1 << 24
)

// Packet is a single protocol message.
//
// The wire form is the same for every transport:
//
//	type     u8
//	seq      u32
//	payload  []byte
//
// Stream transports prefix it with a u32 length, datagram transports
// send it as-is.
type Packet struct {
	Type    PacketType
	Seq     uint32
	Payload []byte
}

// MarshalBinary returns the wire form of the packet.
func (p Packet) MarshalBinary() []byte {
	out := make([]byte, packetHeaderSize+len(p.Payload))
	out[0] = uint8(p.Type)
	binary.BigEndian.PutUint32(out[1:5], p.Seq)
	copy(out[5:], p.Payload)
	return out
}

// UnmarshalPacket parses a wire form packet. The payload is copied so
// the caller may reuse data.
func UnmarshalPacket(data []byte) (Packet, error) {
	if len(data) < packetHeaderSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(data))
	}

	payload := make([]byte, len(data)-packetHeaderSize)
	copy(payload, data[packetHeaderSize:])

	return Packet{
		Type:    PacketType(data[0]),
		Seq:     binary.BigEndian.Uint32(data[1:5]),
		Payload: payload,
	}, nil
}

// seqBefore reports whether a precedes b in serial number arithmetic.
// Correct across the u32 wraparound.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

var helloMagic = []byte("SNCZ")

func marshalHello() []byte {
	out := make([]byte, 6)
	copy(out[0:4], helloMagic)
	binary.BigEndian.PutUint16(out[4:6], ProtocolVersion)
	return out
}

func parseHello(data []byte) error {
	r := newBufReader(data)

	magic, err := r.readBytes(4)
	if err != nil {
		return &ParseError{Field: "magic", Err: err}
	}
	if string(magic) != string(helloMagic) {
		return &ParseError{Field: "magic", Err: ErrInvalidPacket}
	}

	version, err := r.readUint16()
	if err != nil {
		return &ParseError{Field: "version", Err: err}
	}
	if version != ProtocolVersion {
		return &ParseError{
			Field: "version",
			Err:   fmt.Errorf("%w: got %d want %d", ErrProtocolVersion, version, ProtocolVersion),
		}
	}
	return nil
}

func parseMetadata(data []byte) (container.Metadata, error) {
	var meta container.Metadata
	if _, err := meta.Unmarshal(newBufReader(data)); err != nil {
		return container.Metadata{}, &ParseError{Field: "metadata", Err: err}
	}
	return meta, nil
}

// StreamConfig is the config packet payload. It carries the container
// video parameters plus the transport parameters the client needs to
// reassemble chunked frames.
type StreamConfig struct {
	Config container.Config

	Satellite    bool
	FECGroupSize int
	ChunkSize    int
}

// Marshal config payload.
func (c StreamConfig) Marshal() []byte {
	out := c.Config.Marshal()

	var tail [6]byte
	if c.Satellite {
		tail[0] = 1
	}
	tail[1] = uint8(c.FECGroupSize)
	binary.BigEndian.PutUint32(tail[2:6], uint32(c.ChunkSize))

	return append(out, tail[:]...)
}

func parseStreamConfig(data []byte) (StreamConfig, error) {
	r := newBufReader(data)

	var c StreamConfig
	if _, err := c.Config.Unmarshal(r); err != nil {
		return StreamConfig{}, &ParseError{Field: "config", Err: err}
	}

	tail, err := r.readBytes(6)
	if err != nil {
		return StreamConfig{}, &ParseError{Field: "transport", Err: err}
	}
	c.Satellite = tail[0] == 1
	c.FECGroupSize = int(tail[1])
	c.ChunkSize = int(binary.BigEndian.Uint32(tail[2:6]))

	if c.ChunkSize == 0 {
		return StreamConfig{}, &ParseError{Field: "chunkSize", Err: ErrInvalidPacket}
	}
	return c, nil
}

// FramePayload is a frame that fits in a single packet. Data is the
// stored form, compressed when the stream config says so.
type FramePayload struct {
	Index    uint32
	Checksum uint32
	Data     []byte
}

// Marshal frame payload.
func (f FramePayload) Marshal() []byte {
	out := make([]byte, 8+len(f.Data))
	binary.BigEndian.PutUint32(out[0:4], f.Index)
	binary.BigEndian.PutUint32(out[4:8], f.Checksum)
	copy(out[8:], f.Data)
	return out
}

func parseFrame(data []byte) (FramePayload, error) {
	r := newBufReader(data)

	var f FramePayload
	var err error
	if f.Index, err = r.readUint32(); err != nil {
		return FramePayload{}, &ParseError{Field: "frameIndex", Err: err}
	}
	if f.Checksum, err = r.readUint32(); err != nil {
		return FramePayload{}, &ParseError{Field: "checksum", Err: err}
	}
	f.Data = r.rest()
	return f, nil
}

// FrameChunkPayload is one slice of a frame too large for a single
// packet. TotalLength is the stored length of the whole frame.
type FrameChunkPayload struct {
	Index       uint32
	Chunk       uint16
	ChunkCount  uint16
	TotalLength uint32
	Data        []byte
}

// Marshal frame chunk payload.
func (f FrameChunkPayload) Marshal() []byte {
	out := make([]byte, 12+len(f.Data))
	binary.BigEndian.PutUint32(out[0:4], f.Index)
	binary.BigEndian.PutUint16(out[4:6], f.Chunk)
	binary.BigEndian.PutUint16(out[6:8], f.ChunkCount)
	binary.BigEndian.PutUint32(out[8:12], f.TotalLength)
	copy(out[12:], f.Data)
	return out
}

func parseFrameChunk(data []byte) (FrameChunkPayload, error) {
	r := newBufReader(data)

	var f FrameChunkPayload
	var err error
	if f.Index, err = r.readUint32(); err != nil {
		return FrameChunkPayload{}, &ParseError{Field: "frameIndex", Err: err}
	}
	if f.Chunk, err = r.readUint16(); err != nil {
		return FrameChunkPayload{}, &ParseError{Field: "chunkIndex", Err: err}
	}
	if f.ChunkCount, err = r.readUint16(); err != nil {
		return FrameChunkPayload{}, &ParseError{Field: "chunkCount", Err: err}
	}
	if f.TotalLength, err = r.readUint32(); err != nil {
		return FrameChunkPayload{}, &ParseError{Field: "totalLength", Err: err}
	}

	if f.ChunkCount == 0 || f.Chunk >= f.ChunkCount {
		return FrameChunkPayload{}, &ParseError{Field: "chunkIndex", Err: ErrInvalidPacket}
	}
	f.Data = r.rest()
	return f, nil
}

// ParityPayload is the XOR of a group of frame chunks, padded to the
// longest chunk in the group.
type ParityPayload struct {
	Index     uint32
	Group     uint16
	GroupSize uint16
	Data      []byte
}

// Marshal parity payload.
func (p ParityPayload) Marshal() []byte {
	out := make([]byte, 8+len(p.Data))
	binary.BigEndian.PutUint32(out[0:4], p.Index)
	binary.BigEndian.PutUint16(out[4:6], p.Group)
	binary.BigEndian.PutUint16(out[6:8], p.GroupSize)
	copy(out[8:], p.Data)
	return out
}

func parseParity(data []byte) (ParityPayload, error) {
	r := newBufReader(data)

	var p ParityPayload
	var err error
	if p.Index, err = r.readUint32(); err != nil {
		return ParityPayload{}, &ParseError{Field: "frameIndex", Err: err}
	}
	if p.Group, err = r.readUint16(); err != nil {
		return ParityPayload{}, &ParseError{Field: "groupIndex", Err: err}
	}
	if p.GroupSize, err = r.readUint16(); err != nil {
		return ParityPayload{}, &ParseError{Field: "groupSize", Err: err}
	}
	if p.GroupSize == 0 {
		return ParityPayload{}, &ParseError{Field: "groupSize", Err: ErrInvalidPacket}
	}
	p.Data = r.rest()
	return p, nil
}

// AudioChunkPayload is one slice of the companion audio track.
type AudioChunkPayload struct {
	Chunk       uint32
	ChunkCount  uint32
	TotalLength uint32
	Data        []byte
}

// Marshal audio chunk payload.
func (a AudioChunkPayload) Marshal() []byte {
	out := make([]byte, 12+len(a.Data))
	binary.BigEndian.PutUint32(out[0:4], a.Chunk)
	binary.BigEndian.PutUint32(out[4:8], a.ChunkCount)
	binary.BigEndian.PutUint32(out[8:12], a.TotalLength)
	copy(out[12:], a.Data)
	return out
}

func parseAudioChunk(data []byte) (AudioChunkPayload, error) {
	r := newBufReader(data)

	var a AudioChunkPayload
	var err error
	if a.Chunk, err = r.readUint32(); err != nil {
		return AudioChunkPayload{}, &ParseError{Field: "chunkIndex", Err: err}
	}
	if a.ChunkCount, err = r.readUint32(); err != nil {
		return AudioChunkPayload{}, &ParseError{Field: "chunkCount", Err: err}
	}
	if a.TotalLength, err = r.readUint32(); err != nil {
		return AudioChunkPayload{}, &ParseError{Field: "totalLength", Err: err}
	}

	if a.ChunkCount == 0 || a.Chunk >= a.ChunkCount {
		return AudioChunkPayload{}, &ParseError{Field: "chunkIndex", Err: ErrInvalidPacket}
	}
	a.Data = r.rest()
	return a, nil
}

// bufReader reads big-endian values sequentially from a byte slice.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}

func (b *bufReader) readBytes(n int) ([]byte, error) {
	if b.pos+n > len(b.data) {
		return nil, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos : b.pos+n]
	b.pos += n
	return v, nil
}

func (b *bufReader) readUint16() (uint16, error) {
	v, err := b.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(v), nil
}

func (b *bufReader) readUint32() (uint32, error) {
	v, err := b.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(v), nil
}

// rest returns the unread remainder. The slice aliases the packet
// payload.
func (b *bufReader) rest() []byte {
	v := b.data[b.pos:]
	b.pos = len(b.data)
	return v
}
