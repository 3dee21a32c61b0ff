package container

import "encoding/binary"

const indexEntrySize = 20

// IndexEntry locates one stored frame in the payload region.
type IndexEntry struct {
	Offset       uint64 // Relative to payload start.
	StoredLength uint32
	RawLength    uint32
	Checksum     uint32
}

// Marshal index entry.
func (e IndexEntry) Marshal() []byte {
	out := make([]byte, indexEntrySize)

	binary.BigEndian.PutUint64(out[0:8], e.Offset)
	binary.BigEndian.PutUint32(out[8:12], e.StoredLength)
	binary.BigEndian.PutUint32(out[12:16], e.RawLength)
	binary.BigEndian.PutUint32(out[16:20], e.Checksum)
	return out
}

// Unmarshal index entry.
func (e *IndexEntry) Unmarshal(buf []byte) {
	e.Offset = binary.BigEndian.Uint64(buf[0:8])
	e.StoredLength = binary.BigEndian.Uint32(buf[8:12])
	e.RawLength = binary.BigEndian.Uint32(buf[12:16])
	e.Checksum = binary.BigEndian.Uint32(buf[16:20])
}
