// Package container reads and writes videos in the sanchez format.
package container

// Sanchez format for storing raw video with frame-level random access.
// Requirements.
//   1. Any frame must be readable in O(1) without touching the others.
//   2. Corruption of one frame must not affect the rest of the file.
//   3. A single image is a first-class one-frame file.
//
//
// <name>.sanchez: All integers are big-endian.
//   magic         [4]byte "SNCZ"
//   formatVersion uint16
//
//   metadataSize  uint32 // Byte length of the next three fields.
//   titleSize     uint16
//   title         []byte
//   creatorSize   uint16
//   creator       []byte
//   createdAt     int64 // Unix seconds.
//
//   width         uint32
//   height        uint32
//   fpsMilli      uint32 // fps * 1000. Zero only for images.
//   frameCount    uint32
//   isImage       uint8
//   compression   uint8 // 0 none, 1 zlib.
//
//   entryCount    uint32 // Must equal frameCount.
//   index         []indexEntryV2
//   payload       []byte // Concatenated stored frames.
//
//
// indexEntryV2 { // 20 bytes.
//   // Offset in the payload region where the stored frame starts.
//   offset       uint64
//
//   storedLength uint32
//   rawLength    uint32 // Always width*height*3.
//
//   // CRC-32 (IEEE) over the stored bytes.
//   checksum     uint32
// }
