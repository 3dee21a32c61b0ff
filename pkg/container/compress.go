package container

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"hash/crc32"
	"io"
)

// Checksum returns the CRC-32 checksum of the stored frame bytes.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

func compressFrame(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressFrame restores the raw frame from its zlib stored form.
func DecompressFrame(stored []byte, rawLength uint32) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	raw := make([]byte, rawLength)
	if _, err := io.ReadFull(zr, raw); err != nil {
		return nil, err
	}

	// The stream must end exactly at rawLength.
	var trailing [1]byte
	if n, _ := zr.Read(trailing[:]); n != 0 {
		return nil, fmt.Errorf("stored frame longer than raw length %d", rawLength)
	}
	return raw, nil
}
