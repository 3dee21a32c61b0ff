package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sanchez/pkg/frame"
)

// ErrBuilderFinalized builder can only be finalized once.
var ErrBuilderFinalized = errors.New("builder already finalized")

// ErrImageExtraFrame an image holds exactly one frame.
var ErrImageExtraFrame = errors.New("image can only contain one frame")

// BuildConfig parameters for a new file.
type BuildConfig struct {
	Width       int
	Height      int
	FPS         float64
	IsImage     bool
	Compression Compression
}

// Builder writes sanchez files. Frames are spooled to a temporary
// file until Finalize composes the output.
type Builder struct {
	header    Header
	frameSize int

	spool       *os.File
	entries     []IndexEntry
	payloadSize uint64
	finalized   bool
}

// NewBuilder creates a new Builder.
func NewBuilder(meta Metadata, cfg BuildConfig) (*Builder, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("dimensions out of range: %vx%v", cfg.Width, cfg.Height)
	}
	// Stored and raw lengths are 32-bit in the index.
	if int64(cfg.Width)*int64(cfg.Height)*3 > math.MaxUint32 {
		return nil, fmt.Errorf("frame size out of range: %vx%v", cfg.Width, cfg.Height)
	}
	if !cfg.IsImage && cfg.FPS <= 0 {
		return nil, fmt.Errorf("fps out of range: %v", cfg.FPS)
	}
	if len(meta.Title) > math.MaxUint16 {
		return nil, fmt.Errorf("title too long: %v bytes", len(meta.Title))
	}
	if len(meta.Creator) > math.MaxUint16 {
		return nil, fmt.Errorf("creator too long: %v bytes", len(meta.Creator))
	}
	switch cfg.Compression {
	case CompressionNone, CompressionZlib:
	default:
		return nil, fmt.Errorf("unknown compression: %d", cfg.Compression)
	}

	spool, err := os.CreateTemp("", "sanchez-build-*")
	if err != nil {
		return nil, fmt.Errorf("create spool: %w", err)
	}

	fps := cfg.FPS
	if cfg.IsImage {
		fps = 0
	}

	return &Builder{
		header: Header{
			Metadata: meta,
			Config: Config{
				Width:       uint32(cfg.Width),
				Height:      uint32(cfg.Height),
				FPS:         fps,
				IsImage:     cfg.IsImage,
				Compression: cfg.Compression,
			},
		},
		frameSize: cfg.Width * cfg.Height * 3,
		spool:     spool,
	}, nil
}

// AddFrame appends a raw RGB frame.
func (b *Builder) AddFrame(raw []byte) error {
	if b.finalized {
		return ErrBuilderFinalized
	}
	if b.header.Config.IsImage && len(b.entries) >= 1 {
		return ErrImageExtraFrame
	}
	if len(b.entries) >= math.MaxUint32 {
		return fmt.Errorf("frame count overflow: %v", len(b.entries))
	}
	if len(raw) != b.frameSize {
		return fmt.Errorf("%w: got %v bytes, want %v",
			frame.ErrDimensionMismatch, len(raw), b.frameSize)
	}

	stored := raw
	if b.header.Config.Compression == CompressionZlib {
		var err error
		stored, err = compressFrame(raw)
		if err != nil {
			return fmt.Errorf("compress frame: %w", err)
		}
	}

	if _, err := b.spool.Write(stored); err != nil {
		return fmt.Errorf("write spool: %w", err)
	}

	b.entries = append(b.entries, IndexEntry{
		Offset:       b.payloadSize,
		StoredLength: uint32(len(stored)),
		RawLength:    uint32(len(raw)),
		Checksum:     Checksum(stored),
	})
	b.payloadSize += uint64(len(stored))
	return nil
}

// FrameCount returns the number of frames added so far.
func (b *Builder) FrameCount() int {
	return len(b.entries)
}

// Finalize writes the composed file to w. The builder
// cannot be used afterwards.
func (b *Builder) Finalize(w io.Writer) error {
	if b.finalized {
		return ErrBuilderFinalized
	}
	if b.header.Config.IsImage && len(b.entries) != 1 {
		return fmt.Errorf("image requires exactly one frame, got %v", len(b.entries))
	}
	b.finalized = true
	defer b.discardSpool()

	b.header.Config.FrameCount = uint32(len(b.entries))

	if _, err := w.Write(b.header.Marshal()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	entryCount := make([]byte, 4)
	binary.BigEndian.PutUint32(entryCount, b.header.Config.FrameCount)
	if _, err := w.Write(entryCount); err != nil {
		return fmt.Errorf("write index count: %w", err)
	}

	for _, entry := range b.entries {
		if _, err := w.Write(entry.Marshal()); err != nil {
			return fmt.Errorf("write index: %w", err)
		}
	}

	if _, err := b.spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool: %w", err)
	}
	if _, err := io.Copy(w, b.spool); err != nil {
		return fmt.Errorf("copy payload: %w", err)
	}

	return nil
}

// WriteFile finalizes into path atomically.
func (b *Builder) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sanchez-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := b.Finalize(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Close discards the builder without finalizing.
func (b *Builder) Close() {
	if !b.finalized {
		b.finalized = true
		b.discardSpool()
	}
}

func (b *Builder) discardSpool() {
	if b.spool != nil {
		b.spool.Close()
		os.Remove(b.spool.Name())
		b.spool = nil
	}
}
