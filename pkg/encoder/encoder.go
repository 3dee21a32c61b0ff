// Copyright 2025-2026 The Sanchez Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package encoder converts video and image files into sanchez files
// by piping raw RGB24 frames out of ffmpeg.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sanchez/pkg/container"
	"sanchez/pkg/ffmpeg"
	"sanchez/pkg/log"
	"strings"
	"time"
)

// ErrSourceUnreadable ffmpeg could not decode the source.
var ErrSourceUnreadable = errors.New("source unreadable")

// Options configure a single encode.
type Options struct {
	Title   string
	Creator string

	// ResizeWidth and ResizeHeight scale the stored frames.
	// Zero keeps the source size.
	ResizeWidth  int
	ResizeHeight int

	// MaxFrames caps the number of stored frames. Zero means all.
	MaxFrames int

	// Compress stores frames zlib compressed.
	Compress bool

	// ExtractAudio writes the source audio track to a sibling mp3.
	ExtractAudio bool
}

// Summary describes a finished encode.
type Summary struct {
	Width   int
	Height  int
	FPS     float64
	Frames  int
	Bytes   int64
	IsImage bool

	// AudioPath is the extracted audio file, empty when none was written.
	AudioPath string
}

type frameReader interface {
	ReadFrame() ([]byte, error)
	Close() error
}

type (
	newVideoReaderFunc func(context.Context, ffmpeg.VideoReaderConfig) (frameReader, error)
	extractAudioFunc   func(context.Context, string, string, ffmpeg.LogFunc) error
)

// Encoder converts sources into sanchez files.
type Encoder struct {
	logger *log.Logger

	probe          ffmpeg.ProbeFunc
	newVideoReader newVideoReaderFunc
	extractAudio   extractAudioFunc
}

// NewEncoder creates an encoder that invokes the given ffmpeg binary.
func NewEncoder(ffmpegBin string, logger *log.Logger) *Encoder {
	f := ffmpeg.New(ffmpegBin)
	return &Encoder{
		logger: logger,
		probe:  f.Probe,
		newVideoReader: func(ctx context.Context, c ffmpeg.VideoReaderConfig) (frameReader, error) {
			return f.NewVideoReader(ctx, c)
		},
		extractAudio: f.ExtractAudio,
	}
}

// Image sources are stored as a single frame without a frame rate.
var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
}

// Encode converts src into a sanchez file at dst.
func (e *Encoder) Encode(ctx context.Context, src string, dst string, opts Options) (*Summary, error) {
	info, err := e.probe(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}

	isImage := imageExts[strings.ToLower(filepath.Ext(src))]
	if !isImage && info.FPS <= 0 {
		return nil, fmt.Errorf("%w: no frame rate", ErrSourceUnreadable)
	}

	width := info.Width
	height := info.Height
	if opts.ResizeWidth > 0 && opts.ResizeHeight > 0 {
		width = opts.ResizeWidth
		height = opts.ResizeHeight
	}

	fps := info.FPS
	if isImage {
		fps = 0
	}

	compression := container.CompressionNone
	if opts.Compress {
		compression = container.CompressionZlib
	}

	meta := container.Metadata{
		Title:     opts.Title,
		Creator:   opts.Creator,
		CreatedAt: time.Now().Unix(),
	}
	builder, err := container.NewBuilder(meta, container.BuildConfig{
		Width:       width,
		Height:      height,
		FPS:         fps,
		IsImage:     isImage,
		Compression: compression,
	})
	if err != nil {
		return nil, err
	}
	defer builder.Close()

	maxFrames := opts.MaxFrames
	if isImage {
		maxFrames = 1
	}

	logFunc := func(msg string) {
		e.logger.Debug().Src("encoder").Msg(msg)
	}
	reader, err := e.newVideoReader(ctx, ffmpeg.VideoReaderConfig{
		Input:     src,
		Width:     width,
		Height:    height,
		MaxFrames: maxFrames,
		LogFunc:   logFunc,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}

	e.logger.Info().Src("encoder").Msgf("encoding %v at %vx%v", src, width, height)

	err = copyFrames(ctx, builder, reader)
	if err2 := reader.Close(); err == nil && err2 != nil {
		err = fmt.Errorf("decode process: %w", err2)
	}
	if err != nil {
		return nil, err
	}

	if builder.FrameCount() == 0 {
		return nil, fmt.Errorf("%w: no frames decoded", ErrSourceUnreadable)
	}

	if err := builder.WriteFile(dst); err != nil {
		return nil, err
	}

	stat, err := os.Stat(dst)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Width:   width,
		Height:  height,
		FPS:     fps,
		Frames:  builder.FrameCount(),
		Bytes:   stat.Size(),
		IsImage: isImage,
	}

	if opts.ExtractAudio && info.HasAudio && !isImage {
		audioPath := strings.TrimSuffix(dst, filepath.Ext(dst)) + ".mp3"
		if err := e.extractAudio(ctx, src, audioPath, logFunc); err != nil {
			e.logger.Warn().Src("encoder").Msgf("extract audio: %v", err)
		} else {
			summary.AudioPath = audioPath
		}
	}

	e.logger.Info().Src("encoder").
		Msgf("wrote %v: %v frames, %v bytes", dst, summary.Frames, summary.Bytes)

	return summary, nil
}

func copyFrames(ctx context.Context, b *container.Builder, r frameReader) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := r.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		if err := b.AddFrame(raw); err != nil {
			return err
		}
	}
}
