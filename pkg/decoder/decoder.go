// Package decoder exports sanchez files back into images and video.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sanchez/pkg/container"
	"sanchez/pkg/ffmpeg"
	"sanchez/pkg/log"
	"strings"
	"time"

	"golang.org/x/image/bmp"
)

// ErrUnknownFormat unsupported image format.
var ErrUnknownFormat = errors.New("unknown image format")

// ErrIsImage the container holds a single image, not a video.
var ErrIsImage = errors.New("container is an image")

type frameWriter interface {
	WriteFrame([]byte) error
	Close() error
}

type newVideoWriterFunc func(context.Context, ffmpeg.VideoWriterConfig) (frameWriter, error)

// Options for exports.
type Options struct {
	// Resize the output when both are set.
	ResizeWidth  int
	ResizeHeight int

	// SkipCorrupt continues a batch export past corrupt frames
	// instead of aborting.
	SkipCorrupt bool
}

func (o Options) resize() bool {
	return o.ResizeWidth > 0 && o.ResizeHeight > 0
}

// Decoder exports containers.
type Decoder struct {
	logger *log.Logger

	newVideoWriter newVideoWriterFunc
}

// NewDecoder creates a decoder that invokes the given ffmpeg binary.
func NewDecoder(ffmpegBin string, logger *log.Logger) *Decoder {
	f := ffmpeg.New(ffmpegBin)
	return &Decoder{
		logger: logger,
		newVideoWriter: func(ctx context.Context, c ffmpeg.VideoWriterConfig) (frameWriter, error) {
			return f.NewVideoWriter(ctx, c)
		},
	}
}

type encodeFunc func(io.Writer, image.Image) error

func imageEncoder(format string) (encodeFunc, string, error) {
	switch strings.ToLower(format) {
	case "png":
		return png.Encode, "png", nil
	case "jpg", "jpeg":
		return func(w io.Writer, img image.Image) error {
			return jpeg.Encode(w, img, nil)
		}, "jpg", nil
	case "bmp":
		return bmp.Encode, "bmp", nil
	}
	return nil, "", fmt.Errorf("%w: %v", ErrUnknownFormat, format)
}

func writeImage(path string, img image.Image, encode encodeFunc) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encode(file, img); err != nil {
		file.Close() //nolint:errcheck
		return fmt.Errorf("encode %v: %w", path, err)
	}
	return file.Close()
}

// ExportFrames writes frames as images named `frame_%06d.<ext>` to dir.
// An empty frame list means all frames.
func (d *Decoder) ExportFrames(
	ctx context.Context,
	c *container.Container,
	dir string,
	format string,
	frames []int,
	opts Options,
) error {
	encode, ext, err := imageEncoder(format)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("make directory for frames: %w", err)
	}

	if len(frames) == 0 {
		frames = make([]int, c.FrameCount())
		for i := range frames {
			frames[i] = i
		}
	}

	exported := 0
	for _, i := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}

		img, err := c.Frame(i)
		if err != nil {
			if opts.SkipCorrupt && errors.Is(err, container.ErrCorruptFrame) {
				d.logger.Warn().Src("decoder").
					Msgf("skipping frame %v: %v", i, err)
				continue
			}
			return err
		}
		if opts.resize() {
			img = img.Resample(opts.ResizeWidth, opts.ResizeHeight)
		}

		path := filepath.Join(dir, fmt.Sprintf("frame_%06d.%v", i, ext))
		if err := writeImage(path, img, encode); err != nil {
			return err
		}
		exported++
	}

	d.logger.Info().Src("decoder").
		Msgf("exported %v frames to %v", exported, dir)
	return nil
}

// ExportFrame writes a single frame, format derived from the extension.
func (d *Decoder) ExportFrame(
	ctx context.Context,
	c *container.Container,
	path string,
	i int,
	opts Options,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	format := strings.TrimPrefix(filepath.Ext(path), ".")
	encode, _, err := imageEncoder(format)
	if err != nil {
		return err
	}

	img, err := c.Frame(i)
	if err != nil {
		return err
	}
	if opts.resize() {
		img = img.Resample(opts.ResizeWidth, opts.ResizeHeight)
	}

	if err := writeImage(path, img, encode); err != nil {
		return err
	}

	d.logger.Info().Src("decoder").Msgf("exported frame %v to %v", i, path)
	return nil
}

// ExportVideo encodes the container into a video file at dst,
// muxing audioPath into it when set.
func (d *Decoder) ExportVideo(
	ctx context.Context,
	c *container.Container,
	dst string,
	audioPath string,
	opts Options,
) error {
	cfg := c.Config()
	if cfg.IsImage {
		return ErrIsImage
	}

	logFunc := func(msg string) {
		d.logger.Debug().Src("decoder").Msg(msg)
	}
	writer, err := d.newVideoWriter(ctx, ffmpeg.VideoWriterConfig{
		Output:      dst,
		Width:       int(cfg.Width),
		Height:      int(cfg.Height),
		FPS:         cfg.FPS,
		ScaleWidth:  opts.ResizeWidth,
		ScaleHeight: opts.ResizeHeight,
		Audio:       audioPath,
		LogFunc:     logFunc,
	})
	if err != nil {
		return err
	}

	err = copyFrames(ctx, writer, c)
	if err2 := writer.Close(); err == nil && err2 != nil {
		err = fmt.Errorf("encode process: %w", err2)
	}
	if err != nil {
		return err
	}

	d.logger.Info().Src("decoder").
		Msgf("wrote %v: %v frames", dst, c.FrameCount())
	return nil
}

func copyFrames(ctx context.Context, w frameWriter, c *container.Container) error {
	iter := c.Frames()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := iter.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if err := w.WriteFrame(raw); err != nil {
			return err
		}
	}
}

// Info returns a human readable description of a container.
func Info(c *container.Container) string {
	meta := c.Metadata()
	cfg := c.Config()

	var b strings.Builder
	fmt.Fprintf(&b, "title: %v\n", meta.Title)
	fmt.Fprintf(&b, "creator: %v\n", meta.Creator)
	fmt.Fprintf(&b, "created: %v\n",
		time.Unix(meta.CreatedAt, 0).UTC().Format("2006-01-02 15:04:05"))
	if cfg.IsImage {
		fmt.Fprintf(&b, "type: image\n")
	} else {
		fmt.Fprintf(&b, "type: video\n")
		fmt.Fprintf(&b, "fps: %v\n", cfg.FPS)
		fmt.Fprintf(&b, "duration: %v\n", c.Duration())
	}
	fmt.Fprintf(&b, "size: %vx%v\n", cfg.Width, cfg.Height)
	fmt.Fprintf(&b, "frames: %v\n", c.FrameCount())
	fmt.Fprintf(&b, "compression: %v\n", cfg.Compression)
	fmt.Fprintf(&b, "file size: %v bytes\n", c.Size())
	return b.String()
}
