// SPDX-License-Identifier: GPL-2.0-or-later

package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// VideoReaderConfig VideoReader config.
type VideoReaderConfig struct {
	Input string

	// Output frame size. The video is scaled when it
	// does not match the source size.
	Width  int
	Height int

	// MaxFrames limits the number of decoded frames. Zero means no limit.
	MaxFrames int

	LogFunc LogFunc
}

// VideoReader decodes a video into raw RGB24 frames over a pipe.
type VideoReader struct {
	stdout io.ReadCloser
	buf    []byte

	cancel  context.CancelFunc
	waitErr chan error
}

// NewVideoReader starts a decode process and returns a reader for its output.
//
// Note, cannot use cmd.StdoutPipe as cmd.Wait would close it when the
// process exits and discard any buffered frames the caller hasn't read.
func (f *FFMPEG) NewVideoReader(ctx context.Context, c VideoReaderConfig) (*VideoReader, error) {
	if c.Width <= 0 || c.Height <= 0 {
		return nil, fmt.Errorf("invalid size: %vx%v", c.Width, c.Height)
	}

	cmd := f.command(videoReaderArgs(c)...)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw

	if c.LogFunc != nil {
		stderr, err := cmd.StderrPipe()
		if err != nil {
			pr.Close()
			pw.Close()
			return nil, fmt.Errorf("stderr: %w", err)
		}
		scanner := bufio.NewScanner(stderr)
		go func() {
			for scanner.Scan() {
				c.LogFunc("stderr: " + scanner.Text())
			}
		}()
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	pw.Close() // The child keeps its own copy.

	exited := make(chan struct{})
	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		close(exited)
		waitErr <- err
	}()

	ctx2, cancel := context.WithCancel(ctx)
	go stopWatcher(ctx2, cmd, exited)

	return &VideoReader{
		stdout:  pr,
		buf:     make([]byte, c.Width*c.Height*3),
		cancel:  cancel,
		waitErr: waitErr,
	}, nil
}

func videoReaderArgs(c VideoReaderConfig) []string {
	args := []string{"-threads", "1", "-loglevel", "error", "-i", c.Input}
	args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", c.Width, c.Height))
	if c.MaxFrames > 0 {
		args = append(args, "-vframes", strconv.Itoa(c.MaxFrames))
	}
	args = append(args, "-f", "rawvideo")
	args = append(args, "-pix_fmt", "rgb24", "-")
	return args
}

// stopWatcher interrupts the process when the context is canceled
// and escalates to kill if it doesn't exit within the timeout.
func stopWatcher(ctx context.Context, cmd *exec.Cmd, exited chan struct{}) {
	select {
	case <-exited:
	case <-ctx.Done():
		cmd.Process.Signal(os.Interrupt) //nolint:errcheck

		select {
		case <-exited:
		case <-time.After(3 * time.Second):
			cmd.Process.Signal(os.Kill) //nolint:errcheck
		}
	}
}

// ReadFrame reads the next frame from the pipe. The returned slice is
// only valid until the next call. Returns io.EOF when the video ends.
func (r *VideoReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(r.stdout, r.buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read from stdout: %w", err)
	}
	return r.buf, nil
}

// Close stops the decode process and waits for it to exit.
func (r *VideoReader) Close() error {
	r.cancel()
	err := <-r.waitErr
	r.stdout.Close() //nolint:errcheck

	// FFmpeg seems to return 255 on normal exit.
	if err != nil && err.Error() == "exit status 255" {
		return nil
	}
	return err
}

// VideoWriterConfig VideoWriter config.
type VideoWriterConfig struct {
	Output string

	Width  int
	Height int
	FPS    float64

	// Optional output size. Frames are still written at
	// Width x Height, the encoder rescales them.
	ScaleWidth  int
	ScaleHeight int

	// Audio is an optional audio file muxed into the output.
	Audio string

	LogFunc LogFunc
}

// VideoWriter encodes raw RGB24 frames written to it into a video file.
type VideoWriter struct {
	stdin     io.WriteCloser
	frameSize int

	cancel context.CancelFunc
	done   chan error
}

// NewVideoWriter starts an encode process and returns a writer for its input.
func (f *FFMPEG) NewVideoWriter(ctx context.Context, c VideoWriterConfig) (*VideoWriter, error) {
	if c.Width <= 0 || c.Height <= 0 {
		return nil, fmt.Errorf("invalid size: %vx%v", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return nil, fmt.Errorf("invalid frame rate: %v", c.FPS)
	}

	cmd := f.command(videoWriterArgs(c)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin: %w", err)
	}

	process := f.newProcess(cmd).Timeout(3 * time.Second)
	if c.LogFunc != nil {
		process = process.StderrLogger(c.LogFunc)
	}

	ctx2, cancel := context.WithCancel(ctx)

	done := make(chan error, 1)
	go func() {
		done <- process.Start(ctx2)
	}()

	return &VideoWriter{
		stdin:     stdin,
		frameSize: c.Width * c.Height * 3,
		cancel:    cancel,
		done:      done,
	}, nil
}

func videoWriterArgs(c VideoWriterConfig) []string {
	args := []string{
		"-y", "-threads", "1", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-r", strconv.FormatFloat(c.FPS, 'f', -1, 64),
		"-i", "-",
	}
	if c.Audio != "" {
		args = append(args, "-i", c.Audio, "-c:a", "aac", "-shortest")
	}
	if c.ScaleWidth > 0 && c.ScaleHeight > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", c.ScaleWidth, c.ScaleHeight))
	}
	args = append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p", c.Output)
	return args
}

// WriteFrame writes a raw RGB24 frame to the pipe.
func (w *VideoWriter) WriteFrame(frame []byte) error {
	if len(frame) != w.frameSize {
		return fmt.Errorf("frame size: %v expected: %v", len(frame), w.frameSize)
	}
	if _, err := w.stdin.Write(frame); err != nil {
		return fmt.Errorf("write to stdin: %w", err)
	}
	return nil
}

// Close closes the pipe and waits for the encode process to finish.
func (w *VideoWriter) Close() error {
	w.stdin.Close() //nolint:errcheck
	err := <-w.done
	w.cancel()
	return err
}
