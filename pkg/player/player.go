// SPDX-License-Identifier: GPL-2.0-or-later

// Package player plays containers and live streams in an ffplay window.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sanchez/pkg/container"
	"sanchez/pkg/ffmpeg"
	"sanchez/pkg/stream"
	"strconv"
	"time"
)

// PlayOptions controls the playback window.
type PlayOptions struct {
	// Scale multiplies the window size. Zero means native size.
	Scale float64

	Fullscreen bool

	// StartFrame skips playback ahead to this frame.
	StartFrame int

	// AudioPath is an audio file played alongside the video.
	AudioPath string

	LogFunc ffmpeg.LogFunc
}

// Player spawns ffplay windows.
type Player struct {
	command    func(...string) *exec.Cmd
	newProcess ffmpeg.NewProcessFunc
}

// New returns a player that invokes bin, "ffplay" when empty.
func New(bin string) *Player {
	if bin == "" {
		bin = "ffplay"
	}
	command := func(args ...string) *exec.Cmd {
		return exec.Command(bin, args...)
	}
	return &Player{
		command:    command,
		newProcess: ffmpeg.NewProcess,
	}
}

// Play shows a container in a window. It blocks until playback finishes
// or the window is closed. Image containers keep the window open until
// the user closes it.
func (p *Player) Play(ctx context.Context, c *container.Container, opts PlayOptions) error {
	if opts.StartFrame < 0 || opts.StartFrame >= c.FrameCount() {
		return fmt.Errorf("start frame out of range: %v of %v", opts.StartFrame, c.FrameCount())
	}

	w, err := p.openWindow(ctx, c.Config(), c.Metadata().Title, opts)
	if err != nil {
		return err
	}

	if opts.AudioPath != "" {
		stop, err := p.playAudio(ctx, opts.AudioPath, opts.LogFunc)
		if err != nil {
			w.Close() //nolint:errcheck
			return err
		}
		defer stop()
	}

	// ffplay drains the pipe at the frame rate, which paces the loop.
	for i := opts.StartFrame; i < c.FrameCount(); i++ {
		frame, err := c.ReadFrame(i)
		if err != nil {
			w.Close() //nolint:errcheck
			return err
		}
		if err := w.WriteFrame(frame); err != nil {
			// The user closed the window.
			break
		}
	}
	return w.Close()
}

// EventSource is the receiving side of a stream session.
// *stream.Client satisfies it.
type EventSource interface {
	Recv(ctx context.Context) (stream.Event, error)
}

// Frames buffered between the receive loop and the window pipe.
const streamBacklog = 16

// PlayStream shows a live stream in a window. The window opens once the
// session has synced. Frames are dropped when the window stops draining
// the pipe so that a paused or stalled window cannot hold up the
// receive loop.
func (p *Player) PlayStream(ctx context.Context, src EventSource, opts PlayOptions) error {
	var (
		w       *window
		frames  chan []byte
		gone    chan struct{}
		written chan struct{}
		dropped int
	)

	var audioStop func()
	var audioPath string
	defer func() {
		if audioStop != nil {
			audioStop()
		}
		if audioPath != "" {
			os.Remove(audioPath) //nolint:errcheck
		}
	}()

	finish := func() error {
		if w == nil {
			return nil
		}
		close(frames)

		// Closing the pipe unblocks a writer stalled on a full pipe.
		err := w.Close()
		<-written

		if dropped > 0 && opts.LogFunc != nil {
			opts.LogFunc(fmt.Sprintf("dropped %v frames on a stalled window", dropped))
		}
		return err
	}

	for {
		ev, err := src.Recv(ctx)
		if err != nil {
			werr := finish()
			if errors.Is(err, stream.ErrSessionEnded) {
				return werr
			}
			return err
		}

		switch ev := ev.(type) {
		case stream.SyncedEvent:
			if w != nil {
				break
			}
			w, err = p.openWindow(ctx, ev.Config.Config, ev.Metadata.Title, opts)
			if err != nil {
				return err
			}

			frames = make(chan []byte, streamBacklog)
			gone = make(chan struct{})
			written = make(chan struct{})
			go feedWindow(w, frames, gone, written)

		case stream.FrameEvent:
			if w == nil {
				break
			}
			select {
			case <-gone:
				// The user closed the window.
				return finish()
			case frames <- ev.Data:
			default:
				dropped++
			}

		case stream.AudioEvent:
			if audioStop != nil {
				break
			}
			stop, path, err := p.playStreamAudio(ctx, ev.Data, opts.LogFunc)
			if err != nil {
				if opts.LogFunc != nil {
					opts.LogFunc(fmt.Sprintf("audio: %v", err))
				}
				break
			}
			audioStop, audioPath = stop, path

		case stream.EndEvent:
			return finish()
		}
	}
}

// feedWindow copies frames to the window pipe. gone is closed if the
// window stops accepting them.
func feedWindow(w *window, frames chan []byte, gone, written chan struct{}) {
	defer close(written)
	for frame := range frames {
		if w.WriteFrame(frame) != nil {
			close(gone)
			for range frames {
			}
			return
		}
	}
}

// playStreamAudio spools the received track to a temporary file and
// plays it. The caller removes the file once playback stops.
func (p *Player) playStreamAudio(ctx context.Context, data []byte, logFunc ffmpeg.LogFunc) (func(), string, error) {
	file, err := os.CreateTemp("", "sanchez-audio-*.mp3")
	if err != nil {
		return nil, "", err
	}
	path := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(path) //nolint:errcheck
		return nil, "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(path) //nolint:errcheck
		return nil, "", err
	}

	stop, err := p.playAudio(ctx, path, logFunc)
	if err != nil {
		os.Remove(path) //nolint:errcheck
		return nil, "", err
	}
	return stop, path, nil
}

// playAudio plays an audio file in a headless process.
func (p *Player) playAudio(ctx context.Context, path string, logFunc ffmpeg.LogFunc) (func(), error) {
	cmd := p.command("-loglevel", "error", "-nodisp", "-autoexit", path)

	process := p.newProcess(cmd).Timeout(time.Second)
	if logFunc != nil {
		process = process.StderrLogger(logFunc)
	}

	ctx2, cancel := context.WithCancel(ctx)

	done := make(chan error, 1)
	go func() {
		done <- process.Start(ctx2)
	}()

	stop := func() {
		cancel()
		<-done
	}
	return stop, nil
}

// window is an ffplay process reading raw RGB24 frames from stdin.
type window struct {
	stdin     io.WriteCloser
	frameSize int

	cancel context.CancelFunc
	done   chan error
}

func (p *Player) openWindow(ctx context.Context, cfg container.Config, title string, opts PlayOptions) (*window, error) {
	cmd := p.command(playArgs(cfg, title, opts)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin: %w", err)
	}

	process := p.newProcess(cmd).Timeout(3 * time.Second)
	if opts.LogFunc != nil {
		process = process.StderrLogger(opts.LogFunc)
	}

	ctx2, cancel := context.WithCancel(ctx)

	done := make(chan error, 1)
	go func() {
		done <- process.Start(ctx2)
	}()

	return &window{
		stdin:     stdin,
		frameSize: cfg.FrameSize(),
		cancel:    cancel,
		done:      done,
	}, nil
}

// playArgs composes the ffplay invocation. Videos exit with the stream,
// images linger until the user closes the window.
func playArgs(cfg container.Config, title string, opts PlayOptions) []string {
	if title == "" {
		title = "sanchez"
	}
	args := []string{
		"-loglevel", "error",
		"-window_title", title,
		"-f", "rawvideo",
		"-pixel_format", "rgb24",
		"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
	}

	fps := cfg.FPS
	if fps <= 0 {
		fps = 1
	}
	args = append(args, "-framerate", strconv.FormatFloat(fps, 'f', -1, 64))

	if opts.Scale > 0 && opts.Scale != 1 {
		width := int(float64(cfg.Width)*opts.Scale + 0.5)
		height := int(float64(cfg.Height)*opts.Scale + 0.5)
		args = append(args, "-x", strconv.Itoa(width), "-y", strconv.Itoa(height))
	}
	if opts.Fullscreen {
		args = append(args, "-fs")
	}
	if !cfg.IsImage {
		args = append(args, "-autoexit")
	}
	return append(args, "-i", "pipe:0")
}

// WriteFrame writes a raw RGB24 frame to the pipe.
func (w *window) WriteFrame(frame []byte) error {
	if len(frame) != w.frameSize {
		return fmt.Errorf("frame size: %v expected: %v", len(frame), w.frameSize)
	}
	if _, err := w.stdin.Write(frame); err != nil {
		return fmt.Errorf("write to stdin: %w", err)
	}
	return nil
}

// Close closes the pipe and waits for the window to exit.
func (w *window) Close() error {
	w.stdin.Close() //nolint:errcheck
	err := <-w.done
	w.cancel()

	// ffplay exits with 123 when stopped by a signal.
	if err != nil && err.Error() == "exit status 123" {
		return nil
	}
	return err
}
