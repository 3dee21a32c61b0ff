// SPDX-License-Identifier: GPL-2.0-or-later

package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const fakeProbeOutput = `Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'input.mp4':
  Duration: 00:00:10.00, start: 0.000000, bitrate: 1021 kb/s
  Stream #0:0(und): Video: h264 (Main), yuv420p, 1280x720, 25 fps, 25 tbr, 12800 tbn
  Stream #0:1(und): Audio: aac (LC), 44100 Hz, stereo, fltp, 128 kb/s
`

const fakeProbeImageOutput = `Input #0, png_pipe, from 'input.png':
  Stream #0:0: Video: png, rgb24(pc), 640x480
`

func TestFakeProcess(t *testing.T) {
	if os.Getenv("GO_TEST_PROCESS") != "1" {
		return
	}
	if os.Getenv("SLEEP") == "1" {
		time.Sleep(1 * time.Hour)
	}
	switch {
	case os.Getenv("EXIT255") == "1":
		os.Exit(255)
	case os.Getenv("FAIL") == "1":
		os.Exit(1)
	case os.Getenv("PROBE") == "1":
		fmt.Fprint(os.Stderr, fakeProbeOutput)
		os.Exit(0)
	case os.Getenv("PROBE_IMAGE") == "1":
		fmt.Fprint(os.Stderr, fakeProbeImageOutput)
		os.Exit(0)
	case os.Getenv("FRAMES") == "1":
		buf := make([]byte, 24)
		for i := range buf {
			buf[i] = byte(i)
		}
		os.Stdout.Write(buf) //nolint:errcheck
		os.Exit(0)
	}
	if sink := os.Getenv("SINK"); sink != "" {
		file, err := os.Create(sink)
		if err != nil {
			os.Exit(1)
		}
		io.Copy(file, os.Stdin) //nolint:errcheck
		file.Close()
		os.Exit(0)
	}

	fmt.Fprintf(os.Stdout, "%v", "out")
	fmt.Fprintf(os.Stderr, "%v", "err")

	os.Exit(0)
}

func fakeExecCommand(env ...string) *exec.Cmd {
	cs := []string{"-test.run=TestFakeProcess"}
	cmd := exec.Command(os.Args[0], cs...)
	cmd.Env = []string{"GO_TEST_PROCESS=1"}
	cmd.Env = append(cmd.Env, env...)
	return cmd
}

func fakeFFMPEG(env ...string) *FFMPEG {
	return &FFMPEG{
		command: func(...string) *exec.Cmd {
			return fakeExecCommand(env...)
		},
		newProcess: NewProcess,
	}
}

func TestProcess(t *testing.T) {
	t.Run("running", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		p := NewProcess(fakeExecCommand())
		err := p.Start(ctx)
		require.NoError(t, err)
	})
	t.Run("startWithLogger", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		logs := make(chan string)
		logFunc := func(msg string) {
			logs <- fmt.Sprintf("test %v", msg)
		}

		p := NewProcess(fakeExecCommand()).
			Timeout(0).
			StdoutLogger(logFunc).
			StderrLogger(logFunc)

		err := p.Start(ctx)
		require.NoError(t, err)

		compareOutput := func(input string) {
			output1 := "test stdout: out"
			output2 := "test stderr: err"
			switch {
			case input == output1:
			case input == output2:
			default:
				t.Fatalf("outputs doesn't match: '%v'", input)
			}
		}

		compareOutput(<-logs)
		compareOutput(<-logs)
	})
	t.Run("exit255", func(t *testing.T) {
		p := NewProcess(fakeExecCommand("EXIT255=1"))
		err := p.Start(context.Background())
		require.NoError(t, err)
	})
	t.Run("killed", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		p := NewProcess(fakeExecCommand("SLEEP=1")).Timeout(0)

		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		err := p.Start(ctx)
		require.Error(t, err)
	})

	_, pw, err := os.Pipe()
	require.NoError(t, err)

	t.Run("stdoutErr", func(t *testing.T) {
		cmd := fakeExecCommand()
		cmd.Stdout = pw

		p := process{cmd: cmd}.
			StdoutLogger(func(string) {})

		err := p.Start(context.Background())
		require.Error(t, err)
	})
	t.Run("stderrErr", func(t *testing.T) {
		cmd := fakeExecCommand()
		cmd.Stderr = pw

		p := process{cmd: cmd}.
			StderrLogger(func(string) {})

		err := p.Start(context.Background())
		require.Error(t, err)
	})
}

func TestProbe(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		info, err := fakeFFMPEG("PROBE=1").Probe("input.mp4")
		require.NoError(t, err)

		expected := &ProbeInfo{
			Width:    1280,
			Height:   720,
			FPS:      25,
			HasAudio: true,
		}
		require.Equal(t, expected, info)
	})
	t.Run("image", func(t *testing.T) {
		info, err := fakeFFMPEG("PROBE_IMAGE=1").Probe("input.png")
		require.NoError(t, err)

		expected := &ProbeInfo{
			Width:  640,
			Height: 480,
		}
		require.Equal(t, expected, info)
	})
	t.Run("runErr", func(t *testing.T) {
		_, err := fakeFFMPEG("FAIL=1").Probe("input.mp4")
		require.Error(t, err)
	})
	t.Run("noMatch", func(t *testing.T) {
		_, err := fakeFFMPEG().Probe("input.mp4")
		require.Error(t, err)
	})
}

func TestExtractAudio(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		err := fakeFFMPEG().ExtractAudio(context.Background(), "in.mp4", "out.mp3", nil)
		require.NoError(t, err)
	})
	t.Run("logger", func(t *testing.T) {
		logs := make(chan string)
		logFunc := func(msg string) {
			logs <- msg
		}

		done := make(chan error)
		go func() {
			done <- fakeFFMPEG().ExtractAudio(context.Background(), "in.mp4", "out.mp3", logFunc)
		}()

		require.Equal(t, "stderr: err", <-logs)
		require.NoError(t, <-done)
	})
	t.Run("err", func(t *testing.T) {
		err := fakeFFMPEG("FAIL=1").ExtractAudio(context.Background(), "in.mp4", "out.mp3", nil)
		require.Error(t, err)
	})
}

func TestVideoReader(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		r, err := fakeFFMPEG("FRAMES=1").NewVideoReader(context.Background(), VideoReaderConfig{
			Input:  "input.mp4",
			Width:  2,
			Height: 2,
		})
		require.NoError(t, err)

		frame, err := r.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, frame)

		frame, err = r.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, []byte{12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23}, frame)

		_, err = r.ReadFrame()
		require.ErrorIs(t, err, io.EOF)

		require.NoError(t, r.Close())
	})
	t.Run("partialFrame", func(t *testing.T) {
		r, err := fakeFFMPEG("FRAMES=1").NewVideoReader(context.Background(), VideoReaderConfig{
			Input:  "input.mp4",
			Width:  5,
			Height: 1,
		})
		require.NoError(t, err)

		_, err = r.ReadFrame()
		require.NoError(t, err)

		_, err = r.ReadFrame()
		require.Error(t, err)

		r.Close()
	})
	t.Run("abort", func(t *testing.T) {
		r, err := fakeFFMPEG("SLEEP=1").NewVideoReader(context.Background(), VideoReaderConfig{
			Input:  "input.mp4",
			Width:  2,
			Height: 2,
		})
		require.NoError(t, err)
		require.Error(t, r.Close())
	})
	t.Run("invalidSize", func(t *testing.T) {
		_, err := fakeFFMPEG().NewVideoReader(context.Background(), VideoReaderConfig{
			Input: "input.mp4",
		})
		require.Error(t, err)
	})
}

func TestVideoWriter(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		sink := filepath.Join(t.TempDir(), "out.raw")

		w, err := fakeFFMPEG("SINK="+sink).NewVideoWriter(context.Background(), VideoWriterConfig{
			Output: "out.mp4",
			Width:  2,
			Height: 2,
			FPS:    12.5,
		})
		require.NoError(t, err)

		frame := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
		require.NoError(t, w.WriteFrame(frame))
		require.NoError(t, w.Close())

		written, err := os.ReadFile(sink)
		require.NoError(t, err)
		require.Equal(t, frame, written)
	})
	t.Run("badFrameSize", func(t *testing.T) {
		w, err := fakeFFMPEG().NewVideoWriter(context.Background(), VideoWriterConfig{
			Output: "out.mp4",
			Width:  2,
			Height: 2,
			FPS:    1,
		})
		require.NoError(t, err)

		err = w.WriteFrame([]byte{0, 1, 2})
		require.Error(t, err)

		w.Close()
	})
	t.Run("invalidConfig", func(t *testing.T) {
		_, err := fakeFFMPEG().NewVideoWriter(context.Background(), VideoWriterConfig{
			Output: "out.mp4",
			FPS:    1,
		})
		require.Error(t, err)

		_, err = fakeFFMPEG().NewVideoWriter(context.Background(), VideoWriterConfig{
			Output: "out.mp4",
			Width:  2,
			Height: 2,
		})
		require.Error(t, err)
	})
}

func TestVideoArgs(t *testing.T) {
	t.Run("reader", func(t *testing.T) {
		actual := strings.Join(videoReaderArgs(VideoReaderConfig{
			Input:     "in.mp4",
			Width:     64,
			Height:    48,
			MaxFrames: 5,
		}), " ")
		expected := "-threads 1 -loglevel error -i in.mp4" +
			" -vf scale=64:48 -vframes 5 -f rawvideo -pix_fmt rgb24 -"
		require.Equal(t, expected, actual)
	})
	t.Run("writer", func(t *testing.T) {
		actual := strings.Join(videoWriterArgs(VideoWriterConfig{
			Output: "out.mp4",
			Width:  2,
			Height: 2,
			FPS:    12.5,
		}), " ")
		expected := "-y -threads 1 -loglevel error -f rawvideo -pix_fmt rgb24" +
			" -s 2x2 -r 12.5 -i - -c:v libx264 -pix_fmt yuv420p out.mp4"
		require.Equal(t, expected, actual)
	})
	t.Run("writerScaledWithAudio", func(t *testing.T) {
		actual := strings.Join(videoWriterArgs(VideoWriterConfig{
			Output:      "out.mp4",
			Width:       2,
			Height:      2,
			FPS:         30,
			ScaleWidth:  640,
			ScaleHeight: 480,
			Audio:       "track.mp3",
		}), " ")
		expected := "-y -threads 1 -loglevel error -f rawvideo -pix_fmt rgb24" +
			" -s 2x2 -r 30 -i - -i track.mp3 -c:a aac -shortest" +
			" -vf scale=640:480 -c:v libx264 -pix_fmt yuv420p out.mp4"
		require.Equal(t, expected, actual)
	})
}

func TestParseArgs(t *testing.T) {
	actual := ParseArgs(" -i file.mp4 -f rawvideo - ")
	expected := []string{"-i", "file.mp4", "-f", "rawvideo", "-"}
	require.Equal(t, expected, actual)
}
