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

package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// LogFunc is used to log stdout and stderr of a process.
type LogFunc func(msg string)

// Process interface only used for testing.
type Process interface {
	// Timeout sets the duration to wait after interrupt before the
	// process is killed.
	Timeout(time.Duration) Process

	StdoutLogger(LogFunc) Process
	StderrLogger(LogFunc) Process

	// Start process and wait for it to exit.
	Start(ctx context.Context) error

	// Stop process.
	Stop()
}

// process manages subprocesses.
type process struct {
	timeout time.Duration
	cmd     *exec.Cmd

	stdoutLogger LogFunc
	stderrLogger LogFunc

	done chan struct{}
}

// NewProcessFunc is used for mocking.
type NewProcessFunc func(*exec.Cmd) Process

// NewProcess return process.
func NewProcess(cmd *exec.Cmd) Process {
	return process{
		timeout: 1000 * time.Millisecond,
		cmd:     cmd,
		done:    make(chan struct{}),
	}
}

func (p process) Timeout(timeout time.Duration) Process {
	p.timeout = timeout
	return p
}

func (p process) StdoutLogger(l LogFunc) Process {
	p.stdoutLogger = l
	return p
}

func (p process) StderrLogger(l LogFunc) Process {
	p.stderrLogger = l
	return p
}

func (p process) attachLogger(logFunc LogFunc, label string, stdPipe func() (io.ReadCloser, error)) error {
	pipe, err := stdPipe()
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(pipe)
	go func() {
		for scanner.Scan() {
			logFunc(fmt.Sprintf("%v: %v", label, scanner.Text()))
		}
	}()
	return nil
}

// Start starts process with context.
func (p process) Start(ctx context.Context) error {
	if p.stdoutLogger != nil {
		if err := p.attachLogger(p.stdoutLogger, "stdout", p.cmd.StdoutPipe); err != nil {
			return err
		}
	}
	if p.stderrLogger != nil {
		if err := p.attachLogger(p.stderrLogger, "stderr", p.cmd.StderrPipe); err != nil {
			return err
		}
	}

	if err := p.cmd.Start(); err != nil {
		return err
	}

	go func() {
		select {
		case <-p.done:
		case <-ctx.Done():
			p.Stop()
		}
	}()

	err := p.cmd.Wait()
	close(p.done)

	// FFmpeg seems to return 255 on normal exit.
	if err != nil && err.Error() == "exit status 255" {
		return nil
	}

	return err
}

// Note, cannot use CommandContext to stop the process as it would
// kill it before it has a chance to exit on its own.
func (p process) Stop() {
	p.cmd.Process.Signal(os.Interrupt) //nolint:errcheck

	select {
	case <-p.done:
	case <-time.After(p.timeout):
		p.cmd.Process.Signal(os.Kill) //nolint:errcheck
		<-p.done
	}
}

// FFMPEG stores the binary location.
type FFMPEG struct {
	command    func(...string) *exec.Cmd
	newProcess NewProcessFunc
}

// New returns FFMPEG.
func New(bin string) *FFMPEG {
	command := func(args ...string) *exec.Cmd {
		return exec.Command(bin, args...)
	}
	return &FFMPEG{
		command:    command,
		newProcess: NewProcess,
	}
}

// ProbeInfo is the input stream information the encoder needs.
type ProbeInfo struct {
	Width    int
	Height   int
	FPS      float64
	HasAudio bool
}

// ProbeFunc is used for mocking.
type ProbeFunc func(string) (*ProbeInfo, error)

// Probe uses ffmpeg to grab size, frame rate and audio presence.
func (f *FFMPEG) Probe(url string) (*ProbeInfo, error) {
	cmd := f.command("-i", url, "-f", "ffmetadata", "-")

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %w", stderr.String(), err)
	}

	// Input "Stream #0:0: Video: h264 (Main), yuv420p, 1280x720, 25 fps, ..."
	output := stderr.String()

	size := regexp.MustCompile(`\b(\d+)x(\d+)\b`).FindStringSubmatch(output)
	if size == nil {
		return nil, fmt.Errorf("no size match %s", output)
	}
	width, err := strconv.Atoi(size[1])
	if err != nil {
		return nil, fmt.Errorf("parse width: %w", err)
	}
	height, err := strconv.Atoi(size[2])
	if err != nil {
		return nil, fmt.Errorf("parse height: %w", err)
	}

	info := ProbeInfo{
		Width:    width,
		Height:   height,
		HasAudio: strings.Contains(output, "Audio:"),
	}

	fps := regexp.MustCompile(`\b(\d+(?:\.\d+)?) fps\b`).FindStringSubmatch(output)
	if fps != nil {
		info.FPS, _ = strconv.ParseFloat(fps[1], 64)
	}

	return &info, nil
}

// ExtractAudio writes the audio track of src to dst as mp3.
func (f *FFMPEG) ExtractAudio(ctx context.Context, src string, dst string, logFunc LogFunc) error {
	cmd := f.command("-y", "-loglevel", "error", "-i", src, "-vn", "-f", "mp3", dst)

	process := f.newProcess(cmd).Timeout(3 * time.Second)
	if logFunc != nil {
		process = process.StderrLogger(logFunc)
	}

	return process.Start(ctx)
}

// ParseArgs slices arguments.
func ParseArgs(args string) []string {
	return strings.Split(strings.TrimSpace(args), " ")
}
