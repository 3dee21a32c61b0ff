package stream

import (
	"fmt"
	"os"
	"path/filepath"
	"sanchez/pkg/container"
	"strings"
)

// Recorder captures a received stream back into a sanchez file. Feed
// it every client event, then Close to write the file.
type Recorder struct {
	path    string
	builder *container.Builder
	audio   []byte
	frames  int
}

// NewRecorder creates a recorder writing to path.
func NewRecorder(path string) *Recorder {
	return &Recorder{path: path}
}

// FrameCount returns the number of frames captured so far.
func (r *Recorder) FrameCount() int {
	return r.frames
}

// HandleEvent feeds one client event into the capture.
func (r *Recorder) HandleEvent(ev Event) error {
	switch ev := ev.(type) {
	case SyncedEvent:
		if r.builder != nil {
			return nil
		}
		builder, err := container.NewBuilder(ev.Metadata, container.BuildConfig{
			Width:       int(ev.Config.Config.Width),
			Height:      int(ev.Config.Config.Height),
			FPS:         ev.Config.Config.FPS,
			IsImage:     ev.Config.Config.IsImage,
			Compression: ev.Config.Config.Compression,
		})
		if err != nil {
			return err
		}
		r.builder = builder

	case FrameEvent:
		if r.builder == nil {
			return fmt.Errorf("frame before sync")
		}
		if err := r.builder.AddFrame(ev.Data); err != nil {
			return err
		}
		r.frames++

	case AudioEvent:
		r.audio = ev.Data
	}
	return nil
}

// Close writes the capture file. Returns the audio sibling path when
// an audio track was captured.
func (r *Recorder) Close() (string, error) {
	if r.builder == nil {
		return "", fmt.Errorf("nothing captured")
	}
	defer r.builder.Close()

	if r.frames == 0 {
		return "", fmt.Errorf("no frames captured")
	}
	if err := r.builder.WriteFile(r.path); err != nil {
		return "", err
	}

	if len(r.audio) == 0 {
		return "", nil
	}
	audioPath := strings.TrimSuffix(r.path, filepath.Ext(r.path)) + ".mp3"
	if err := os.WriteFile(audioPath, r.audio, 0o600); err != nil {
		return "", err
	}
	return audioPath, nil
}
