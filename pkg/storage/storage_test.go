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

package storage

import (
	"errors"
	"os"
	"path/filepath"
	"sanchez/pkg/log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, usage DiskUsage) *Manager {
	storageDir := t.TempDir()

	m := &Manager{
		storageDir:   storageDir,
		maxDiskUsage: 95,
		disk:         newDiskCache(storageDir),
		removeAll:    os.RemoveAll,
		logger:       log.NewMockLogger(),
	}
	m.disk.usageFunc = func(string) (DiskUsage, error) {
		return usage, nil
	}
	return m
}

func writeCapture(t *testing.T, m *Manager, name string) string {
	require.NoError(t, os.MkdirAll(m.CapturesDir(), 0o700))
	path := filepath.Join(m.CapturesDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	return path
}

func TestNewCapturePath(t *testing.T) {
	m := newTestManager(t, DiskUsage{})

	startTime := time.Date(2025, 5, 4, 15, 4, 5, 0, time.UTC)
	actual := m.NewCapturePath("mystream", startTime)
	expected := filepath.Join(m.CapturesDir(), "2025-05-04_15-04-05_mystream")
	require.Equal(t, expected, actual)
}

func TestListCaptures(t *testing.T) {
	t.Run("ordering", func(t *testing.T) {
		m := newTestManager(t, DiskUsage{})

		writeCapture(t, m, "2025-01-01_00-00-00_a.sanchez")
		writeCapture(t, m, "2025-03-01_00-00-00_c.sanchez")
		writeCapture(t, m, "2025-02-01_00-00-00_b.sanchez")
		writeCapture(t, m, "notes.txt")

		captures, err := m.ListCaptures()
		require.NoError(t, err)
		require.Len(t, captures, 3)
		require.Equal(t, "2025-03-01_00-00-00_c.sanchez", captures[0].Name)
		require.Equal(t, "2025-01-01_00-00-00_a.sanchez", captures[2].Name)
	})
	t.Run("missingDir", func(t *testing.T) {
		m := newTestManager(t, DiskUsage{})

		captures, err := m.ListCaptures()
		require.NoError(t, err)
		require.Empty(t, captures)
	})
}

func TestPurge(t *testing.T) {
	t.Run("belowLimit", func(t *testing.T) {
		m := newTestManager(t, DiskUsage{Percent: 50})
		path := writeCapture(t, m, "2025-01-01_00-00-00_a.sanchez")

		require.NoError(t, m.purge())
		require.FileExists(t, path)
	})
	t.Run("aboveLimit", func(t *testing.T) {
		m := newTestManager(t, DiskUsage{Percent: 99})
		oldest := writeCapture(t, m, "2025-01-01_00-00-00_a.sanchez")
		newest := writeCapture(t, m, "2025-02-01_00-00-00_b.sanchez")

		require.NoError(t, m.purge())
		require.NoFileExists(t, oldest)
		require.FileExists(t, newest)
	})
	t.Run("sideFiles", func(t *testing.T) {
		m := newTestManager(t, DiskUsage{Percent: 99})
		capture := writeCapture(t, m, "2025-01-01_00-00-00_a.sanchez")
		audio := writeCapture(t, m, "2025-01-01_00-00-00_a.mp3")

		require.NoError(t, m.purge())
		require.NoFileExists(t, capture)
		require.NoFileExists(t, audio)
	})
	t.Run("emptyDir", func(t *testing.T) {
		m := newTestManager(t, DiskUsage{Percent: 99})
		require.NoError(t, m.purge())
	})
	t.Run("usageErr", func(t *testing.T) {
		m := newTestManager(t, DiskUsage{})
		stubErr := errors.New("stub")
		m.disk.usageFunc = func(string) (DiskUsage, error) {
			return DiskUsage{}, stubErr
		}

		err := m.purge()
		require.ErrorIs(t, err, stubErr)
	})
	t.Run("removeErr", func(t *testing.T) {
		m := newTestManager(t, DiskUsage{Percent: 99})
		writeCapture(t, m, "2025-01-01_00-00-00_a.sanchez")

		stubErr := errors.New("stub")
		m.removeAll = func(string) error { return stubErr }

		err := m.purge()
		require.ErrorIs(t, err, stubErr)
	})
}

func TestDiskCache(t *testing.T) {
	t.Run("cached", func(t *testing.T) {
		calls := 0
		d := newDiskCache("/x")
		d.usageFunc = func(string) (DiskUsage, error) {
			calls++
			return DiskUsage{Used: 1}, nil
		}

		_, err := d.usage(time.Hour)
		require.NoError(t, err)
		_, err = d.usage(time.Hour)
		require.NoError(t, err)
		require.Equal(t, 1, calls)

		usage, age := d.usageCached()
		require.Equal(t, DiskUsage{Used: 1}, usage)
		require.Less(t, age, time.Hour)
	})
	t.Run("stale", func(t *testing.T) {
		calls := 0
		d := newDiskCache("/x")
		d.usageFunc = func(string) (DiskUsage, error) {
			calls++
			return DiskUsage{}, nil
		}

		_, err := d.usage(0)
		require.NoError(t, err)
		_, err = d.usage(0)
		require.NoError(t, err)
		require.Equal(t, 2, calls)
	})
}

func TestFormatDiskUsage(t *testing.T) {
	cases := []struct {
		input    float64
		expected string
	}{
		{10 * megabyte, "10MB"},
		{2 * gigabyte, "2.00GB"},
		{20 * gigabyte, "20.0GB"},
		{200 * gigabyte, "200GB"},
		{2 * terabyte, "2.00TB"},
		{20 * terabyte, "20.0TB"},
		{200 * terabyte, "200TB"},
	}
	for _, tc := range cases {
		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, formatDiskUsage(tc.input))
		})
	}
}

func TestNewConfigEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		env, err := NewConfigEnv("/home/user/.config/sanchez/env.yaml", []byte{})
		require.NoError(t, err)

		require.Equal(t, 9999, env.Port)
		require.Equal(t, "/usr/bin/ffmpeg", env.FFmpegBin)
		require.Equal(t, "/usr/bin/ffprobe", env.FFprobeBin)
		require.Equal(t, "/usr/bin/ffplay", env.FFplayBin)
		require.Equal(t, 95, env.MaxDiskUsage)
		require.Equal(t, "/home/user/.config", env.HomeDir)
		require.Equal(t, "/home/user/.config/storage", env.StorageDir)
		require.Equal(t, "/home/user/.config/storage/captures", env.CapturesDir())
		require.Equal(t, "/home/user/.config/storage/logs", env.LogDir())
	})
	t.Run("parse", func(t *testing.T) {
		envYAML := []byte(`
port: 7000
maxDiskUsage: 80
storageDir: /data/sanchez
statusAddr: ":8080"
`)
		env, err := NewConfigEnv("/etc/sanchez/env.yaml", envYAML)
		require.NoError(t, err)

		require.Equal(t, 7000, env.Port)
		require.Equal(t, 80, env.MaxDiskUsage)
		require.Equal(t, "/data/sanchez", env.StorageDir)
		require.Equal(t, ":8080", env.StatusAddr)
	})
	t.Run("unmarshalErr", func(t *testing.T) {
		_, err := NewConfigEnv("/etc/sanchez/env.yaml", []byte("&"))
		require.Error(t, err)
	})
	t.Run("relativePaths", func(t *testing.T) {
		cases := []struct {
			name    string
			envYAML string
		}{
			{"ffmpegBin", "ffmpegBin: ffmpeg"},
			{"ffprobeBin", "ffprobeBin: ffprobe"},
			{"ffplayBin", "ffplayBin: ffplay"},
			{"storageDir", "storageDir: storage"},
			{"homeDir", "homeDir: home"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := NewConfigEnv("/etc/sanchez/env.yaml", []byte(tc.envYAML))
				require.ErrorIs(t, err, ErrPathNotAbsolute)
			})
		}
	})
}

func TestPrepareEnvironment(t *testing.T) {
	homeDir := t.TempDir()
	env := &ConfigEnv{
		StorageDir: filepath.Join(homeDir, "storage"),
		TempDir:    filepath.Join(homeDir, "temp"),
	}

	require.NoError(t, env.PrepareEnvironment())
	require.DirExists(t, env.CapturesDir())
	require.DirExists(t, env.LogDir())
	require.DirExists(t, env.TempDir)
}
