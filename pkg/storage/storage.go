// Copyright 2025-2026 The Sanchez Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sanchez/pkg/log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"gopkg.in/yaml.v2"
)

// Manager storage manager.
type Manager struct {
	storageDir   string
	maxDiskUsage int
	disk         *diskCache
	removeAll    func(string) error

	logger *log.Logger
}

// NewManager returns new manager.
func NewManager(env *ConfigEnv, logger *log.Logger) *Manager {
	return &Manager{
		storageDir:   env.StorageDir,
		maxDiskUsage: env.MaxDiskUsage,
		disk:         newDiskCache(env.StorageDir),
		removeAll:    os.RemoveAll,

		logger: logger,
	}
}

// CapturesDir returns path to captures directory.
func (s *Manager) CapturesDir() string {
	return filepath.Join(s.storageDir, "captures")
}

// NewCapturePath returns a timestamped path for a new capture
// file without extension.
func (s *Manager) NewCapturePath(prefix string, startTime time.Time) string {
	name := startTime.Format("2006-01-02_15-04-05_") + prefix
	return filepath.Join(s.CapturesDir(), name)
}

// DiskUsageCached returns cached value and its age.
func (s *Manager) DiskUsageCached() (DiskUsage, time.Duration) {
	return s.disk.usageCached()
}

// DiskUsage returns cached value if within maxAge.
// Will update and return new value if the cached value is too old.
func (s *Manager) DiskUsage(maxAge time.Duration) (DiskUsage, error) {
	return s.disk.usage(maxAge)
}

// purge deletes the oldest capture when disk usage
// is above the configured limit.
func (s *Manager) purge() error {
	usage, err := s.DiskUsage(10 * time.Minute)
	if err != nil {
		return fmt.Errorf("update disk usage: %w", err)
	}
	if usage.Percent < s.maxDiskUsage {
		return nil
	}

	captures, err := s.ListCaptures()
	if err != nil {
		return fmt.Errorf("list captures: %w", err)
	}
	if len(captures) == 0 {
		return nil
	}

	// Delete the oldest capture and its side files.
	oldest := captures[len(captures)-1]
	base := strings.TrimSuffix(oldest.Path, filepath.Ext(oldest.Path))
	for _, path := range []string{oldest.Path, base + ".mp3"} {
		if err := s.removeAll(path); err != nil {
			return fmt.Errorf("remove %v: %w", path, err)
		}
	}
	return nil
}

// PurgeLoop runs purge on an interval until context is canceled.
func (s *Manager) PurgeLoop(ctx context.Context, duration time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(duration):
			if err := s.purge(); err != nil {
				s.logger.Error().
					Src("app").
					Msgf("could not purge storage: %v", err)
			}
		}
	}
}

// Capture is a received stream stored on disk.
type Capture struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// ListCaptures returns stored captures, newest first.
func (s *Manager) ListCaptures() ([]Capture, error) {
	entries, err := os.ReadDir(s.CapturesDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var captures []Capture
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sanchez" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		captures = append(captures, Capture{
			Name:    entry.Name(),
			Path:    filepath.Join(s.CapturesDir(), entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	// Timestamped names sort chronologically.
	sort.Slice(captures, func(i, j int) bool {
		return captures[i].Name > captures[j].Name
	})
	return captures, nil
}

// Only used to calculate and cache disk usage.
type diskCache struct {
	path      string
	usageFunc func(string) (DiskUsage, error)

	cache      DiskUsage
	lastUpdate time.Time
	cacheLock  sync.Mutex

	updateLock sync.Mutex
}

func newDiskCache(path string) *diskCache {
	return &diskCache{
		path:      path,
		usageFunc: diskUsage,
	}
}

func (d *diskCache) usageCached() (DiskUsage, time.Duration) {
	d.cacheLock.Lock()
	defer d.cacheLock.Unlock()

	return d.cache, time.Since(d.lastUpdate)
}

func (d *diskCache) usage(maxAge time.Duration) (DiskUsage, error) {
	maxTime := time.Now().Add(-maxAge)

	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache, nil
	}
	d.cacheLock.Unlock()

	// Cache is too old, acquire update lock and update it.
	d.updateLock.Lock()
	defer d.updateLock.Unlock()

	// Check if it was updated while we were waiting for the update lock.
	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache, nil
	}
	// Still outdated.
	d.cacheLock.Unlock()

	updatedUsage, err := d.usageFunc(d.path)
	if err != nil {
		return DiskUsage{}, err
	}

	d.cacheLock.Lock()
	d.cache = updatedUsage
	d.lastUpdate = time.Now()
	d.cacheLock.Unlock()

	return updatedUsage, nil
}

func diskUsage(path string) (DiskUsage, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("disk usage: %v: %w", path, err)
	}

	return DiskUsage{
		Used:      int64(stat.Used),
		Percent:   int(stat.UsedPercent),
		Max:       int64(stat.Total) / int64(gigabyte),
		Formatted: formatDiskUsage(float64(stat.Used)),
	}, nil
}

// DiskUsage in Bytes.
type DiskUsage struct {
	Used      int64
	Percent   int
	Max       int64
	Formatted string
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
	terabyte         = gigabyte * 1000
)

func formatDiskUsage(used float64) string {
	switch {
	case used < 1000*megabyte:
		return fmt.Sprintf("%.0fMB", used/megabyte)
	case used < 10*gigabyte:
		return fmt.Sprintf("%.2fGB", used/gigabyte)
	case used < 100*gigabyte:
		return fmt.Sprintf("%.1fGB", used/gigabyte)
	case used < 1000*gigabyte:
		return fmt.Sprintf("%.0fGB", used/gigabyte)
	case used < 10*terabyte:
		return fmt.Sprintf("%.2fTB", used/terabyte)
	case used < 100*terabyte:
		return fmt.Sprintf("%.1fTB", used/terabyte)
	default:
		return fmt.Sprintf("%.0fTB", used/terabyte)
	}
}

// ConfigEnv stores environment configuration.
type ConfigEnv struct {
	Port         int    `yaml:"port"`
	FFmpegBin    string `yaml:"ffmpegBin"`
	FFprobeBin   string `yaml:"ffprobeBin"`
	FFplayBin    string `yaml:"ffplayBin"`
	MaxDiskUsage int    `yaml:"maxDiskUsage"`

	StatusAddr     string `yaml:"statusAddr"`
	StatusUser     string `yaml:"statusUser"`
	StatusPassHash string `yaml:"statusPassHash"`

	StorageDir string `yaml:"storageDir"`
	TempDir    string

	HomeDir   string `yaml:"homeDir"`
	ConfigDir string
}

// ErrPathNotAbsolute path is not absolute.
var ErrPathNotAbsolute = errors.New("path is not absolute")

// NewConfigEnv return new environment configuration.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)
	env.TempDir = filepath.Join(os.TempDir(), "sanchez")

	if env.Port == 0 {
		env.Port = 9999
	}
	if env.FFmpegBin == "" {
		env.FFmpegBin = "/usr/bin/ffmpeg"
	}
	if env.FFprobeBin == "" {
		env.FFprobeBin = "/usr/bin/ffprobe"
	}
	if env.FFplayBin == "" {
		env.FFplayBin = "/usr/bin/ffplay"
	}
	if env.MaxDiskUsage == 0 {
		env.MaxDiskUsage = 95
	}
	if env.HomeDir == "" {
		env.HomeDir = filepath.Dir(env.ConfigDir)
	}
	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(env.HomeDir, "storage")
	}

	if !filepath.IsAbs(env.FFmpegBin) {
		return nil, fmt.Errorf("ffmpegBin '%v': %w", env.FFmpegBin, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.FFprobeBin) {
		return nil, fmt.Errorf("ffprobeBin '%v': %w", env.FFprobeBin, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.FFplayBin) {
		return nil, fmt.Errorf("ffplayBin '%v': %w", env.FFplayBin, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.HomeDir) {
		return nil, fmt.Errorf("homeDir '%v': %w", env.HomeDir, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("storageDir '%v': %w", env.StorageDir, ErrPathNotAbsolute)
	}

	return &env, nil
}

// CapturesDir return captures directory.
func (env ConfigEnv) CapturesDir() string {
	return filepath.Join(env.StorageDir, "captures")
}

// LogDir return log directory.
func (env ConfigEnv) LogDir() string {
	return filepath.Join(env.StorageDir, "logs")
}

// PrepareEnvironment prepares directories.
func (env ConfigEnv) PrepareEnvironment() error {
	err := os.MkdirAll(env.CapturesDir(), 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create captures directory: %v: %w", env.StorageDir, err)
	}

	err = os.MkdirAll(env.LogDir(), 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create log directory: %v: %w", env.StorageDir, err)
	}

	// Make sure env.TempDir isn't set to "/".
	if len(env.TempDir) <= 4 {
		panic(fmt.Sprintf("tempDir sanity check: %v", env.TempDir))
	}
	err = os.RemoveAll(env.TempDir)
	if err != nil {
		return fmt.Errorf("clear tempDir: %v: %w", env.TempDir, err)
	}

	err = os.MkdirAll(env.TempDir, 0o700)
	if err != nil {
		return fmt.Errorf("create tempDir: %v: %w", env.TempDir, err)
	}

	return nil
}
