// SPDX-License-Identifier: GPL-2.0-or-later

// Package storage loads the environment configuration and keeps track
// of the space consumed by the storage directory.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"milimg/pkg/codec"

	"gopkg.in/yaml.v2"
)

// Decoder backends.
const (
	DecoderFFmpeg = "ffmpeg"
	DecoderOpenCV = "opencv"
)

// ConfigEnv stores system configuration.
type ConfigEnv struct {
	FFmpegBin string `yaml:"ffmpegBin"`
	Decoder   string `yaml:"decoder"`

	// Quality is the default constant rate factor for encoding,
	// zero selects codec.QualityDefault.
	Quality int `yaml:"quality"`

	// DiskSpace the storage directory is allowed to use in
	// gigabytes, empty means unlimited.
	DiskSpace string `yaml:"diskSpace"`

	StorageDir string `yaml:"storageDir"`
	HomeDir    string `yaml:"homeDir"`

	ConfigDir string
	TempDir   string
}

// ErrPathNotAbsolute path is not absolute.
var ErrPathNotAbsolute = errors.New("path is not absolute")

// ErrUnknownDecoder decoder is not a known backend.
var ErrUnknownDecoder = errors.New("unknown decoder")

// NewConfigEnv return new environment configuration.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)
	env.TempDir = filepath.Join(os.TempDir(), "milimg")

	if env.FFmpegBin == "" {
		env.FFmpegBin = "/usr/bin/ffmpeg"
	}
	if env.Decoder == "" {
		env.Decoder = DecoderFFmpeg
	}
	if env.Quality == 0 {
		env.Quality = codec.QualityDefault
	}
	if env.HomeDir == "" {
		env.HomeDir = filepath.Dir(env.ConfigDir)
	}
	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(env.HomeDir, "storage")
	}

	if !dirExist(env.FFmpegBin) {
		return nil, fmt.Errorf("ffmpegBin '%v': %w", env.FFmpegBin, os.ErrNotExist)
	}

	if !filepath.IsAbs(env.FFmpegBin) {
		return nil, fmt.Errorf("ffmpegBin '%v': %w", env.FFmpegBin, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.HomeDir) {
		return nil, fmt.Errorf("homeDir '%v': %w", env.HomeDir, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("storageDir '%v': %w", env.StorageDir, ErrPathNotAbsolute)
	}

	if env.Decoder != DecoderFFmpeg && env.Decoder != DecoderOpenCV {
		return nil, fmt.Errorf("%w: %v", ErrUnknownDecoder, env.Decoder)
	}
	if env.Quality < codec.QualityMin || env.Quality > codec.QualityMax {
		return nil, fmt.Errorf("%w: %d", codec.ErrQualityRange, env.Quality)
	}

	return &env, nil
}

// DefaultConfigEnv returns the configuration used when no env.yaml is
// given. ffmpeg is resolved through PATH and the storage directory is
// placed in the user cache directory.
func DefaultConfigEnv() (*ConfigEnv, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return nil, fmt.Errorf("user cache directory: %w", err)
	}
	homeDir := filepath.Join(cacheDir, "milimg")

	return &ConfigEnv{
		FFmpegBin:  "ffmpeg",
		Decoder:    DecoderFFmpeg,
		Quality:    codec.QualityDefault,
		StorageDir: filepath.Join(homeDir, "storage"),
		HomeDir:    homeDir,
		ConfigDir:  filepath.Join(homeDir, "configs"),
		TempDir:    filepath.Join(os.TempDir(), "milimg"),
	}, nil
}

// LogDBPath returns the path of the log database.
func (env ConfigEnv) LogDBPath() string {
	return filepath.Join(env.StorageDir, "logs.db")
}

// DiskSpaceBytes returns the configured disk space limit in bytes.
func (env ConfigEnv) DiskSpaceBytes() (int64, error) {
	if env.DiskSpace == "0" || env.DiskSpace == "" {
		return 0, nil
	}

	diskSpaceGB, err := strconv.ParseFloat(env.DiskSpace, 64)
	if err != nil {
		return 0, fmt.Errorf("parse diskSpace: %w", err)
	}
	diskSpaceByte := diskSpaceGB * gigabyte

	return int64(diskSpaceByte), nil
}

// PrepareEnvironment prepares directories.
func (env ConfigEnv) PrepareEnvironment() error {
	err := os.MkdirAll(env.StorageDir, 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create storage directory: %v: %w", env.StorageDir, err)
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

// Manager keeps a cached measurement of the storage directory size.
type Manager struct {
	storageDir string
	disk       *disk
}

// NewManager returns new manager.
func NewManager(env *ConfigEnv) *Manager {
	storageDirFS := os.DirFS(env.StorageDir)
	return &Manager{
		storageDir: env.StorageDir,
		disk:       newDisk(env, storageDirFS),
	}
}

// DiskUsageCached returns cached value and its age.
func (s *Manager) DiskUsageCached() (DiskUsage, time.Duration) {
	return s.disk.usageCached()
}

// DiskUsage returns cached value if witin maxAge.
// Will update and return new value if the cached value is too old.
func (s *Manager) DiskUsage(maxAge time.Duration) (DiskUsage, error) {
	return s.disk.usage(maxAge)
}

// Only used to calculate and cache disk usage.
type disk struct {
	env            *ConfigEnv
	storageDirFS   fs.FS
	diskUsageBytes func(fs.FS) int64

	cache      DiskUsage
	lastUpdate time.Time
	cacheLock  sync.Mutex

	updateLock sync.Mutex
}

func newDisk(env *ConfigEnv, storageDirFS fs.FS) *disk {
	return &disk{
		env:            env,
		storageDirFS:   storageDirFS,
		diskUsageBytes: diskUsageBytes,
	}
}

func (d *disk) usageCached() (DiskUsage, time.Duration) {
	d.cacheLock.Lock()
	defer d.cacheLock.Unlock()

	return d.cache, time.Since(d.lastUpdate)
}

func (d *disk) usage(maxAge time.Duration) (DiskUsage, error) {
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

	updatedUsage, err := d.calculateDiskUsage()
	if err != nil {
		return DiskUsage{}, err
	}

	d.cacheLock.Lock()
	d.cache = updatedUsage
	d.lastUpdate = time.Now()
	d.cacheLock.Unlock()

	return updatedUsage, nil
}

func (d *disk) calculateDiskUsage() (DiskUsage, error) {
	used := d.diskUsageBytes(d.storageDirFS)

	diskSpaceBytes, err := d.env.DiskSpaceBytes()
	if err != nil {
		return DiskUsage{}, fmt.Errorf("disk space: %w", err)
	}

	percent := func() int {
		if used == 0 || diskSpaceBytes == 0 {
			return 0
		}
		return int((used * 100) / diskSpaceBytes)
	}()

	return DiskUsage{
		Used:      used,
		Percent:   percent,
		Max:       diskSpaceBytes / int64(gigabyte),
		Formatted: formatDiskUsage(float64(used)),
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

func diskUsageBytes(fileSystem fs.FS) int64 {
	var used int64
	fs.WalkDir(fileSystem, ".", func(_ string, d fs.DirEntry, err error) error { //nolint:errcheck
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		used += info.Size()

		return nil
	})
	return used
}

func dirExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
