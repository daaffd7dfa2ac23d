// SPDX-License-Identifier: GPL-2.0-or-later

// Package watcher converts image files appearing in a directory.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"milimg/pkg/log"

	"github.com/fsnotify/fsnotify"
)

// ConvertFunc converts a single image file.
type ConvertFunc func(ctx context.Context, inputPath string, outputPath string) error

// DefaultExts are the default input file extensions.
var DefaultExts = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tiff", ".tif", ".webp"}

// Writes come in bursts, wait for the file to settle before converting.
const defaultSettleDelay = 500 * time.Millisecond

// Config configures a Watcher.
type Config struct {
	// Dir is the directory to watch. Subdirectories are not watched.
	Dir string

	// OutDir receives converted files, empty means Dir.
	OutDir string

	// Exts are the input file extensions, nil means DefaultExts.
	Exts []string

	// SettleDelay is how long a file must stay unmodified before it
	// is converted, zero means the default.
	SettleDelay time.Duration
}

// Watcher converts new image files in a directory.
type Watcher struct {
	dir     string
	outDir  string
	exts    map[string]bool
	settle  time.Duration
	convert ConvertFunc

	logger *log.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New returns new Watcher.
func New(c Config, convert ConvertFunc, logger *log.Logger) *Watcher {
	exts := c.Exts
	if exts == nil {
		exts = DefaultExts
	}
	extSet := make(map[string]bool, len(exts))
	for _, ext := range exts {
		extSet[strings.ToLower(ext)] = true
	}

	outDir := c.OutDir
	if outDir == "" {
		outDir = c.Dir
	}

	settle := c.SettleDelay
	if settle == 0 {
		settle = defaultSettleDelay
	}

	return &Watcher{
		dir:     c.Dir,
		outDir:  outDir,
		exts:    extSet,
		settle:  settle,
		convert: convert,
		logger:  logger,
		timers:  map[string]*time.Timer{},
	}
}

// Run converts files already in the directory and then watches for
// new ones until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %v: %w", w.dir, err)
	}

	if err := w.scan(ctx); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}

	for {
		select {
		case event := <-watcher.Events:
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.schedule(ctx, event.Name)

		case err := <-watcher.Errors:
			w.logger.Error().Src("watcher").Msgf("watch error: %v", err)

		case <-ctx.Done():
			w.stopTimers()
			return nil
		}
	}
}

// OutputPath returns where the converted file will be written.
func (w *Watcher) OutputPath(inputPath string) string {
	base := filepath.Base(inputPath)
	name := strings.TrimSuffix(base, filepath.Ext(base)) + ".milimg"
	return filepath.Join(w.outDir, name)
}

func (w *Watcher) scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.process(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// schedule arms a conversion timer for path. Repeated events while
// the file is still being written reset the timer.
func (w *Watcher) schedule(ctx context.Context, path string) {
	if !w.candidate(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, exists := w.timers[path]; exists {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		w.process(ctx, path)
	})
}

func (w *Watcher) candidate(path string) bool {
	return w.exts[strings.ToLower(filepath.Ext(path))]
}

func (w *Watcher) process(ctx context.Context, path string) {
	if ctx.Err() != nil || !w.candidate(path) {
		return
	}

	outputPath := w.OutputPath(path)

	// Skip files that already have an output.
	if _, err := os.Stat(outputPath); !errors.Is(err, os.ErrNotExist) {
		return
	}

	file := filepath.Base(path)
	w.logger.Info().Src("watcher").File(file).Msg("converting")

	if err := w.convert(ctx, path, outputPath); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error().Src("watcher").File(file).
			Msgf("conversion failed: %v", err)
		return
	}

	w.logger.Info().Src("watcher").File(file).
		Msgf("wrote %v", filepath.Base(outputPath))
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
}
