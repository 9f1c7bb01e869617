package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// ReloadEvent reports that config.yaml now has different content.
type ReloadEvent struct {
	Path     string
	Checksum string
}

// Watcher reports content changes to config.yaml. The home directory is
// watched rather than the file so that editors replacing the file are seen.
// Bursts of writes within the debounce window produce one event, and writes
// that leave the content unchanged produce none.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		debounce: defaultReloadDebounce,
		events:   make(chan ReloadEvent, 16),
	}
}

// SetDebounce changes the coalescing window. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))
	last, _ := fileChecksum(target)

	go func() {
		defer fsw.Close()
		defer close(w.events)

		timer := time.NewTimer(time.Hour)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				timer.Reset(w.debounce)
			case <-timer.C:
				sum, err := fileChecksum(target)
				if err != nil {
					// Mid-replace; the create that follows re-arms the timer.
					if !errors.Is(err, fs.ErrNotExist) {
						w.logger.Warn("read config.yaml for reload", "path", target, "error", err)
					}
					continue
				}
				if sum == last {
					continue
				}
				last = sum
				select {
				case w.events <- ReloadEvent{Path: target, Checksum: sum}:
				default:
					w.logger.Warn("config reload pending; dropping duplicate change", "path", target)
				}
				w.logger.Info("config file changed", "path", target, "checksum", sum[:12])
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func fileChecksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
