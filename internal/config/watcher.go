package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

var (
	// ErrWatcherFailed indicates the filesystem watcher failed to initialize
	ErrWatcherFailed = errors.New("failed to initialize config watcher")
)

// debounceDelay coalesces bursts of write events into one reload.
// Editors and atomic-rename writers emit several events per save.
const debounceDelay = 200 * time.Millisecond

// Watcher reloads configuration when the config file changes.
//
// Reloaded configs are delivered on the Reloads() channel; the engine picks
// up persona and precedence changes at the next phase boundary. Invalid
// config on disk is skipped: the previous config stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	reloads chan *Config
	stop    chan struct{}
}

// NewWatcher creates a watcher for the given config file path.
//
// The parent directory is watched rather than the file itself so that
// atomic replace (write temp, rename over) keeps being detected.
func NewWatcher(path string) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path must not be empty")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &Watcher{
		path:    filepath.Clean(path),
		watcher: fsw,
		reloads: make(chan *Config, 1),
		stop:    make(chan struct{}),
	}, nil
}

// Start begins watching for config file changes.
//
// Runs a background goroutine that sends reloaded configs to Reloads().
// Call Stop() to clean up resources.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go w.processEvents(ctx)

	return nil
}

// Stop stops the watcher and cleans up resources.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		// Already stopped
		return
	default:
		close(w.stop)
		_ = w.watcher.Close() // Best-effort cleanup, ignore error
	}
}

// Reloads returns the channel for receiving reloaded configs.
func (w *Watcher) Reloads() <-chan *Config {
	return w.reloads
}

// processEvents processes filesystem events and emits reloaded configs.
func (w *Watcher) processEvents(ctx context.Context) {
	var (
		debounce *time.Timer
		pending  <-chan time.Time
	)

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceDelay)
			}
			pending = debounce.C

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			_ = err // watch errors are transient; keep watching
		}
	}
}

// reload loads the config file and emits it if valid.
func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		// Invalid config on disk; keep the previous one.
		return
	}

	// Send non-blocking; a pending unconsumed reload is replaced.
	select {
	case w.reloads <- cfg:
	default:
		select {
		case <-w.reloads:
		default:
		}
		select {
		case w.reloads <- cfg:
		default:
		}
	}
}
