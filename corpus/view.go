// Package corpus exposes the locally synced mirror of the object store.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

var (
	// ErrNotSynced is returned when a file does not show up in the view in time.
	ErrNotSynced = errors.New("file did not appear in the synced directory")
	// ErrInvalidName is returned for names that would resolve outside the view.
	ErrInvalidName = errors.New("invalid file name")
)

type Config struct {
	Dir string
	// Timeout bounds WaitFor. <= 0 means 30s.
	Timeout time.Duration
	// InitialBackoff and MaxBackoff shape the polling interval. Defaults are
	// 100ms and 2s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// View is a directory that eventually reflects the contents of the object store.
type View struct {
	log            *slog.Logger
	dir            string
	timeout        time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewView(log *slog.Logger, cfg Config) (*View, error) {
	if cfg.Dir == "" {
		return nil, errors.New("synced directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create synced directory %s: %w", cfg.Dir, err)
	}

	v := &View{
		log:            log,
		dir:            cfg.Dir,
		timeout:        cfg.Timeout,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
	if v.timeout <= 0 {
		v.timeout = 30 * time.Second
	}
	if v.initialBackoff <= 0 {
		v.initialBackoff = 100 * time.Millisecond
	}
	if v.maxBackoff < v.initialBackoff {
		v.maxBackoff = max(2*time.Second, v.initialBackoff)
	}

	return v, nil
}

func (v *View) Dir() string {
	return v.dir
}

// Path resolves name inside the view.
func (v *View) Path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if name == "" || clean == "." || filepath.IsAbs(clean) ||
		clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	return filepath.Join(v.dir, clean), nil
}

// WaitFor blocks until name is visible in the view with a size that did not
// change between two observations. Directory events wake the wait early;
// polling with exponential backoff covers mounts that emit no events.
func (v *View) WaitFor(ctx context.Context, name string) (string, error) {
	path, err := v.Path(name)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			v.log.Debug("watching synced directory failed, polling only", "error", err)
		} else {
			events = watcher.Events
		}
	} else {
		v.log.Debug("failed to create watcher, polling only", "error", err)
	}

	backoff := v.initialBackoff
	lastSize := int64(-1)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: %s", ErrNotSynced, name)
			}
			return "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
		case <-timer.C:
		}

		info, err := os.Stat(path)
		switch {
		case err == nil && info.Mode().IsRegular():
			if info.Size() == lastSize {
				v.log.Debug("file synced", "file", path, "size", lastSize)
				return path, nil
			}
			lastSize = info.Size()
			resetTimer(timer, v.initialBackoff)
			continue
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("failed to stat %s: %w", path, err)
		}

		lastSize = -1
		resetTimer(timer, backoff)
		backoff = min(backoff*2, v.maxBackoff)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
