// Package watcher reports changes to a single file, such as the settings
// file or the SQLite database, so the worker can reload or restart.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Kind is the kind of change observed.
type Kind int

const (
	// Modified means the file was written, created or replaced.
	Modified Kind = iota + 1
	// Deleted means the file or its directory was removed.
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// DefaultDebounce coalesces bursts of events from editors that write in
// several steps.
const DefaultDebounce = 150 * time.Millisecond

// Watcher monitors one file and calls onChange after a quiet period.
// It watches the parent directory since fsnotify cannot watch files that
// do not exist yet, and editors often replace files by rename.
type Watcher struct {
	targetPath string
	parentPath string
	onChange   func(Kind)
	watcher    *fsnotify.Watcher
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	debounce   time.Duration

	mu      sync.Mutex
	running bool
}

// New creates a watcher for targetPath.
func New(targetPath string, onChange func(Kind)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	target := filepath.Clean(targetPath)
	return &Watcher{
		targetPath: target,
		parentPath: filepath.Dir(target),
		onChange:   onChange,
		watcher:    fsw,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		debounce:   DefaultDebounce,
	}, nil
}

// SetDebounce changes the quiet period. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching. The parent directory must exist.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.addWatch(); err != nil {
		return err
	}
	w.running = true
	go w.watchLoop()
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) addWatch() error {
	if _, err := os.Stat(w.parentPath); err != nil {
		return err
	}
	return w.watcher.Add(w.parentPath)
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	var (
		timer   *time.Timer
		pending Kind
	)
	fire := make(chan struct{}, 1)
	schedule := func(k Kind) {
		// Deletion wins over modification within one burst.
		if k == Deleted || pending == 0 {
			pending = k
		}
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-w.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case <-fire:
			kind := pending
			pending = 0
			if kind == Deleted {
				if _, err := os.Stat(w.targetPath); err == nil {
					// Replaced by rename: treat as a rewrite.
					kind = Modified
				}
			}
			log.Info().Str("path", w.targetPath).Stringer("kind", kind).Msg("Watched file changed")
			if w.onChange != nil {
				w.onChange(kind)
			}

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			eventPath := filepath.Clean(event.Name)

			switch {
			case eventPath == w.parentPath && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				log.Warn().Str("path", w.parentPath).Msg("Watched directory removed")
				schedule(Deleted)
			case eventPath != w.targetPath:
				continue
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				schedule(Deleted)
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				schedule(Modified)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}
