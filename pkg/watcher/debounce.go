package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Debouncer turns filesystem change notifications into coalesced sync
// requests. fsnotify callbacks arrive on the watcher's own goroutine;
// they only perform a non-blocking send on the signal channel, and all
// real work happens on the Run goroutine.
type Debouncer struct {
	fw       *fsnotify.Watcher
	debounce time.Duration
	onSync   func(ctx context.Context)

	signals chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewDebouncer creates a debouncer firing onSync at most once per
// debounce window.
func NewDebouncer(debounce time.Duration, onSync func(ctx context.Context)) (*Debouncer, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Debouncer{
		fw:       fw,
		debounce: debounce,
		onSync:   onSync,
		signals:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Watch adds a path. Missing paths are logged and skipped; the poll
// fallback covers them.
func (d *Debouncer) Watch(path string) {
	if err := d.fw.Add(path); err != nil {
		slog.Debug("Cannot watch path, relying on poll fallback", "path", path, "error", err)
	}
}

// Kick requests a sync as if a file had changed.
func (d *Debouncer) Kick() {
	select {
	case d.signals <- struct{}{}:
	default:
	}
}

// Run owns all sync work. It forwards fsnotify events into the signal
// channel, then waits out the debounce window before invoking onSync,
// coalescing every signal that arrives in between.
func (d *Debouncer) Run(ctx context.Context) {
	defer close(d.done)

	go d.forward()

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-d.signals:
			if !d.sleep(ctx, d.debounce) {
				return
			}
			d.drain()
			d.onSync(ctx)
		}
	}
}

// forward runs on its own goroutine next to fsnotify's; it never does
// more than a non-blocking channel send.
func (d *Debouncer) forward() {
	for {
		select {
		case <-d.stop:
			return
		case _, ok := <-d.fw.Events:
			if !ok {
				return
			}
			d.Kick()
		case err, ok := <-d.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("File watcher error", "error", err)
		}
	}
}

func (d *Debouncer) drain() {
	select {
	case <-d.signals:
	default:
	}
}

func (d *Debouncer) sleep(ctx context.Context, dur time.Duration) bool {
	select {
	case <-time.After(dur):
		return true
	case <-d.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Stop closes the filesystem watcher and waits for the loop to exit.
func (d *Debouncer) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		_ = d.fw.Close()
	})
	<-d.done
}
