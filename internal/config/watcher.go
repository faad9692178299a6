package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
)

// DefaultSettle is how long config.yaml must stay quiet before a burst of
// edits is reported as one Change.
const DefaultSettle = 150 * time.Millisecond

// Change is one settled burst of edits to config.yaml. Ops is the union of
// the filesystem operations in the burst and Edits counts them.
type Change struct {
	Path  string
	Ops   fsnotify.Op
	Edits int
}

// Watcher reports settled changes to config.yaml so the daemon can re-read
// the query inactivity timeout without a restart.
type Watcher struct {
	dir     string
	target  string
	settle  time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger
	changes chan Change
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithSettle overrides DefaultSettle.
func WithSettle(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.settle = d
		}
	}
}

// WithClock injects the clock that drives the settle timer.
func WithClock(c clockwork.Clock) WatcherOption {
	return func(w *Watcher) {
		if c != nil {
			w.clock = c
		}
	}
}

func NewWatcher(homeDir string, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		dir:     homeDir,
		target:  ConfigPath(homeDir),
		settle:  DefaultSettle,
		clock:   clockwork.NewRealClock(),
		logger:  logger,
		changes: make(chan Change, 4),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Changes is closed once the context passed to Start is done.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Start watches the home directory rather than the file itself: editors
// that save by rename would otherwise detach the watch.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return err
	}
	go func() {
		defer fsw.Close()
		w.run(ctx, fsw.Events, fsw.Errors)
	}()
	return nil
}

// editsConfig reports whether ev can have changed the contents of target.
// Chmod and Remove are ignored; a removed config keeps the running values.
func editsConfig(target string, ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != target {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func (w *Watcher) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	defer close(w.changes)

	var (
		pending Change
		timer   clockwork.Timer
		fire    <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !editsConfig(w.target, ev) {
				continue
			}
			pending.Path = w.target
			pending.Ops |= ev.Op
			pending.Edits++
			// A fresh timer per edit avoids a stale tick from a Reset race.
			stopTimer()
			timer = w.clock.NewTimer(w.settle)
			fire = timer.Chan()
		case <-fire:
			fire = nil
			w.publish(pending)
			pending = Change{}
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) publish(c Change) {
	select {
	case w.changes <- c:
		w.logger.Info("config.yaml changed", "path", c.Path, "ops", c.Ops.String(), "edits", c.Edits)
	default:
		// A reload is already queued and will read the newest file.
		w.logger.Debug("config change coalesced into queued reload", "path", c.Path)
	}
}
