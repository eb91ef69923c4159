// Package pending gates raw watch events between the watch session and the
// dispatcher. A CREATE marks its path as pending until its processing
// completes; a MODIFY that arrives right after the CREATE is dropped, and
// one that arrives later waits for the CREATE to finish.
package pending

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/adalundhe/rootwatch/core/watcher/source"
)

// DefaultLockingWindow is the default interval after a CREATE during which a
// MODIFY of the same path is dropped.
const DefaultLockingWindow = 50 * time.Millisecond

// Config configures a Registry.
type Config struct {
	// LockingWindow is the MODIFY suppression window. Default: 50ms.
	LockingWindow time.Duration

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// Logger receives debug output for dropped events.
	// Default: slog.Default().
	Logger *slog.Logger
}

// entry tracks the in-flight CREATEs of one path.
type entry struct {
	created  time.Time
	inFlight int
	done     chan struct{}
}

// Registry tracks paths whose CREATE processing is in flight.
type Registry struct {
	window time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty registry.
func New(config Config) *Registry {
	if config.LockingWindow <= 0 {
		config.LockingWindow = DefaultLockingWindow
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Registry{
		window:  config.LockingWindow,
		now:     config.Now,
		logger:  config.Logger,
		entries: make(map[string]*entry),
	}
}

// AwaitIfPending decides whether an event for path may be processed.
//
// A CREATE is always admitted and marks path pending. A MODIFY is admitted
// at once when nothing is pending, dropped (proceed false) while inside the
// locking window of a pending CREATE, and otherwise blocks until Done(path)
// or ctx ends. DELETE is never gated.
func (r *Registry) AwaitIfPending(ctx context.Context, path string, kind source.Kind) (bool, error) {
	path = filepath.Clean(path)

	switch kind {
	case source.Create:
		r.mu.Lock()
		if e, ok := r.entries[path]; ok {
			e.created = r.now()
			e.inFlight++
		} else {
			r.entries[path] = &entry{created: r.now(), inFlight: 1, done: make(chan struct{})}
		}
		r.mu.Unlock()
		return true, nil

	case source.Modify:
		r.mu.Lock()
		e, ok := r.entries[path]
		if !ok {
			r.mu.Unlock()
			return true, nil
		}
		now := r.now()
		if !now.Before(e.created) && !now.After(e.created.Add(r.window)) {
			r.mu.Unlock()
			r.logger.Debug("modify dropped inside locking window", slog.String("path", path))
			return false, nil
		}
		done := e.done
		r.mu.Unlock()

		select {
		case <-done:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}

	default:
		return true, nil
	}
}

// Done marks one CREATE of path as processed. It must be called once per
// admitted CREATE, whether or not processing succeeded. When the last CREATE
// in flight for path is done the pending state ends and every waiter is
// released. Calling it for a path that is not pending is a no-op.
func (r *Registry) Done(path string) {
	path = filepath.Clean(path)

	r.mu.Lock()
	e, ok := r.entries[path]
	if ok {
		e.inFlight--
		if e.inFlight > 0 {
			r.mu.Unlock()
			return
		}
		delete(r.entries, path)
	}
	r.mu.Unlock()

	if ok {
		close(e.done)
	}
}

// IsPending reports whether a CREATE for path is in flight.
func (r *Registry) IsPending(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[filepath.Clean(path)]
	return ok
}

// Len returns the number of pending paths.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
