package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adalundhe/rootwatch/core/concurrency"
	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// FSNotifyConfig
// =============================================================================

// FSNotifyConfig configures an fsnotify-backed session.
type FSNotifyConfig struct {
	// Logger receives backend errors. Default: slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// FSNotifySession
// =============================================================================

// FSNotifySession is the default Session, backed by fsnotify.
type FSNotifySession struct {
	watcher *fsnotify.Watcher
	events  *concurrency.UnboundedChannel[RawEvent]
	logger  *slog.Logger

	mu       sync.Mutex
	refs     map[string]int
	closed   bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewFSNotifySession creates a session and starts its event pump.
func NewFSNotifySession(config FSNotifyConfig) (*FSNotifySession, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &FSNotifySession{
		watcher: watcher,
		events:  concurrency.NewUnboundedChannel[RawEvent](),
		logger:  logger,
		refs:    make(map[string]int),
		done:    make(chan struct{}),
	}
	go s.processEvents()
	return s, nil
}

// FSNotifyOpener returns an Opener for fsnotify sessions.
func FSNotifyOpener(config FSNotifyConfig) Opener {
	return func() (Session, error) {
		return NewFSNotifySession(config)
	}
}

// =============================================================================
// Registration
// =============================================================================

// Register adds an fsnotify watch for dir. Registering the same directory
// twice shares one underlying watch.
func (s *FSNotifySession) Register(dir string, _ Sensitivity) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.refs[dir] == 0 {
		if err := s.watcher.Add(dir); err != nil {
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	s.refs[dir]++

	return &handle{cancel: func() error { return s.release(dir) }}, nil
}

// release drops one reference to dir and removes the watch with the last.
func (s *FSNotifySession) release(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.refs[dir] == 0 {
		return nil
	}
	s.refs[dir]--
	if s.refs[dir] > 0 {
		return nil
	}
	delete(s.refs, dir)

	// The kernel drops watches on deleted directories by itself.
	if err := s.watcher.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return fmt.Errorf("unwatch %s: %w", dir, err)
	}
	return nil
}

// =============================================================================
// Event Processing
// =============================================================================

// processEvents pumps fsnotify events into the unbounded queue.
func (s *FSNotifySession) processEvents() {
	defer s.events.Close()

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			_ = s.events.Send(RawEvent{
				Kind: mapFSNotifyOperation(event.Op),
				Path: event.Name,
				Time: time.Now(),
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("fsnotify error", slog.String("error", err.Error()))
		}
	}
}

// fsOpMappings defines the mapping from fsnotify operations to Kind.
// Order matters: first match wins.
var fsOpMappings = []struct {
	fsOp fsnotify.Op
	kind Kind
}{
	{fsnotify.Create, Create},
	{fsnotify.Remove, Delete},
	{fsnotify.Rename, Delete},
	{fsnotify.Write, Modify},
	{fsnotify.Chmod, Modify},
}

// mapFSNotifyOperation converts fsnotify.Op to Kind.
func mapFSNotifyOperation(op fsnotify.Op) Kind {
	for _, m := range fsOpMappings {
		if op.Has(m.fsOp) {
			return m.kind
		}
	}
	return Modify
}

// =============================================================================
// Consumption
// =============================================================================

// Poll returns the next queued event without blocking.
func (s *FSNotifySession) Poll() (RawEvent, bool) {
	return s.events.TryReceive()
}

// Take blocks for the next event.
func (s *FSNotifySession) Take(ctx context.Context) (RawEvent, error) {
	event, err := s.events.Receive(ctx)
	if errors.Is(err, concurrency.ErrChannelClosed) {
		return RawEvent{}, ErrSessionClosed
	}
	return event, err
}

// Close stops the session. Safe to call multiple times.
func (s *FSNotifySession) Close() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.refs = make(map[string]int)
		s.mu.Unlock()

		close(s.done)
		err = s.watcher.Close()
	})
	return err
}

// =============================================================================
// handle
// =============================================================================

// handle is the Handle shared by the event-driven sessions.
type handle struct {
	once   sync.Once
	cancel func() error
}

// Cancel runs the release function once.
func (h *handle) Cancel() error {
	var err error
	h.once.Do(func() {
		err = h.cancel()
	})
	return err
}
