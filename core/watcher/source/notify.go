package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/adalundhe/rootwatch/core/concurrency"
	"github.com/rjeczalik/notify"
)

// notifyBuffer is the per-directory channel size handed to notify.Watch.
// notify drops events rather than block when the channel is full.
const notifyBuffer = 128

// NotifyConfig configures a session backed by rjeczalik/notify.
type NotifyConfig struct {
	// Logger receives registration diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// NotifySession is a Session backed by rjeczalik/notify. Each registered
// directory gets its own channel so it can be stopped independently.
type NotifySession struct {
	events *concurrency.UnboundedChannel[RawEvent]
	logger *slog.Logger

	mu       sync.Mutex
	watches  map[string]*notifyWatch
	closed   bool
	stopOnce sync.Once
}

type notifyWatch struct {
	refs int
	ch   chan notify.EventInfo
	stop chan struct{}
}

// NewNotifySession creates an empty session.
func NewNotifySession(config NotifyConfig) *NotifySession {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifySession{
		events:  concurrency.NewUnboundedChannel[RawEvent](),
		logger:  logger,
		watches: make(map[string]*notifyWatch),
	}
}

// NotifyOpener returns an Opener for notify sessions.
func NotifyOpener(config NotifyConfig) Opener {
	return func() (Session, error) {
		return NewNotifySession(config), nil
	}
}

// Register watches the direct children of dir.
func (s *NotifySession) Register(dir string, _ Sensitivity) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	if w, ok := s.watches[dir]; ok {
		w.refs++
		return &handle{cancel: func() error { return s.release(dir) }}, nil
	}

	w := &notifyWatch{
		refs: 1,
		ch:   make(chan notify.EventInfo, notifyBuffer),
		stop: make(chan struct{}),
	}
	if err := notify.Watch(dir, w.ch, notify.Create, notify.Remove, notify.Write, notify.Rename); err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watches[dir] = w
	go s.forward(w)

	return &handle{cancel: func() error { return s.release(dir) }}, nil
}

// release drops one reference and stops the watch with the last.
func (s *NotifySession) release(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watches[dir]
	if !ok {
		return nil
	}
	w.refs--
	if w.refs > 0 {
		return nil
	}
	delete(s.watches, dir)
	stopNotifyWatch(w)
	return nil
}

func stopNotifyWatch(w *notifyWatch) {
	notify.Stop(w.ch)
	close(w.stop)
}

// forward copies one directory's events into the session queue.
func (s *NotifySession) forward(w *notifyWatch) {
	for {
		select {
		case <-w.stop:
			return
		case info := <-w.ch:
			_ = s.events.Send(RawEvent{
				Kind: mapNotifyEvent(info.Event(), info.Path()),
				Path: info.Path(),
				Time: time.Now(),
			})
		}
	}
}

// mapNotifyEvent converts a notify event to Kind. notify reports both ends
// of a rename as Rename, so the target's presence on disk decides.
func mapNotifyEvent(event notify.Event, path string) Kind {
	switch {
	case event&notify.Create != 0:
		return Create
	case event&notify.Remove != 0:
		return Delete
	case event&notify.Rename != 0:
		if _, err := os.Lstat(path); err == nil {
			return Create
		}
		return Delete
	default:
		return Modify
	}
}

// Poll returns the next queued event without blocking.
func (s *NotifySession) Poll() (RawEvent, bool) {
	return s.events.TryReceive()
}

// Take blocks for the next event.
func (s *NotifySession) Take(ctx context.Context) (RawEvent, error) {
	event, err := s.events.Receive(ctx)
	if errors.Is(err, concurrency.ErrChannelClosed) {
		return RawEvent{}, ErrSessionClosed
	}
	return event, err
}

// Close stops every watch.
func (s *NotifySession) Close() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		watches := s.watches
		s.watches = make(map[string]*notifyWatch)
		s.mu.Unlock()

		for _, w := range watches {
			stopNotifyWatch(w)
		}
		s.events.Close()
		s.logger.Debug("notify session closed", slog.Int("watches", len(watches)))
	})
	return nil
}
