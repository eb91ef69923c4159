package dispatch

import (
	"sync/atomic"

	"github.com/adalundhe/rootwatch/core/watcher/key"
)

// Event is a modified notification delivered to one subscriber. It can be
// replayed to that same subscriber.
type Event struct {
	key        key.DispatchKey
	file       string
	parentKeys []key.DispatchKey

	subscriber *Subscriber
	dispatcher *Dispatcher
	fs         FileSystem
	replays    atomic.Int64
}

// Key returns the file's key.
func (e *Event) Key() key.DispatchKey {
	return e.key
}

// File returns the absolute path at the time of the event.
func (e *Event) File() string {
	return e.file
}

// ParentKeys returns the keys of the same file under enclosing roots.
func (e *Event) ParentKeys() []key.DispatchKey {
	return append([]key.DispatchKey(nil), e.parentKeys...)
}

// Subscriber returns the subscriber the event was delivered to.
func (e *Event) Subscriber() *Subscriber {
	return e.subscriber
}

// ReplayCount returns how many times Replay has been called. The dispatcher
// does not bound replays; a listener that replays on failure should check
// this.
func (e *Event) ReplayCount() int64 {
	return e.replays.Load()
}

// Replay queues the event for redelivery to its subscriber only. Hooks run
// again for the redelivery.
func (e *Event) Replay() error {
	e.replays.Add(1)
	return e.dispatcher.replay(e)
}
