// Package concurrency provides hand-off primitives shared by the watcher
// components.
package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// =============================================================================
// Errors
// =============================================================================

// ErrChannelClosed is returned by Send after Close, and by Receive once a
// closed channel has been drained.
var ErrChannelClosed = errors.New("channel is closed")

// =============================================================================
// UnboundedChannel
// =============================================================================

// UnboundedChannel is a strictly FIFO queue whose Send never blocks. It is
// used where a consumer may itself produce into the same queue (a listener
// replaying an event from inside its callback while the sequencer waits on
// it), so a bounded channel could deadlock.
type UnboundedChannel[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	done   chan struct{}
	closed bool

	sendCount atomic.Int64
	recvCount atomic.Int64
}

// NewUnboundedChannel creates an empty channel.
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	return &UnboundedChannel[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Send appends msg. It never blocks.
func (uc *UnboundedChannel[T]) Send(msg T) error {
	uc.mu.Lock()
	if uc.closed {
		uc.mu.Unlock()
		return ErrChannelClosed
	}
	uc.items = append(uc.items, msg)
	uc.mu.Unlock()

	uc.sendCount.Add(1)
	uc.signal()
	return nil
}

// signal wakes one waiting receiver without blocking.
func (uc *UnboundedChannel[T]) signal() {
	select {
	case uc.notify <- struct{}{}:
	default:
	}
}

// Receive blocks until a message is available, the channel is closed and
// drained, or ctx is done.
func (uc *UnboundedChannel[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	for {
		msg, ok, closed := uc.take()
		if ok {
			return msg, nil
		}
		if closed {
			return zero, ErrChannelClosed
		}

		select {
		case <-uc.notify:
		case <-uc.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryReceive returns the oldest message without blocking.
func (uc *UnboundedChannel[T]) TryReceive() (T, bool) {
	msg, ok, _ := uc.take()
	return msg, ok
}

// take pops the head of the queue. Another waiter is signalled when items
// remain so that a single notification never strands a second receiver.
func (uc *UnboundedChannel[T]) take() (msg T, ok bool, closed bool) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if len(uc.items) == 0 {
		return msg, false, uc.closed
	}

	var zero T
	msg = uc.items[0]
	uc.items[0] = zero
	uc.items = uc.items[1:]
	if len(uc.items) == 0 {
		uc.items = nil
	} else {
		uc.signal()
	}
	uc.recvCount.Add(1)
	return msg, true, uc.closed
}

// Len returns the number of queued messages.
func (uc *UnboundedChannel[T]) Len() int {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return len(uc.items)
}

// Close rejects further sends. Queued messages can still be received.
func (uc *UnboundedChannel[T]) Close() {
	uc.mu.Lock()
	if uc.closed {
		uc.mu.Unlock()
		return
	}
	uc.closed = true
	uc.mu.Unlock()

	close(uc.done)
}

// IsClosed reports whether Close has been called.
func (uc *UnboundedChannel[T]) IsClosed() bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.closed
}

// UnboundedChannelStats contains counters for an UnboundedChannel.
type UnboundedChannelStats struct {
	Len          int
	SendCount    int64
	ReceiveCount int64
	IsClosed     bool
}

// Stats returns a snapshot of the channel counters.
func (uc *UnboundedChannel[T]) Stats() UnboundedChannelStats {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return UnboundedChannelStats{
		Len:          len(uc.items),
		SendCount:    uc.sendCount.Load(),
		ReceiveCount: uc.recvCount.Load(),
		IsClosed:     uc.closed,
	}
}
