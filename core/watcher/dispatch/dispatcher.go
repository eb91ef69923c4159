// Package dispatch fans change notifications out to listeners. Each listener
// declares per filesystem which keys it wants; every accepted batch runs the
// lifecycle hooks, then the listeners, then the hooks again, with failures
// isolated per callback.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/adalundhe/rootwatch/core/concurrency"
	"github.com/adalundhe/rootwatch/core/watcher/key"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Constants
// =============================================================================

// DefaultWorkers is the default number of callbacks run in parallel.
const DefaultWorkers = 8

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrAlreadyAccepted indicates Accept or AcceptAll was called twice on
	// one builder.
	ErrAlreadyAccepted = errors.New("restriction already accepts keys")

	// ErrEmptyAccept indicates Accept was called without keys.
	ErrEmptyAccept = errors.New("accept requires at least one directory key")

	// ErrEmptyMatcher indicates WhenPathMatches was called without matchers.
	ErrEmptyMatcher = errors.New("compound matcher requires at least one matcher")

	// ErrNilMatcher indicates a nil matcher was passed.
	ErrNilMatcher = errors.New("matcher is nil")

	// ErrNilListener indicates a nil listener was registered.
	ErrNilListener = errors.New("listener is nil")

	// ErrNilHook indicates a nil hook was added.
	ErrNilHook = errors.New("hook is nil")

	// ErrDispatcherClosed indicates the dispatcher has been closed.
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Dispatcher.
type Config struct {
	// Workers bounds how many hook or listener callbacks of one phase run
	// at once. Default: 8.
	Workers int

	// Logger receives callback failures. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() Config {
	return Config{Workers: DefaultWorkers}
}

func normalizeConfig(config Config) Config {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return config
}

// =============================================================================
// Subscriber
// =============================================================================

// Subscriber is a registered listener with its cached restrictions.
type Subscriber struct {
	id       uuid.UUID
	listener Listener
	logger   *slog.Logger

	mu           sync.Mutex
	restrictions map[FileSystem]*Restriction
}

// ID returns the subscriber's identity.
func (s *Subscriber) ID() uuid.UUID {
	return s.id
}

// Listener returns the registered listener.
func (s *Subscriber) Listener() Listener {
	return s.listener
}

// Accepts reports whether the subscriber wants k from fs, building and
// caching the restriction for fs on first use. A restriction that fails to
// build accepts nothing.
func (s *Subscriber) Accepts(fs FileSystem, k key.DispatchKey) bool {
	r, err := s.restriction(fs)
	if err != nil {
		s.logger.Warn("listener restriction failed",
			slog.String("listener", s.id.String()),
			slog.String("filesystem", string(fs)),
			slog.String("error", err.Error()))
	}
	return r.Accepts(k)
}

// restriction returns the cached restriction for fs. The error is returned
// only by the call that built a failing restriction.
func (s *Subscriber) restriction(fs FileSystem) (r *Restriction, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.restrictions[fs]; ok {
		return r, nil
	}

	defer func() {
		if p := recover(); p != nil {
			r, err = rejectAll, fmt.Errorf("restrict panicked: %v", p)
			s.restrictions[fs] = r
		}
	}()

	b := NewRestrictionBuilder()
	if err := s.listener.Restrict(b, fs); err != nil {
		s.restrictions[fs] = rejectAll
		return rejectAll, err
	}
	r = b.Build()
	s.restrictions[fs] = r
	return r, nil
}

// =============================================================================
// Stats
// =============================================================================

// Stats reports dispatcher activity counters.
type Stats struct {
	Batches          int64
	Replays          int64
	ListenerFailures int64
	HookFailures     int64
	Interrupted      int64
	Queued           int
}

// =============================================================================
// Dispatcher
// =============================================================================

type batchKind int

const (
	modifyBatch batchKind = iota
	discardBatch
)

func (k batchKind) String() string {
	if k == discardBatch {
		return "discard"
	}
	return "modify"
}

type hookEntry struct {
	id   uuid.UUID
	hook Hook
}

// batch is one queued dispatch: a key, the subscribers that accepted it, and
// the signal closed once every callback has returned.
type batch struct {
	id         uuid.UUID
	kind       batchKind
	fs         FileSystem
	key        key.DispatchKey
	file       string
	parentKeys []key.DispatchKey
	targets    []*Subscriber
	replay     *Event
	done       chan struct{}
}

// Dispatcher delivers batches in submission order. A single sequencing
// goroutine takes batches off an unbounded FIFO queue and runs each one's
// phases on a bounded pool, joining each phase before the next starts.
type Dispatcher struct {
	config Config
	logger *slog.Logger
	queue  *concurrency.UnboundedChannel[*batch]

	mu          sync.RWMutex
	subscribers []*Subscriber
	hooks       []hookEntry

	batches          atomic.Int64
	replays          atomic.Int64
	listenerFailures atomic.Int64
	hookFailures     atomic.Int64
	interrupted      atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a dispatcher and starts its sequencing goroutine.
func New(config Config) *Dispatcher {
	config = normalizeConfig(config)
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		config: config,
		logger: config.Logger,
		queue:  concurrency.NewUnboundedChannel[*batch](),
		ctx:    ctx,
		cancel: cancel,
	}
	d.wg.Add(1)
	go d.sequence()
	return d
}

// =============================================================================
// Registration
// =============================================================================

// Register adds a listener. Restrictions for the given filesystems are built
// immediately and a failure is returned; restrictions for any other
// filesystem are built on first use.
func (d *Dispatcher) Register(l Listener, filesystems ...FileSystem) (*Subscriber, error) {
	if l == nil {
		return nil, ErrNilListener
	}

	s := &Subscriber{
		id:           uuid.New(),
		listener:     l,
		logger:       d.logger,
		restrictions: make(map[FileSystem]*Restriction),
	}
	for _, fs := range filesystems {
		if _, err := s.restriction(fs); err != nil {
			return nil, fmt.Errorf("restrict %s: %w", fs, err)
		}
	}

	d.mu.Lock()
	d.subscribers = append(d.subscribers, s)
	d.mu.Unlock()
	return s, nil
}

// Unregister removes a subscriber and reports whether it was registered.
// Batches already queued for it are still delivered.
func (d *Dispatcher) Unregister(s *Subscriber) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.subscribers {
		if existing == s {
			d.subscribers = append(d.subscribers[:i:i], d.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribers returns the registered subscribers in registration order.
func (d *Dispatcher) Subscribers() []*Subscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Subscriber(nil), d.subscribers...)
}

// AddHook adds a lifecycle hook and returns the ID that removes it.
func (d *Dispatcher) AddHook(h Hook) (uuid.UUID, error) {
	if h == nil {
		return uuid.Nil, ErrNilHook
	}
	id := uuid.New()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, hookEntry{id: id, hook: h})
	return id, nil
}

// RemoveHook removes the hook added under id and reports whether it was
// present.
func (d *Dispatcher) RemoveHook(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, entry := range d.hooks {
		if entry.id == id {
			d.hooks = append(d.hooks[:i:i], d.hooks[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Dispatcher) hookSnapshot() []Hook {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hooks := make([]Hook, len(d.hooks))
	for i, entry := range d.hooks {
		hooks[i] = entry.hook
	}
	return hooks
}

// =============================================================================
// Submission
// =============================================================================

// Modified queues a modified batch for every registered subscriber that
// accepts k on fs. The returned channel closes once every hook and listener
// callback of the batch has returned, or at once when nobody accepts k.
func (d *Dispatcher) Modified(fs FileSystem, k key.DispatchKey, file string, parentKeys []key.DispatchKey) <-chan struct{} {
	return d.ModifiedTo(d.Subscribers(), fs, k, file, parentKeys)
}

// ModifiedTo is Modified restricted to subs.
func (d *Dispatcher) ModifiedTo(subs []*Subscriber, fs FileSystem, k key.DispatchKey, file string, parentKeys []key.DispatchKey) <-chan struct{} {
	return d.submit(&batch{
		kind:       modifyBatch,
		fs:         fs,
		key:        k,
		file:       file,
		parentKeys: append([]key.DispatchKey(nil), parentKeys...),
		targets:    accepting(subs, fs, k),
	})
}

// Discard queues a discard batch for every registered subscriber that
// accepts k on fs.
func (d *Dispatcher) Discard(fs FileSystem, k key.DispatchKey) <-chan struct{} {
	return d.DiscardTo(d.Subscribers(), fs, k)
}

// DiscardTo is Discard restricted to subs.
func (d *Dispatcher) DiscardTo(subs []*Subscriber, fs FileSystem, k key.DispatchKey) <-chan struct{} {
	return d.submit(&batch{
		kind:    discardBatch,
		fs:      fs,
		key:     k,
		targets: accepting(subs, fs, k),
	})
}

// replay queues e for its own subscriber only.
func (d *Dispatcher) replay(e *Event) error {
	d.replays.Add(1)
	b := &batch{
		kind:       modifyBatch,
		fs:         e.fs,
		key:        e.key,
		file:       e.file,
		parentKeys: e.parentKeys,
		targets:    []*Subscriber{e.subscriber},
		replay:     e,
	}
	b.id = uuid.New()
	b.done = make(chan struct{})
	if err := d.queue.Send(b); err != nil {
		close(b.done)
		return ErrDispatcherClosed
	}
	return nil
}

func accepting(subs []*Subscriber, fs FileSystem, k key.DispatchKey) []*Subscriber {
	var targets []*Subscriber
	for _, s := range subs {
		if s.Accepts(fs, k) {
			targets = append(targets, s)
		}
	}
	return targets
}

func (d *Dispatcher) submit(b *batch) <-chan struct{} {
	b.id = uuid.New()
	b.done = make(chan struct{})
	if len(b.targets) == 0 {
		close(b.done)
		return b.done
	}
	if err := d.queue.Send(b); err != nil {
		d.logger.Debug("batch dropped, dispatcher closed",
			slog.String("key", b.key.String()))
		close(b.done)
	}
	return b.done
}

// =============================================================================
// Execution
// =============================================================================

// sequence runs queued batches one at a time in submission order.
func (d *Dispatcher) sequence() {
	defer d.wg.Done()
	for {
		b, err := d.queue.Receive(d.ctx)
		if err != nil {
			return
		}
		d.execute(b)
	}
}

// execute runs the before hooks, the listeners, and the after hooks of b,
// joining each phase before starting the next. If the dispatcher is closed
// mid-batch no further phase starts and done is closed in the background
// once the callbacks already started have returned.
func (d *Dispatcher) execute(b *batch) {
	d.batches.Add(1)
	hooks := d.hookSnapshot()

	var started []<-chan struct{}
	finish := func() {
		for _, joined := range started {
			<-joined
		}
		close(b.done)
	}

	phases := []func(g *errgroup.Group){
		func(g *errgroup.Group) { d.runHooks(g, hooks, b, before, "before") },
		func(g *errgroup.Group) { d.runListeners(g, b) },
		func(g *errgroup.Group) { d.runHooks(g, hooks, b, after, "after") },
	}

	for _, phase := range phases {
		if d.ctx.Err() != nil {
			d.interrupt(b, finish)
			return
		}

		g := new(errgroup.Group)
		g.SetLimit(d.config.Workers)
		phase(g)

		joined := make(chan struct{})
		go func() {
			_ = g.Wait()
			close(joined)
		}()
		started = append(started, joined)

		select {
		case <-joined:
		case <-d.ctx.Done():
			d.interrupt(b, finish)
			return
		}
	}
	close(b.done)
}

func (d *Dispatcher) interrupt(b *batch, finish func()) {
	d.interrupted.Add(1)
	d.logger.Debug("dispatch batch interrupted",
		slog.String("batch", b.id.String()),
		slog.String("kind", b.kind.String()),
		slog.String("key", b.key.String()))
	go finish()
}

// runHooks submits one task per hook.
func (d *Dispatcher) runHooks(g *errgroup.Group, hooks []Hook, b *batch, call func(Hook, *batch) error, phase string) {
	for _, h := range hooks {
		if d.ctx.Err() != nil {
			return
		}
		g.Go(func() error {
			if err := safeCall(func() error { return call(h, b) }); err != nil {
				d.hookFailures.Add(1)
				d.logger.Warn("hook failed",
					slog.String("batch", b.id.String()),
					slog.String("hook", fmt.Sprintf("%T", h)),
					slog.String("phase", phase),
					slog.String("key", b.key.String()),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}
}

// runListeners submits one task per accepting subscriber.
func (d *Dispatcher) runListeners(g *errgroup.Group, b *batch) {
	for _, s := range b.targets {
		if d.ctx.Err() != nil {
			return
		}
		g.Go(func() error {
			d.deliver(s, b)
			return nil
		})
	}
}

// deliver runs one subscriber's callbacks for b. Supplements precede the
// modified call.
func (d *Dispatcher) deliver(s *Subscriber, b *batch) {
	l := s.listener

	if b.kind == discardBatch {
		d.report(s, b, "discard", safeCall(func() error { return l.Discard(b.key) }))
		return
	}

	event := b.replay
	if event == nil {
		if sup, ok := l.(Supplementer); ok {
			for _, pk := range b.parentKeys {
				if pk.DirectoryKey() == b.key.DirectoryKey() {
					continue
				}
				d.report(s, b, "supplement", safeCall(func() error { return sup.Supplement(b.key, pk) }))
			}
		}
		event = &Event{
			key:        b.key,
			file:       b.file,
			parentKeys: b.parentKeys,
			subscriber: s,
			dispatcher: d,
			fs:         b.fs,
		}
	}
	d.report(s, b, "modified", safeCall(func() error { return l.Modified(event) }))
}

func (d *Dispatcher) report(s *Subscriber, b *batch, callback string, err error) {
	if err == nil {
		return
	}
	d.listenerFailures.Add(1)
	d.logger.Warn("listener failed",
		slog.String("batch", b.id.String()),
		slog.String("listener", s.id.String()),
		slog.String("callback", callback),
		slog.String("key", b.key.String()),
		slog.String("error", err.Error()))
}

// safeCall runs fn, turning a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Stats returns activity counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Batches:          d.batches.Load(),
		Replays:          d.replays.Load(),
		ListenerFailures: d.listenerFailures.Load(),
		HookFailures:     d.hookFailures.Load(),
		Interrupted:      d.interrupted.Load(),
		Queued:           d.queue.Len(),
	}
}

// Close stops the sequencing goroutine. The running batch is interrupted
// between phases and queued batches are dropped; every done channel is
// still closed.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		d.queue.Close()
		d.wg.Wait()

		for {
			b, ok := d.queue.TryReceive()
			if !ok {
				break
			}
			close(b.done)
		}
	})
	return nil
}
