// Package watcher ties the watch session, the directory tree, the pending
// registry, the dispatcher and the checksum engine of one filesystem
// together. A Manager turns raw watch events into keyed notifications for
// subscribed listeners and reconciles root relocations.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/adalundhe/rootwatch/core/watcher/checksum"
	"github.com/adalundhe/rootwatch/core/watcher/diff"
	"github.com/adalundhe/rootwatch/core/watcher/dispatch"
	"github.com/adalundhe/rootwatch/core/watcher/key"
	"github.com/adalundhe/rootwatch/core/watcher/pending"
	"github.com/adalundhe/rootwatch/core/watcher/source"
	"github.com/adalundhe/rootwatch/core/watcher/tree"
	"github.com/google/uuid"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrManagerClosed indicates the manager has been closed.
	ErrManagerClosed = errors.New("watcher manager is closed")

	// ErrAlreadyRunning indicates Run is already active.
	ErrAlreadyRunning = errors.New("watcher manager is already running")
)

// =============================================================================
// Manager
// =============================================================================

// Manager watches the roots of one filesystem.
type Manager struct {
	config     Config
	logger     *slog.Logger
	opener     source.Opener
	tree       *tree.Tree
	pending    *pending.Registry
	dispatcher *dispatch.Dispatcher
	checksums  *checksum.Engine

	mu      sync.Mutex
	session source.Session
	opened  chan struct{}
	closed  bool

	relocateMu sync.Mutex
	running    atomic.Bool
	done       chan struct{}
}

// New creates a manager. No session is opened until the first root is
// added.
func New(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = normalizeConfig(config)

	opener := config.Opener
	if opener == nil {
		var err error
		opener, err = source.OpenerFor(source.BackendFSNotify, source.Options{Logger: config.Logger})
		if err != nil {
			return nil, err
		}
	}

	m := &Manager{
		config: config,
		logger: config.Logger,
		opener: opener,
		tree: tree.New(tree.Config{
			WalkWorkers: config.WalkWorkers,
			Sensitivity: config.Sensitivity,
			Logger:      config.Logger,
		}),
		pending: pending.New(pending.Config{
			LockingWindow: config.LockingWindow,
			Logger:        config.Logger,
		}),
		dispatcher: dispatch.New(dispatch.Config{
			Workers: config.Workers,
			Logger:  config.Logger,
		}),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}

	if config.Checksum.Enabled {
		m.checksums = checksum.NewEngine(checksum.Config{
			CacheSize: config.Checksum.CacheSize,
			Logger:    config.Logger,
		})
		if _, err := m.dispatcher.AddHook(m.checksums); err != nil {
			_ = m.dispatcher.Close()
			return nil, err
		}
	}
	return m, nil
}

// FileSystem returns the filesystem identity passed to listeners.
func (m *Manager) FileSystem() dispatch.FileSystem {
	return m.config.FileSystem
}

// Tree returns the directory tree.
func (m *Manager) Tree() *tree.Tree {
	return m.tree
}

// Stats returns dispatcher counters.
func (m *Manager) Stats() dispatch.Stats {
	return m.dispatcher.Stats()
}

// =============================================================================
// Session Lifecycle
// =============================================================================

// acquireSessionLocked opens the session if none is attached. m.mu must be
// held.
func (m *Manager) acquireSessionLocked() error {
	if m.session != nil {
		return nil
	}
	session, err := m.opener()
	if err != nil {
		return fmt.Errorf("open watch session: %w", err)
	}
	m.session = session
	m.tree.Attach(session)
	close(m.opened)
	m.logger.Info("watch session opened", slog.String("filesystem", string(m.config.FileSystem)))
	return nil
}

// releaseIfEmpty closes the session once the tree tracks nothing.
func (m *Manager) releaseIfEmpty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseIfEmptyLocked()
}

func (m *Manager) releaseIfEmptyLocked() {
	if m.session == nil || m.tree.Len() != 0 {
		return
	}
	session := m.tree.Detach()
	m.session = nil
	m.opened = make(chan struct{})
	if session != nil {
		if err := session.Close(); err != nil {
			m.logger.Warn("close watch session failed", slog.String("error", err.Error()))
		}
	}
	m.logger.Info("watch session released", slog.String("filesystem", string(m.config.FileSystem)))
}

// currentSession returns the attached session, or nil and a channel closed
// when one is opened.
func (m *Manager) currentSession() (source.Session, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.opened
}

// =============================================================================
// Roots
// =============================================================================

// AddRoot starts watching path under dirKey. Existing files are reported to
// listeners by a background walk; the returned channel closes when it
// finishes.
func (m *Manager) AddRoot(dirKey key.DirectoryKey, path string, blacklist ...string) (<-chan struct{}, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", source.ErrNotDirectory, abs)
	}

	reg, err := tree.NewRegistration(dirKey, abs, blacklist...)
	if err != nil {
		return nil, err
	}
	reg.SetLogger(m.logger)
	reg.AddObserver(m.tree)
	if m.checksums != nil {
		reg.AddObserver(m.checksums)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if err := m.acquireSessionLocked(); err != nil {
		return nil, err
	}

	walked, err := m.tree.RootAdded(reg, m.dispatchFile)
	if err != nil {
		m.releaseIfEmptyLocked()
		return nil, err
	}
	return walked, nil
}

// RemoveRoot stops watching dirKey's root and discards its key. A root
// nested in another root keeps its directories watched for the outer root.
func (m *Manager) RemoveRoot(dirKey key.DirectoryKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}

	if _, err := m.tree.RootRemoved(dirKey); err != nil {
		return err
	}
	// A registered key is never zero.
	root, _ := key.Root(dirKey)
	m.dispatcher.Discard(m.config.FileSystem, root)
	m.releaseIfEmptyLocked()

	m.logger.Info("root removed", slog.String("directory_key", dirKey.String()))
	return nil
}

// AddBlacklist adds a glob pattern, relative to the root, to dirKey's
// blacklist.
func (m *Manager) AddBlacklist(dirKey key.DirectoryKey, pattern string) error {
	reg, ok := m.tree.Registration(dirKey)
	if !ok {
		return fmt.Errorf("%w: %s", tree.ErrUnknownKey, dirKey)
	}
	return reg.AddPattern(pattern)
}

// RemoveBlacklist removes a pattern from dirKey's blacklist and reports
// whether it was present.
func (m *Manager) RemoveBlacklist(dirKey key.DirectoryKey, pattern string) (bool, error) {
	reg, ok := m.tree.Registration(dirKey)
	if !ok {
		return false, fmt.Errorf("%w: %s", tree.ErrUnknownKey, dirKey)
	}
	return reg.RemovePattern(pattern), nil
}

// dispatchFile is the walk handler: every file found is reported as
// modified.
func (m *Manager) dispatchFile(f tree.File) {
	m.dispatcher.Modified(m.config.FileSystem, f.Key, f.Path, f.ParentKeys)
}

// =============================================================================
// Subscribers and Hooks
// =============================================================================

// Subscribe registers l. Its restriction for this filesystem is built
// immediately, so usage errors surface here.
func (m *Manager) Subscribe(l dispatch.Listener) (*dispatch.Subscriber, error) {
	return m.dispatcher.Register(l, m.config.FileSystem)
}

// Unsubscribe removes s and reports whether it was registered.
func (m *Manager) Unsubscribe(s *dispatch.Subscriber) bool {
	return m.dispatcher.Unregister(s)
}

// AddHook registers a lifecycle hook.
func (m *Manager) AddHook(h dispatch.Hook) (uuid.UUID, error) {
	return m.dispatcher.AddHook(h)
}

// RemoveHook removes the hook registered under id.
func (m *Manager) RemoveHook(id uuid.UUID) bool {
	return m.dispatcher.RemoveHook(id)
}

// =============================================================================
// Event Loop
// =============================================================================

// Run processes raw events in arrival order until ctx is done or the
// manager is closed. It waits while no session is open.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		default:
		}

		session, opened := m.currentSession()
		if session == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.done:
				return nil
			case <-opened:
				continue
			}
		}

		ev, err := session.Take(ctx)
		switch {
		case err == nil:
			m.handle(ctx, ev)
		case errors.Is(err, source.ErrSessionClosed):
			m.sessionEnded(session)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			m.logger.Error("watch session failed", slog.String("error", err.Error()))
			m.sessionEnded(session)
		}
	}
}

// sessionEnded detaches session if it is still current. A released session
// has already been replaced and needs nothing.
func (m *Manager) sessionEnded(session source.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != session || m.closed {
		return
	}
	m.logger.Error("watch session closed unexpectedly",
		slog.String("filesystem", string(m.config.FileSystem)))
	m.tree.Detach()
	m.session = nil
	m.opened = make(chan struct{})
}

// handle processes one raw event.
func (m *Manager) handle(ctx context.Context, ev source.RawEvent) {
	path := filepath.Clean(ev.Path)

	owner := m.tree.Owner(path)
	if owner == nil {
		m.logger.Debug("event outside watched roots", slog.String("path", path))
		return
	}
	if owner.IsBlacklisted(path) {
		return
	}

	proceed, err := m.pending.AwaitIfPending(ctx, path, ev.Kind)
	if err != nil || !proceed {
		return
	}

	switch ev.Kind {
	case source.Create, source.Modify:
		m.changed(path, ev.Kind)
	case source.Delete:
		m.deleted(path)
	}
}

// changed handles a CREATE or MODIFY. A CREATE stays pending until the walk
// or the dispatch batch it starts has finished.
func (m *Manager) changed(path string, kind source.Kind) {
	finish := func(<-chan struct{}) {}
	if kind == source.Create {
		finish = func(done <-chan struct{}) {
			go func() {
				<-done
				m.pending.Done(path)
			}()
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		m.logger.Debug("changed entry vanished", slog.String("path", path))
		finish(closedChan())
		return
	}

	switch {
	case info.IsDir():
		if kind != source.Create {
			return
		}
		finish(m.tree.DirectoryCreated(path, m.dispatchFile))
	case info.Mode().IsRegular():
		k, parentKeys, ok := m.tree.Resolve(path)
		if !ok {
			finish(closedChan())
			return
		}
		finish(m.dispatcher.Modified(m.config.FileSystem, k, path, parentKeys))
	default:
		finish(closedChan())
	}
}

// deleted handles a DELETE. A tracked directory drops its subtree first;
// the key is discarded either way.
func (m *Manager) deleted(path string) {
	k, _, ok := m.tree.Resolve(path)

	if m.tree.GetDirectory(path) != nil {
		if m.tree.DirectoryDeleted(path) {
			m.releaseIfEmpty()
		}
	}
	if ok {
		m.dispatcher.Discard(m.config.FileSystem, k)
	}
}

// =============================================================================
// Relocation
// =============================================================================

// Relocate moves dirKey's root to newPath, which must already hold the
// moved content. With checksums enabled only files whose content changed
// are reported; otherwise the root key is discarded and the new root is
// reported in full. Relocate returns once every notification has been
// delivered.
func (m *Manager) Relocate(ctx context.Context, dirKey key.DirectoryKey, newPath string) error {
	abs, err := filepath.Abs(newPath)
	if err != nil {
		return err
	}

	m.relocateMu.Lock()
	defer m.relocateMu.Unlock()

	reg, ok := m.tree.Registration(dirKey)
	if !ok {
		return fmt.Errorf("%w: %s", tree.ErrUnknownKey, dirKey)
	}
	oldRoot := reg.Root()
	if oldRoot == abs {
		return nil
	}

	if m.checksums == nil {
		if err := m.relocateRegistration(reg, abs); err != nil {
			return err
		}
		root, _ := key.Root(dirKey)
		<-m.dispatcher.Discard(m.config.FileSystem, root)
		m.tree.Walk(ctx, abs, m.dispatchFile)
		return ctx.Err()
	}

	snapshot := m.snapshot(reg)
	forward := newRelocationForwarder(m)
	obs := diff.New(snapshot, forward, diff.Config{
		Lookup:  diff.EngineLookup(m.checksums),
		Timeout: m.config.Checksum.Timeout,
		Logger:  m.logger,
	})
	for _, k := range snapshot {
		obs.Discard(k)
	}

	if err := m.relocateRegistration(reg, abs); err != nil {
		return err
	}

	m.tree.Walk(ctx, abs, func(f tree.File) {
		for _, pk := range f.ParentKeys {
			obs.Supplement(f.Key, pk)
		}
		obs.Modified(f.Key, f.Path)
	})

	if err := obs.FinalizeRelocation(ctx); err != nil {
		return err
	}
	forward.wait()

	m.logger.Info("root relocated",
		slog.String("directory_key", dirKey.String()),
		slog.String("from", oldRoot),
		slog.String("to", abs))
	return nil
}

func (m *Manager) relocateRegistration(reg *tree.Registration, newRoot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	return reg.Relocate(newRoot)
}

// snapshot lists reg's keys under its current root: files on disk plus
// files of reg with a checksum baseline. The old root is usually gone by the
// time a relocation is announced, so the baselines carry most of it.
func (m *Manager) snapshot(reg *tree.Registration) []key.DispatchKey {
	seen := make(map[key.DispatchKey]struct{})
	var keys []key.DispatchKey
	add := func(ks []key.DispatchKey) {
		for _, k := range ks {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	onDisk, err := m.tree.Snapshot(reg)
	if err != nil {
		m.logger.Debug("old root unreadable, using checksum baselines",
			slog.String("path", reg.Root()),
			slog.String("error", err.Error()))
	}
	add(onDisk)
	add(m.checksums.Known(reg.Key()))
	return keys
}

// relocationForwarder sends reconciled notifications to the dispatcher.
// Supplements are held until the modified call for their key.
type relocationForwarder struct {
	m *Manager

	mu          sync.Mutex
	supplements map[key.DispatchKey][]key.DispatchKey
	batches     []<-chan struct{}
}

func newRelocationForwarder(m *Manager) *relocationForwarder {
	return &relocationForwarder{
		m:           m,
		supplements: make(map[key.DispatchKey][]key.DispatchKey),
	}
}

func (f *relocationForwarder) Supplement(k, parentKey key.DispatchKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.supplements[k] = append(f.supplements[k], parentKey)
}

func (f *relocationForwarder) Modified(k key.DispatchKey, file string) {
	f.mu.Lock()
	parentKeys := f.supplements[k]
	delete(f.supplements, k)
	f.mu.Unlock()

	f.track(f.m.dispatcher.Modified(f.m.config.FileSystem, k, file, parentKeys))
}

func (f *relocationForwarder) Discard(k key.DispatchKey) {
	f.track(f.m.dispatcher.Discard(f.m.config.FileSystem, k))
}

func (f *relocationForwarder) track(done <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, done)
}

// wait blocks until every forwarded batch has finished.
func (f *relocationForwarder) wait() {
	f.mu.Lock()
	batches := f.batches
	f.mu.Unlock()
	for _, done := range batches {
		<-done
	}
}

// =============================================================================
// Close
// =============================================================================

// Close stops Run, closes the session, and shuts the dispatcher down.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	session := m.tree.Detach()
	m.session = nil
	m.mu.Unlock()

	var errs []error
	if session != nil {
		if err := session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.dispatcher.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
