// Package tree mirrors every watched root and its descendant directories in
// memory. It owns the per-directory watch registrations and the recursive
// walks that discover existing content, and it resolves raw absolute paths
// to DispatchKeys.
package tree

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/adalundhe/rootwatch/core/watcher/key"
	"github.com/adalundhe/rootwatch/core/watcher/source"
)

// =============================================================================
// Constants
// =============================================================================

// DefaultWalkWorkers is the default number of directories read concurrently
// by one walk.
const DefaultWalkWorkers = 4

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNoSession indicates no watch session is attached to the tree.
	ErrNoSession = errors.New("no watch session attached")

	// ErrRootConflict indicates a path is already a root of another key.
	ErrRootConflict = errors.New("path is already a root of another directory key")

	// ErrDuplicateKey indicates a directory key is already bound to another
	// root.
	ErrDuplicateKey = errors.New("directory key is already registered")

	// ErrUnknownKey indicates a directory key has no registration.
	ErrUnknownKey = errors.New("directory key is not registered")
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Tree.
type Config struct {
	// WalkWorkers bounds concurrent directory reads per walk. Default: 4.
	WalkWorkers int

	// Sensitivity is passed to the session for every registration.
	Sensitivity source.Sensitivity

	// Logger receives walk and registration diagnostics.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() Config {
	return Config{
		WalkWorkers: DefaultWalkWorkers,
		Sensitivity: source.SensitivityHigh,
	}
}

func normalizeConfig(config Config) Config {
	if config.WalkWorkers <= 0 {
		config.WalkWorkers = DefaultWalkWorkers
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return config
}

// =============================================================================
// File and Handler
// =============================================================================

// File is one file reported by a walk.
type File struct {
	// Key is the file's key under its nearest root.
	Key key.DispatchKey

	// Path is the absolute path.
	Path string

	// ParentKeys are the file's keys under every enclosing outer root,
	// nearest first.
	ParentKeys []key.DispatchKey
}

// Handler receives the files found by a walk. It may be called from several
// walk workers at once.
type Handler func(File)

// =============================================================================
// Node
// =============================================================================

// Node is one watched directory.
type Node struct {
	path   string
	parent *Node
	reg    *Registration
	handle source.Handle
}

// Path returns the node's absolute directory.
func (n *Node) Path() string {
	return n.path
}

// Parent returns the enclosing node, or nil for an outermost root.
func (n *Node) Parent() *Node {
	return n.parent
}

// IsRoot reports whether the node is a registered root.
func (n *Node) IsRoot() bool {
	return n.reg != nil
}

// Registration returns the nearest enclosing root registration.
func (n *Node) Registration() *Registration {
	for cur := n; cur != nil; cur = cur.parent {
		if cur.reg != nil {
			return cur.reg
		}
	}
	return nil
}

// =============================================================================
// Tree
// =============================================================================

// Tree is the in-memory mirror of one filesystem's watched directories.
// All methods are safe for concurrent use.
type Tree struct {
	config Config
	logger *slog.Logger

	mu      sync.RWMutex
	session source.Session
	roots   map[string]*Registration
	keys    map[key.DirectoryKey]*Registration
	nodes   map[string]*Node
}

// New creates an empty tree with no session attached.
func New(config Config) *Tree {
	config = normalizeConfig(config)
	return &Tree{
		config: config,
		logger: config.Logger,
		roots:  make(map[string]*Registration),
		keys:   make(map[key.DirectoryKey]*Registration),
		nodes:  make(map[string]*Node),
	}
}

// Attach sets the session used for new registrations.
func (t *Tree) Attach(session source.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = session
}

// Detach clears and returns the attached session. Existing handles are
// dropped without cancelling; the caller closes the session.
func (t *Tree) Detach() source.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	session := t.session
	t.session = nil
	return session
}

// Len returns the number of watched directories.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Roots returns the registered roots ordered by path.
func (t *Tree) Roots() []*Registration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	regs := make([]*Registration, 0, len(t.roots))
	for _, reg := range t.roots {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Root() < regs[j].Root() })
	return regs
}

// Registration returns the registration for dirKey.
func (t *Tree) Registration(dirKey key.DirectoryKey) (*Registration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	reg, ok := t.keys[dirKey]
	return reg, ok
}

// GetDirectory returns the node tracking abs, or nil.
func (t *Tree) GetDirectory(abs string) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[filepath.Clean(abs)]
}

// =============================================================================
// Roots
// =============================================================================

// RootAdded registers reg's root and walks it in the background, reporting
// every existing file to handler. The returned channel closes when the walk
// finishes. Adding a root that is already registered with the same key is a
// no-op. When the root is already tracked as a branch of another root it is
// promoted and re-walked so files are reported under the new key too.
func (t *Tree) RootAdded(reg *Registration, handler Handler) (<-chan struct{}, error) {
	root := reg.Root()

	t.mu.Lock()
	if existing, ok := t.roots[root]; ok {
		t.mu.Unlock()
		if existing.Key() != reg.Key() {
			return nil, fmt.Errorf("%w: %s", ErrRootConflict, root)
		}
		return closedChan(), nil
	}
	if existing, ok := t.keys[reg.Key()]; ok && existing != reg {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, reg.Key())
	}

	if node, ok := t.nodes[root]; ok {
		node.reg = reg
	} else {
		node, err := t.registerLocked(root, t.nodes[filepath.Dir(root)])
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		node.reg = reg
	}
	t.roots[root] = reg
	t.keys[reg.Key()] = reg
	t.mu.Unlock()

	t.logger.Info("root added",
		slog.String("directory_key", reg.Key().String()),
		slog.String("path", root))

	return t.walkAsync(root, handler), nil
}

// RootRemoved unregisters dirKey. A root nested inside another root is
// demoted to a branch; otherwise the directories it owns are dropped. Roots
// nested inside it keep their directories and become outermost roots. It
// reports whether the tree is now empty.
func (t *Tree) RootRemoved(dirKey key.DirectoryKey) (bool, error) {
	t.mu.Lock()
	reg, ok := t.keys[dirKey]
	if !ok {
		t.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownKey, dirKey)
	}
	root := reg.Root()
	delete(t.keys, dirKey)
	delete(t.roots, root)

	node := t.nodes[root]
	if node != nil && node.parent != nil && node.parent.Registration() != nil {
		node.reg = nil
		empty := len(t.nodes) == 0
		t.mu.Unlock()
		return empty, nil
	}

	var dropped []*Node
	for path, n := range t.nodes {
		if _, under := relativeTo(root, path); under && n.Registration() == reg {
			dropped = append(dropped, n)
		}
	}
	handles := t.dropLocked(dropped)
	empty := len(t.nodes) == 0
	t.mu.Unlock()

	t.cancel(handles)
	return empty, nil
}

// dropLocked removes nodes from the tree, detaches surviving children from
// them, and returns their watch handles. t.mu must be held.
func (t *Tree) dropLocked(nodes []*Node) []source.Handle {
	var handles []source.Handle
	for _, n := range nodes {
		delete(t.nodes, n.path)
		if n.handle != nil {
			handles = append(handles, n.handle)
		}
	}
	for _, n := range t.nodes {
		if n.parent != nil && t.nodes[n.parent.path] != n.parent {
			n.parent = nil
		}
	}
	return handles
}

func (t *Tree) cancel(handles []source.Handle) {
	for _, h := range handles {
		if err := h.Cancel(); err != nil {
			t.logger.Warn("cancel watch failed", slog.String("error", err.Error()))
		}
	}
}

// DirectoryDeleted drops the node for abs and every node below it,
// cancelling their watches. Roots inside the deleted subtree are
// unregistered. It reports whether the tree is now empty.
func (t *Tree) DirectoryDeleted(abs string) bool {
	abs = filepath.Clean(abs)

	t.mu.Lock()
	var handles []source.Handle
	for path, node := range t.nodes {
		if _, ok := relativeTo(abs, path); !ok {
			continue
		}
		delete(t.nodes, path)
		if node.handle != nil {
			handles = append(handles, node.handle)
		}
		if node.reg != nil {
			delete(t.roots, path)
			delete(t.keys, node.reg.Key())
		}
	}
	empty := len(t.nodes) == 0
	t.mu.Unlock()

	t.cancel(handles)
	return empty
}

// DirectoryCreated registers abs, whose parent must already be watched, and
// walks it in the background. The returned channel closes when the walk
// finishes.
func (t *Tree) DirectoryCreated(abs string, handler Handler) <-chan struct{} {
	abs = filepath.Clean(abs)

	t.mu.Lock()
	parent := t.nodes[filepath.Dir(abs)]
	if parent == nil {
		t.mu.Unlock()
		return closedChan()
	}
	if reg := parent.Registration(); reg != nil && reg.IsBlacklisted(abs) {
		t.mu.Unlock()
		return closedChan()
	}
	if _, ok := t.nodes[abs]; !ok {
		if _, err := t.registerLocked(abs, parent); err != nil {
			t.mu.Unlock()
			t.logger.Warn("watch registration failed",
				slog.String("path", abs),
				slog.String("error", err.Error()))
			return closedChan()
		}
	}
	t.mu.Unlock()

	return t.walkAsync(abs, handler)
}

// registerLocked watches dir and records its node. t.mu must be held.
func (t *Tree) registerLocked(dir string, parent *Node) (*Node, error) {
	if t.session == nil {
		return nil, ErrNoSession
	}
	handle, err := t.session.Register(dir, t.config.Sensitivity)
	if err != nil {
		return nil, err
	}
	node := &Node{path: dir, parent: parent, handle: handle}
	t.nodes[dir] = node
	return node, nil
}

// =============================================================================
// Resolution
// =============================================================================

// Resolve maps abs to its key under the nearest enclosing root and its keys
// under every outer root, nearest first. ok is false when abs is not under
// any root.
func (t *Tree) Resolve(abs string) (k key.DispatchKey, parentKeys []key.DispatchKey, ok bool) {
	abs = filepath.Clean(abs)

	t.mu.RLock()
	type match struct {
		reg   *Registration
		depth int
	}
	var matches []match
	for root, reg := range t.roots {
		if _, under := relativeTo(root, abs); under {
			matches = append(matches, match{reg: reg, depth: len(root)})
		}
	}
	t.mu.RUnlock()

	if len(matches) == 0 {
		return key.DispatchKey{}, nil, false
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].depth > matches[j].depth })

	k, ok = matches[0].reg.KeyFor(abs)
	if !ok {
		return key.DispatchKey{}, nil, false
	}
	for _, m := range matches[1:] {
		if pk, ok := m.reg.KeyFor(abs); ok {
			parentKeys = append(parentKeys, pk)
		}
	}
	return k, parentKeys, true
}

// Owner returns the registration of the nearest root enclosing abs.
func (t *Tree) Owner(abs string) *Registration {
	abs = filepath.Clean(abs)

	t.mu.RLock()
	defer t.mu.RUnlock()

	var owner *Registration
	best := -1
	for root, reg := range t.roots {
		if _, under := relativeTo(root, abs); under && len(root) > best {
			owner, best = reg, len(root)
		}
	}
	return owner
}

// =============================================================================
// Relocation
// =============================================================================

// Relocated implements RelocationObserver. The new root is watched before
// anything else changes; if that fails the tree is left untouched. Branches
// owned by reg are dropped and rediscovered by the next walk of the new
// root.
func (t *Tree) Relocated(reg *Registration, oldRoot, newRoot string) error {
	t.mu.Lock()
	if t.roots[oldRoot] != reg {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownKey, reg.Key())
	}
	if existing, ok := t.roots[newRoot]; ok && existing != reg {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRootConflict, newRoot)
	}

	var newNode *Node
	if node, ok := t.nodes[newRoot]; ok {
		newNode = node
	} else {
		node, err := t.registerLocked(newRoot, t.nodes[filepath.Dir(newRoot)])
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("watch %s: %w", newRoot, err)
		}
		newNode = node
	}

	var dropped []*Node
	for path, node := range t.nodes {
		if node == newNode {
			continue
		}
		if _, under := relativeTo(oldRoot, path); under && node.Registration() == reg {
			dropped = append(dropped, node)
		}
	}
	handles := t.dropLocked(dropped)

	newNode.reg = reg
	delete(t.roots, oldRoot)
	t.roots[newRoot] = reg
	t.mu.Unlock()

	t.cancel(handles)
	return nil
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
