package tree

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/adalundhe/rootwatch/core/watcher/key"
	"github.com/gobwas/glob"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrRelativeRoot indicates a root path was not absolute.
	ErrRelativeRoot = errors.New("root path must be absolute")

	// ErrInvalidPattern indicates a blacklist pattern failed to compile.
	ErrInvalidPattern = errors.New("invalid blacklist pattern")

	// ErrRelocationRejected indicates an observer refused a relocation.
	ErrRelocationRejected = errors.New("relocation rejected")
)

// =============================================================================
// RelocationObserver
// =============================================================================

// RelocationObserver is told when a registration moves to a new root.
// Returning an error aborts the relocation.
type RelocationObserver interface {
	Relocated(reg *Registration, oldRoot, newRoot string) error
}

// RelocationObserverFunc adapts a function to RelocationObserver.
type RelocationObserverFunc func(reg *Registration, oldRoot, newRoot string) error

// Relocated calls f.
func (f RelocationObserverFunc) Relocated(reg *Registration, oldRoot, newRoot string) error {
	return f(reg, oldRoot, newRoot)
}

// =============================================================================
// Registration
// =============================================================================

// Registration binds a DirectoryKey to its current absolute root. Blacklist
// patterns are globs matched against the root-relative path of an entry.
type Registration struct {
	key    key.DirectoryKey
	logger *slog.Logger

	mu        sync.RWMutex
	root      string
	patterns  []string
	compiled  []glob.Glob
	observers []RelocationObserver
}

// NewRegistration validates root and compiles the blacklist.
func NewRegistration(dirKey key.DirectoryKey, root string, blacklist ...string) (*Registration, error) {
	if dirKey.IsZero() {
		return nil, key.ErrNilDirectoryKey
	}
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("%w: %s", ErrRelativeRoot, root)
	}

	compiled, err := compilePatterns(blacklist)
	if err != nil {
		return nil, err
	}

	return &Registration{
		key:      dirKey,
		logger:   slog.Default(),
		root:     filepath.Clean(root),
		patterns: append([]string(nil), blacklist...),
		compiled: compiled,
	}, nil
}

// compilePatterns compiles every pattern for the local separator, joining
// all failures.
func compilePatterns(patterns []string) ([]glob.Glob, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	var errs []error
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, filepath.Separator)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err))
			continue
		}
		compiled = append(compiled, g)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return compiled, nil
}

// Key returns the directory key.
func (r *Registration) Key() key.DirectoryKey {
	return r.key
}

// Root returns the current absolute root.
func (r *Registration) Root() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root
}

// Patterns returns a copy of the blacklist patterns.
func (r *Registration) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.patterns...)
}

// SetLogger replaces the logger used for rollback diagnostics.
func (r *Registration) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// AddObserver subscribes o to relocations.
func (r *Registration) AddObserver(o RelocationObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// =============================================================================
// Blacklist
// =============================================================================

// AddPattern adds a blacklist glob. Adding a pattern twice is a no-op.
func (r *Registration) AddPattern(pattern string) error {
	g, err := glob.Compile(pattern, filepath.Separator)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.patterns {
		if existing == pattern {
			return nil
		}
	}
	r.patterns = append(r.patterns, pattern)
	r.compiled = append(r.compiled, g)
	return nil
}

// RemovePattern removes a blacklist glob and reports whether it was present.
func (r *Registration) RemovePattern(pattern string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.patterns {
		if existing == pattern {
			r.patterns = append(r.patterns[:i], r.patterns[i+1:]...)
			r.compiled = append(r.compiled[:i], r.compiled[i+1:]...)
			return true
		}
	}
	return false
}

// Relative returns abs relative to the current root in OS form, and false if
// abs is not under the root.
func (r *Registration) Relative(abs string) (string, bool) {
	r.mu.RLock()
	root := r.root
	r.mu.RUnlock()
	return relativeTo(root, abs)
}

// IsBlacklisted reports whether abs matches a blacklist pattern. Paths
// outside the root are never blacklisted.
func (r *Registration) IsBlacklisted(abs string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rel, ok := relativeTo(r.root, abs)
	if !ok || rel == "" {
		return false
	}
	for _, g := range r.compiled {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// KeyFor builds the DispatchKey for abs under this registration.
func (r *Registration) KeyFor(abs string) (key.DispatchKey, bool) {
	rel, ok := r.Relative(abs)
	if !ok {
		return key.DispatchKey{}, false
	}
	k, err := key.New(r.key, rel)
	if err != nil {
		return key.DispatchKey{}, false
	}
	return k, true
}

func relativeTo(root, abs string) (string, bool) {
	rel, err := filepath.Rel(root, filepath.Clean(abs))
	if err != nil {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	if rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator) {
		return "", false
	}
	return rel, true
}

// =============================================================================
// Relocation
// =============================================================================

// Relocate moves the registration to newRoot. It is a no-op when the root is
// unchanged. Otherwise the root and patterns are swapped and every observer
// is notified in registration order; if one fails, the observers already
// notified are told about the reverse move and the old root and patterns are
// restored.
func (r *Registration) Relocate(newRoot string) error {
	if !filepath.IsAbs(newRoot) {
		return fmt.Errorf("%w: %s", ErrRelativeRoot, newRoot)
	}
	newRoot = filepath.Clean(newRoot)

	r.mu.Lock()
	oldRoot := r.root
	if oldRoot == newRoot {
		r.mu.Unlock()
		return nil
	}
	compiled, err := compilePatterns(r.patterns)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.root = newRoot
	r.compiled = compiled
	observers := append([]RelocationObserver(nil), r.observers...)
	r.mu.Unlock()

	var notified []RelocationObserver
	for _, o := range observers {
		if err := o.Relocated(r, oldRoot, newRoot); err != nil {
			r.rollback(notified, oldRoot, newRoot)
			return fmt.Errorf("%w: %s -> %s: %w", ErrRelocationRejected, oldRoot, newRoot, err)
		}
		notified = append(notified, o)
	}
	return nil
}

// rollback restores the old root and reverses notified observers, newest
// first. The blacklist is recompiled from the current patterns, which may
// have changed while observers ran.
func (r *Registration) rollback(notified []RelocationObserver, oldRoot, newRoot string) {
	r.mu.Lock()
	r.root = oldRoot
	if compiled, err := compilePatterns(r.patterns); err == nil {
		r.compiled = compiled
	}
	r.mu.Unlock()

	for i := len(notified) - 1; i >= 0; i-- {
		if err := notified[i].Relocated(r, newRoot, oldRoot); err != nil {
			r.logger.Warn("relocation rollback failed",
				slog.String("directory_key", r.key.String()),
				slog.String("path", oldRoot),
				slog.String("error", err.Error()))
		}
	}
}
