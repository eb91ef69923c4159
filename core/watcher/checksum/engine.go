package checksum

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adalundhe/rootwatch/core/watcher/key"
	"github.com/adalundhe/rootwatch/core/watcher/tree"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the default number of baselines kept per directory.
const DefaultCacheSize = 100_000

// Config configures an Engine.
type Config struct {
	// CacheSize bounds the baselines kept per directory. Default: 100000.
	CacheSize int

	// Logger receives baseline failures. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() Config {
	return Config{CacheSize: DefaultCacheSize}
}

// =============================================================================
// Resource
// =============================================================================

// Resource holds the checksum baselines of the files directly inside one
// directory.
type Resource struct {
	engine *Engine

	mu  sync.RWMutex
	dir string

	baselines *lru.Cache[string, string]
}

// Dir returns the directory the resource currently tracks.
func (r *Resource) Dir() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dir
}

// Baseline returns the last checksum recorded for the file called name.
func (r *Resource) Baseline(name string) (string, bool) {
	return r.baselines.Get(name)
}

// Len returns the number of baselines.
func (r *Resource) Len() int {
	return r.baselines.Len()
}

// name validates that path is a direct child and returns its base name.
func (r *Resource) name(path string) (string, error) {
	path = filepath.Clean(path)
	if filepath.Dir(path) != r.Dir() {
		return "", fmt.Errorf("%w: %s", ErrForeignPath, path)
	}
	return filepath.Base(path), nil
}

// ComputeChecksum hashes path in the background, compares it with the
// baseline, and stores the new checksum as the baseline. callback is called
// exactly once, with an error if hashing failed or took longer than timeout
// (zero means no timeout).
func (r *Resource) ComputeChecksum(path string, timeout time.Duration, callback func(Result, error)) {
	name, err := r.name(path)
	if err != nil {
		go callback(Result{Path: path}, err)
		return
	}

	go func() {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		type outcome struct {
			sum string
			err error
		}
		computed := make(chan outcome, 1)
		go func() {
			if err := r.engine.acquire(ctx); err != nil {
				computed <- outcome{err: fmt.Errorf("%w: %s", ErrTimeout, path)}
				return
			}
			defer r.engine.release()
			sum, err := ComputeChecksum(path)
			computed <- outcome{sum: sum, err: err}
		}()

		select {
		case out := <-computed:
			if out.err != nil {
				callback(Result{Path: path}, out.err)
				return
			}
			previous, _ := r.baselines.Get(name)
			r.baselines.Add(name, out.sum)
			callback(Result{
				Path:     path,
				Checksum: out.sum,
				Previous: previous,
				Changed:  previous != out.sum,
			}, nil)
		case <-ctx.Done():
			callback(Result{Path: path}, fmt.Errorf("%w: %s", ErrTimeout, path))
		}
	}()
}

// record stores sum as the baseline of path.
func (r *Resource) record(path, sum string) error {
	name, err := r.name(path)
	if err != nil {
		return err
	}
	r.baselines.Add(name, sum)
	return nil
}

// =============================================================================
// Engine
// =============================================================================

// Engine owns one Resource per directory that has had a file modified. It
// learns baselines as a dispatch hook and follows relocations as a
// relocation observer.
type Engine struct {
	cacheSize int
	logger    *slog.Logger
	sem       chan struct{}

	mu        sync.RWMutex
	resources map[string]*Resource
	files     map[key.DispatchKey]string
}

// NewEngine creates an empty engine.
func NewEngine(config Config) *Engine {
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Engine{
		cacheSize: config.CacheSize,
		logger:    config.Logger,
		sem:       make(chan struct{}, maxConcurrentComputations),
		resources: make(map[string]*Resource),
		files:     make(map[key.DispatchKey]string),
	}
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() {
	<-e.sem
}

// Resource returns the resource for dir if one is tracked.
func (e *Engine) Resource(dir string) (*Resource, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.resources[filepath.Clean(dir)]
	return r, ok
}

// Track returns the resource for dir, creating it if needed.
func (e *Engine) Track(dir string) *Resource {
	dir = filepath.Clean(dir)

	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.resources[dir]; ok {
		return r
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, string](e.cacheSize)
	r := &Resource{engine: e, dir: dir, baselines: cache}
	e.resources[dir] = r
	return r
}

// Record hashes file now and stores the result as its baseline under k.
func (e *Engine) Record(k key.DispatchKey, file string) error {
	file = filepath.Clean(file)
	sum, err := ComputeChecksum(file)
	if err != nil {
		return fmt.Errorf("checksum %s: %w", file, err)
	}
	if err := e.Track(filepath.Dir(file)).record(file, sum); err != nil {
		return err
	}

	e.mu.Lock()
	e.files[k] = file
	e.mu.Unlock()
	return nil
}

// Forget drops the baselines of k and every key below it.
func (e *Engine) Forget(k key.DispatchKey) int {
	e.mu.Lock()
	var paths []string
	for candidate, path := range e.files {
		if k.IsParentKeyOf(candidate) {
			paths = append(paths, path)
			delete(e.files, candidate)
		}
	}
	e.mu.Unlock()

	for _, path := range paths {
		if r, ok := e.Resource(filepath.Dir(path)); ok {
			r.baselines.Remove(filepath.Base(path))
		}
	}
	return len(paths)
}

// Known returns the keys of dirKey that have a baseline.
func (e *Engine) Known(dirKey key.DirectoryKey) []key.DispatchKey {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var keys []key.DispatchKey
	for k := range e.files {
		if k.DirectoryKey() == dirKey {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// =============================================================================
// Hook
// =============================================================================

// Before is a no-op.
func (e *Engine) Before(key.DispatchKey) error { return nil }

// After is a no-op.
func (e *Engine) After(key.DispatchKey) error { return nil }

// BeforeModify is a no-op.
func (e *Engine) BeforeModify(key.DispatchKey, string) error { return nil }

// AfterModify records the new baseline of file.
func (e *Engine) AfterModify(k key.DispatchKey, file string) error {
	return e.Record(k, file)
}

// BeforeDiscard is a no-op.
func (e *Engine) BeforeDiscard(key.DispatchKey) error { return nil }

// AfterDiscard forgets the baselines of k and its sub keys.
func (e *Engine) AfterDiscard(k key.DispatchKey) error {
	if n := e.Forget(k); n > 0 {
		e.logger.Debug("checksum baselines forgotten",
			slog.String("key", k.String()),
			slog.Int("count", n))
	}
	return nil
}

// =============================================================================
// Relocation
// =============================================================================

// Relocated moves the files of reg under oldRoot, and the resources holding
// them, to the same relative location under newRoot. Resources holding a
// file of another directory key stay where they are, since that key did not
// move. Nothing changes if a target directory is already tracked.
func (e *Engine) Relocated(reg *tree.Registration, oldRoot, newRoot string) error {
	oldRoot, newRoot = filepath.Clean(oldRoot), filepath.Clean(newRoot)
	dirKey := reg.Key()

	e.mu.Lock()
	defer e.mu.Unlock()

	pinned := make(map[string]struct{})
	for k, path := range e.files {
		if k.DirectoryKey() != dirKey && isUnder(oldRoot, path) {
			pinned[filepath.Dir(path)] = struct{}{}
		}
	}

	moved := make(map[string]*Resource)
	for dir, r := range e.resources {
		if !isUnder(oldRoot, dir) {
			continue
		}
		if isPinned(pinned, dir) {
			continue
		}
		target := rebase(oldRoot, newRoot, dir)
		// A target under oldRoot is vacated by this move unless it is pinned.
		if existing, ok := e.resources[target]; ok && existing != r {
			if !isUnder(oldRoot, target) || isPinned(pinned, target) {
				return fmt.Errorf("%w: %s", ErrResourceExists, target)
			}
		}
		moved[dir] = r
	}

	for dir := range moved {
		delete(e.resources, dir)
	}
	for dir, r := range moved {
		target := rebase(oldRoot, newRoot, dir)
		r.mu.Lock()
		r.dir = target
		r.mu.Unlock()
		e.resources[target] = r
	}
	for k, path := range e.files {
		if k.DirectoryKey() == dirKey && isUnder(oldRoot, path) {
			e.files[k] = rebase(oldRoot, newRoot, path)
		}
	}
	return nil
}

func isPinned(pinned map[string]struct{}, dir string) bool {
	_, ok := pinned[dir]
	return ok
}

func isUnder(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

func rebase(oldRoot, newRoot, path string) string {
	if path == oldRoot {
		return newRoot
	}
	return newRoot + path[len(oldRoot):]
}
