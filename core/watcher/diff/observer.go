// Package diff reconciles a relocated root against what listeners already
// know. Notifications for the old and new content are buffered, and on
// finalization only files whose checksum changed are forwarded as modified;
// keys that disappeared are forwarded as discards. A pure move produces no
// notifications at all.
package diff

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/adalundhe/rootwatch/core/watcher/checksum"
	"github.com/adalundhe/rootwatch/core/watcher/key"
	"golang.org/x/sync/errgroup"
)

// DefaultChecksumTimeout bounds a single checksum computation.
const DefaultChecksumTimeout = 10 * time.Second

// ErrAlreadyFinalized indicates FinalizeRelocation was called twice.
var ErrAlreadyFinalized = errors.New("relocation already finalized")

// =============================================================================
// Collaborators
// =============================================================================

// Resource computes checksums for the files of one directory.
type Resource interface {
	ComputeChecksum(path string, timeout time.Duration, callback func(checksum.Result, error))
}

// ResourceLookup returns the checksum resource tracking dir.
type ResourceLookup func(dir string) (Resource, bool)

// EngineLookup adapts a checksum engine to ResourceLookup.
func EngineLookup(e *checksum.Engine) ResourceLookup {
	return func(dir string) (Resource, bool) {
		r, ok := e.Resource(dir)
		if !ok {
			return nil, false
		}
		return r, true
	}
}

// Forwarder receives the reconciled notifications. Calls for different keys
// may arrive concurrently; calls for one key arrive in order.
type Forwarder interface {
	Supplement(k, parentKey key.DispatchKey)
	Modified(k key.DispatchKey, file string)
	Discard(k key.DispatchKey)
}

// Config configures an Observer.
type Config struct {
	// Lookup finds the checksum resource for a file's directory.
	Lookup ResourceLookup

	// Timeout bounds each checksum computation. Default: 10s.
	Timeout time.Duration

	// Logger receives skipped files. Default: slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// Observer
// =============================================================================

// Observer buffers the notifications of one relocation.
type Observer struct {
	snapshot []key.DispatchKey
	forward  Forwarder
	lookup   ResourceLookup
	timeout  time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	order       []key.DispatchKey
	modified    map[key.DispatchKey]string
	discarded   []key.DispatchKey
	supplements map[key.DispatchKey][]key.DispatchKey
	finalized   bool
}

// New creates an observer for a relocation. snapshot lists the keys that
// existed under the old root before the move.
func New(snapshot []key.DispatchKey, forward Forwarder, config Config) *Observer {
	if config.Timeout <= 0 {
		config.Timeout = DefaultChecksumTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Lookup == nil {
		config.Lookup = func(string) (Resource, bool) { return nil, false }
	}
	return &Observer{
		snapshot:    append([]key.DispatchKey(nil), snapshot...),
		forward:     forward,
		lookup:      config.Lookup,
		timeout:     config.Timeout,
		logger:      config.Logger,
		modified:    make(map[key.DispatchKey]string),
		supplements: make(map[key.DispatchKey][]key.DispatchKey),
	}
}

// Discard buffers a discard.
func (o *Observer) Discard(k key.DispatchKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.discarded = append(o.discarded, k)
}

// Modified buffers a modified notification. The latest file wins when a key
// is reported twice.
func (o *Observer) Modified(k key.DispatchKey, file string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.modified[k]; !ok {
		o.order = append(o.order, k)
	}
	o.modified[k] = file
}

// Supplement buffers a supplement for k.
func (o *Observer) Supplement(k, parentKey key.DispatchKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.supplements[k] = append(o.supplements[k], parentKey)
}

// FinalizeRelocation checksums every buffered modified file and forwards the
// changed ones, then discards every key that was known before the move and
// was not reported again. Each file is forwarded as soon as its own checksum
// resolves. If ctx ends first the discards are not forwarded and ctx's
// error is returned.
func (o *Observer) FinalizeRelocation(ctx context.Context) error {
	o.mu.Lock()
	if o.finalized {
		o.mu.Unlock()
		return ErrAlreadyFinalized
	}
	o.finalized = true
	order := o.order
	modified := o.modified
	supplements := o.supplements
	discarded := o.discarded
	o.mu.Unlock()

	known := make(map[key.DispatchKey]struct{}, len(o.snapshot))
	for _, k := range o.snapshot {
		known[k] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, k := range order {
		file := modified[k]
		_, wasKnown := known[k]
		g.Go(func() error {
			o.reconcile(gctx, k, file, wasKnown, supplements[k])
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	candidates := make([]key.DispatchKey, 0, len(o.snapshot)+len(discarded))
	candidates = append(candidates, o.snapshot...)
	candidates = append(candidates, discarded...)

	emitted := make(map[key.DispatchKey]struct{}, len(candidates))
	for _, k := range candidates {
		if _, seen := modified[k]; seen {
			continue
		}
		if _, done := emitted[k]; done {
			continue
		}
		emitted[k] = struct{}{}
		o.forward.Discard(k)
	}
	return nil
}

// reconcile checksums one file and forwards it if it changed.
func (o *Observer) reconcile(ctx context.Context, k key.DispatchKey, file string, wasKnown bool, supplements []key.DispatchKey) {
	resource, ok := o.lookup(filepath.Dir(file))
	if !ok {
		o.logger.Debug("no checksum resource, file skipped",
			slog.String("key", k.String()),
			slog.String("path", file))
		return
	}

	type outcome struct {
		result checksum.Result
		err    error
	}
	resolved := make(chan outcome, 1)
	resource.ComputeChecksum(file, o.timeout, func(result checksum.Result, err error) {
		resolved <- outcome{result: result, err: err}
	})

	var out outcome
	select {
	case out = <-resolved:
	case <-ctx.Done():
		return
	}

	if out.err != nil {
		o.logger.Warn("checksum failed, file skipped",
			slog.String("key", k.String()),
			slog.String("path", file),
			slog.String("error", out.err.Error()))
		return
	}
	if !out.result.HasChanged() {
		return
	}

	if wasKnown {
		o.forward.Discard(k)
	}
	for _, pk := range supplements {
		o.forward.Supplement(k, pk)
	}
	o.forward.Modified(k, file)
}
