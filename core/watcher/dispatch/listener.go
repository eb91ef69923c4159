package dispatch

import (
	"github.com/adalundhe/rootwatch/core/watcher/key"
)

// FileSystem identifies the filesystem a batch of events comes from.
// Restrictions are built once per listener per filesystem.
type FileSystem string

// =============================================================================
// Listener
// =============================================================================

// Listener receives change notifications.
type Listener interface {
	// Restrict configures what the listener receives from fs. It is called
	// once per filesystem. A listener that configures nothing receives
	// nothing.
	Restrict(b *RestrictionBuilder, fs FileSystem) error

	// Modified is called when a file was created or changed. A returned
	// error is logged; retrying is up to the listener, e.g. via e.Replay.
	Modified(e *Event) error

	// Discard is called when the file or directory named by k is gone.
	Discard(k key.DispatchKey) error
}

// Supplementer is implemented by listeners that want to know when a key is
// also reachable through another, already known key. It happens when two
// watched roots overlap on disk.
type Supplementer interface {
	Supplement(k, parentKey key.DispatchKey) error
}

// ListenerFuncs builds a Listener from optional functions. A nil
// RestrictFunc accepts nothing.
type ListenerFuncs struct {
	RestrictFunc   func(b *RestrictionBuilder, fs FileSystem) error
	ModifiedFunc   func(e *Event) error
	DiscardFunc    func(k key.DispatchKey) error
	SupplementFunc func(k, parentKey key.DispatchKey) error
}

// Restrict calls RestrictFunc.
func (l ListenerFuncs) Restrict(b *RestrictionBuilder, fs FileSystem) error {
	if l.RestrictFunc == nil {
		return nil
	}
	return l.RestrictFunc(b, fs)
}

// Modified calls ModifiedFunc.
func (l ListenerFuncs) Modified(e *Event) error {
	if l.ModifiedFunc == nil {
		return nil
	}
	return l.ModifiedFunc(e)
}

// Discard calls DiscardFunc.
func (l ListenerFuncs) Discard(k key.DispatchKey) error {
	if l.DiscardFunc == nil {
		return nil
	}
	return l.DiscardFunc(k)
}

// Supplement calls SupplementFunc.
func (l ListenerFuncs) Supplement(k, parentKey key.DispatchKey) error {
	if l.SupplementFunc == nil {
		return nil
	}
	return l.SupplementFunc(k, parentKey)
}

// =============================================================================
// Hooks
// =============================================================================

// Hook is a lifecycle callback run once per dispatch batch, before and after
// the listeners, regardless of which listeners accepted the batch.
type Hook interface {
	Before(k key.DispatchKey) error
	After(k key.DispatchKey) error
}

// ModifyHook refines Hook for modified batches. When a hook does not
// implement it, Before and After are used.
type ModifyHook interface {
	BeforeModify(k key.DispatchKey, file string) error
	AfterModify(k key.DispatchKey, file string) error
}

// DiscardHook refines Hook for discard batches. When a hook does not
// implement it, Before and After are used.
type DiscardHook interface {
	BeforeDiscard(k key.DispatchKey) error
	AfterDiscard(k key.DispatchKey) error
}

// HookFuncs builds a Hook from optional functions. The specific functions
// fall back to BeforeFunc and AfterFunc.
type HookFuncs struct {
	BeforeFunc        func(k key.DispatchKey) error
	AfterFunc         func(k key.DispatchKey) error
	BeforeModifyFunc  func(k key.DispatchKey, file string) error
	AfterModifyFunc   func(k key.DispatchKey, file string) error
	BeforeDiscardFunc func(k key.DispatchKey) error
	AfterDiscardFunc  func(k key.DispatchKey) error
}

// Before calls BeforeFunc.
func (h HookFuncs) Before(k key.DispatchKey) error {
	if h.BeforeFunc == nil {
		return nil
	}
	return h.BeforeFunc(k)
}

// After calls AfterFunc.
func (h HookFuncs) After(k key.DispatchKey) error {
	if h.AfterFunc == nil {
		return nil
	}
	return h.AfterFunc(k)
}

// BeforeModify calls BeforeModifyFunc, falling back to Before.
func (h HookFuncs) BeforeModify(k key.DispatchKey, file string) error {
	if h.BeforeModifyFunc == nil {
		return h.Before(k)
	}
	return h.BeforeModifyFunc(k, file)
}

// AfterModify calls AfterModifyFunc, falling back to After.
func (h HookFuncs) AfterModify(k key.DispatchKey, file string) error {
	if h.AfterModifyFunc == nil {
		return h.After(k)
	}
	return h.AfterModifyFunc(k, file)
}

// BeforeDiscard calls BeforeDiscardFunc, falling back to Before.
func (h HookFuncs) BeforeDiscard(k key.DispatchKey) error {
	if h.BeforeDiscardFunc == nil {
		return h.Before(k)
	}
	return h.BeforeDiscardFunc(k)
}

// AfterDiscard calls AfterDiscardFunc, falling back to After.
func (h HookFuncs) AfterDiscard(k key.DispatchKey) error {
	if h.AfterDiscardFunc == nil {
		return h.After(k)
	}
	return h.AfterDiscardFunc(k)
}

// before runs the phase-specific before callback of h.
func before(h Hook, b *batch) error {
	switch b.kind {
	case modifyBatch:
		if mh, ok := h.(ModifyHook); ok {
			return mh.BeforeModify(b.key, b.file)
		}
	case discardBatch:
		if dh, ok := h.(DiscardHook); ok {
			return dh.BeforeDiscard(b.key)
		}
	}
	return h.Before(b.key)
}

// after runs the phase-specific after callback of h.
func after(h Hook, b *batch) error {
	switch b.kind {
	case modifyBatch:
		if mh, ok := h.(ModifyHook); ok {
			return mh.AfterModify(b.key, b.file)
		}
	case discardBatch:
		if dh, ok := h.(DiscardHook); ok {
			return dh.AfterDiscard(b.key)
		}
	}
	return h.After(b.key)
}
