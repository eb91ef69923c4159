// Package source provides the low-level watch primitives consumed by the
// directory tree: a per-filesystem session that reports create, modify, and
// delete events for individually registered directories.
package source

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrSessionClosed indicates the session has been closed.
	ErrSessionClosed = errors.New("watch session is closed")

	// ErrNotDirectory indicates a registration target is not a directory.
	ErrNotDirectory = errors.New("watch target is not a directory")

	// ErrUnknownBackend indicates a backend name could not be resolved.
	ErrUnknownBackend = errors.New("unknown watch backend")
)

// =============================================================================
// Kind
// =============================================================================

// Kind is the type of change reported by a session.
type Kind int

const (
	// Create indicates a file or directory appeared.
	Create Kind = iota

	// Modify indicates file content or metadata changed.
	Modify

	// Delete indicates a file or directory disappeared, including the old
	// name of a rename.
	Delete
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// =============================================================================
// Sensitivity
// =============================================================================

// Sensitivity hints how quickly changes in a directory should be noticed.
// Event-driven backends ignore it; the polling backend scans less sensitive
// directories less often.
type Sensitivity int

const (
	// SensitivityHigh scans on every poll cycle.
	SensitivityHigh Sensitivity = iota

	// SensitivityMedium scans every second poll cycle.
	SensitivityMedium

	// SensitivityLow scans every fourth poll cycle.
	SensitivityLow
)

// cycles returns how many poll intervals pass between scans.
func (s Sensitivity) cycles() int {
	switch s {
	case SensitivityMedium:
		return 2
	case SensitivityLow:
		return 4
	default:
		return 1
	}
}

// =============================================================================
// RawEvent
// =============================================================================

// RawEvent is a single change reported for an absolute path.
type RawEvent struct {
	// Kind is the type of change.
	Kind Kind

	// Path is the absolute path of the changed entry.
	Path string

	// Time is when the session observed the change.
	Time time.Time
}

// =============================================================================
// Session
// =============================================================================

// Handle cancels a single directory registration.
type Handle interface {
	// Cancel stops watching the directory. Calling it more than once is a
	// no-op.
	Cancel() error
}

// Session is a watch session on one filesystem. Directories are registered
// individually; a registration only reports changes to the directory's
// direct children.
type Session interface {
	// Register starts watching dir.
	Register(dir string, sensitivity Sensitivity) (Handle, error)

	// Poll returns the next pending event without blocking.
	Poll() (RawEvent, bool)

	// Take blocks until an event is available, ctx is done, or the session
	// is closed (ErrSessionClosed).
	Take(ctx context.Context) (RawEvent, error)

	// Close releases every registration and the underlying resources.
	Close() error
}

// Opener creates a new session. The watcher opens a session lazily when the
// first root is added and releases it when the last root goes away.
type Opener func() (Session, error)
