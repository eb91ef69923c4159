package source

import (
	"fmt"
	"log/slog"
	"time"
)

// Backend names accepted by OpenerFor.
const (
	BackendFSNotify = "fsnotify"
	BackendNotify   = "notify"
	BackendPoll     = "poll"
)

// Options are the settings shared by every backend.
type Options struct {
	// PollInterval is used by the poll backend only.
	PollInterval time.Duration

	Logger *slog.Logger
}

// OpenerFor resolves a backend name. The empty name selects fsnotify.
func OpenerFor(name string, opts Options) (Opener, error) {
	switch name {
	case "", BackendFSNotify:
		return FSNotifyOpener(FSNotifyConfig{Logger: opts.Logger}), nil
	case BackendNotify:
		return NotifyOpener(NotifyConfig{Logger: opts.Logger}), nil
	case BackendPoll:
		return PollOpener(PollConfig{Interval: opts.PollInterval, Logger: opts.Logger}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}
