package watcher

import (
	"errors"
	"log/slog"
	"time"

	"github.com/adalundhe/rootwatch/core/watcher/checksum"
	"github.com/adalundhe/rootwatch/core/watcher/diff"
	"github.com/adalundhe/rootwatch/core/watcher/dispatch"
	"github.com/adalundhe/rootwatch/core/watcher/pending"
	"github.com/adalundhe/rootwatch/core/watcher/source"
	"github.com/adalundhe/rootwatch/core/watcher/tree"
)

// DefaultFileSystem names the local filesystem in restrictions.
const DefaultFileSystem dispatch.FileSystem = "local"

// ErrInvalidConfig indicates a configuration value is out of range.
var ErrInvalidConfig = errors.New("invalid watcher configuration")

// ChecksumConfig configures relocation reconciliation.
type ChecksumConfig struct {
	// Enabled turns on checksum tracking. Without it a relocation is
	// reported as a discard of the whole root followed by a full re-walk.
	Enabled bool

	// Timeout bounds one checksum computation. Default: 10s.
	Timeout time.Duration

	// CacheSize bounds the baselines kept per directory. Default: 100000.
	CacheSize int
}

// Config configures a Manager.
type Config struct {
	// FileSystem identifies the watched filesystem to listeners.
	// Default: "local".
	FileSystem dispatch.FileSystem

	// Opener creates the watch session. Default: fsnotify.
	Opener source.Opener

	// Sensitivity is the hint passed with every directory registration.
	Sensitivity source.Sensitivity

	// LockingWindow is the MODIFY suppression window after a CREATE.
	// Default: 50ms.
	LockingWindow time.Duration

	// Workers bounds concurrent listener and hook callbacks per phase.
	// Default: 8.
	Workers int

	// WalkWorkers bounds concurrent directory reads per walk. Default: 4.
	WalkWorkers int

	// Checksum configures relocation reconciliation.
	Checksum ChecksumConfig

	// Logger is shared by every component. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() Config {
	return Config{
		FileSystem:    DefaultFileSystem,
		Sensitivity:   source.SensitivityHigh,
		LockingWindow: pending.DefaultLockingWindow,
		Workers:       dispatch.DefaultWorkers,
		WalkWorkers:   tree.DefaultWalkWorkers,
		Checksum: ChecksumConfig{
			Enabled:   true,
			Timeout:   diff.DefaultChecksumTimeout,
			CacheSize: checksum.DefaultCacheSize,
		},
	}
}

// Validate checks for negative values.
func (c Config) Validate() error {
	var errs []error
	if c.LockingWindow < 0 {
		errs = append(errs, errors.New("locking window must not be negative"))
	}
	if c.Workers < 0 {
		errs = append(errs, errors.New("workers must not be negative"))
	}
	if c.WalkWorkers < 0 {
		errs = append(errs, errors.New("walk workers must not be negative"))
	}
	if c.Checksum.Timeout < 0 {
		errs = append(errs, errors.New("checksum timeout must not be negative"))
	}
	if c.Checksum.CacheSize < 0 {
		errs = append(errs, errors.New("checksum cache size must not be negative"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

func normalizeConfig(config Config) Config {
	if config.FileSystem == "" {
		config.FileSystem = DefaultFileSystem
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Checksum.Timeout <= 0 {
		config.Checksum.Timeout = diff.DefaultChecksumTimeout
	}
	return config
}
