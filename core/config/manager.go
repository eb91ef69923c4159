// Package config loads the rootwatch configuration from layered YAML files
// and ROOTWATCH_* environment variables, and converts it into a watcher
// configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adalundhe/rootwatch/core/watcher"
	"github.com/adalundhe/rootwatch/core/watcher/dispatch"
	"github.com/adalundhe/rootwatch/core/watcher/source"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidConfig indicates the loaded configuration failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownSensitivity indicates a sensitivity name other than high,
	// medium or low.
	ErrUnknownSensitivity = errors.New("unknown sensitivity")
)

// =============================================================================
// Schema
// =============================================================================

type Config struct {
	Backend       string         `yaml:"backend"`
	FileSystem    string         `yaml:"filesystem"`
	PollInterval  time.Duration  `yaml:"poll_interval"`
	Sensitivity   string         `yaml:"sensitivity"`
	LockingWindow time.Duration  `yaml:"locking_window"`
	Workers       int            `yaml:"workers"`
	WalkWorkers   int            `yaml:"walk_workers"`
	LogLevel      string         `yaml:"log_level"`
	Checksum      ChecksumConfig `yaml:"checksum"`
	Roots         []RootConfig   `yaml:"roots"`
}

type ChecksumConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size"`
}

type RootConfig struct {
	Key       string   `yaml:"key"`
	Path      string   `yaml:"path"`
	Blacklist []string `yaml:"blacklist"`
}

func DefaultConfig() *Config {
	return &Config{
		Backend:       source.BackendFSNotify,
		FileSystem:    string(watcher.DefaultFileSystem),
		PollInterval:  source.DefaultPollInterval,
		Sensitivity:   "high",
		LockingWindow: 50 * time.Millisecond,
		Workers:       8,
		WalkWorkers:   4,
		LogLevel:      "info",
		Checksum: ChecksumConfig{
			Enabled:   true,
			Timeout:   10 * time.Second,
			CacheSize: 100_000,
		},
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case source.BackendFSNotify, source.BackendNotify, source.BackendPoll:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", source.ErrUnknownBackend, c.Backend))
	}
	if _, err := parseSensitivity(c.Sensitivity); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.PollInterval < 0 {
		errs = append(errs, errors.New("poll_interval must not be negative"))
	}

	seen := make(map[string]bool, len(c.Roots))
	for i, root := range c.Roots {
		if root.Key == "" {
			errs = append(errs, fmt.Errorf("roots[%d]: key is required", i))
		} else if seen[root.Key] {
			errs = append(errs, fmt.Errorf("roots[%d]: duplicate key %q", i, root.Key))
		}
		seen[root.Key] = true
		if root.Path == "" {
			errs = append(errs, fmt.Errorf("roots[%d]: path is required", i))
		}
	}

	if err := c.watcherConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// watcherConfig converts the plain fields. The opener is left unset.
func (c *Config) watcherConfig() watcher.Config {
	sensitivity, _ := parseSensitivity(c.Sensitivity)
	return watcher.Config{
		FileSystem:    dispatch.FileSystem(c.FileSystem),
		Sensitivity:   sensitivity,
		LockingWindow: c.LockingWindow,
		Workers:       c.Workers,
		WalkWorkers:   c.WalkWorkers,
		Checksum: watcher.ChecksumConfig{
			Enabled:   c.Checksum.Enabled,
			Timeout:   c.Checksum.Timeout,
			CacheSize: c.Checksum.CacheSize,
		},
	}
}

// WatcherConfig builds the manager configuration, including the session
// opener for the configured backend.
func (c *Config) WatcherConfig(logger *slog.Logger) (watcher.Config, error) {
	if err := c.Validate(); err != nil {
		return watcher.Config{}, err
	}
	opener, err := source.OpenerFor(c.Backend, source.Options{
		PollInterval: c.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		return watcher.Config{}, err
	}

	config := c.watcherConfig()
	config.Opener = opener
	config.Logger = logger
	return config, nil
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func (c *Config) clone() *Config {
	out := *c
	out.Roots = make([]RootConfig, len(c.Roots))
	for i, root := range c.Roots {
		root.Blacklist = append([]string(nil), root.Blacklist...)
		out.Roots[i] = root
	}
	return &out
}

func parseSensitivity(s string) (source.Sensitivity, error) {
	switch strings.ToLower(s) {
	case "", "high":
		return source.SensitivityHigh, nil
	case "medium":
		return source.SensitivityMedium, nil
	case "low":
		return source.SensitivityLow, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSensitivity, s)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// =============================================================================
// Manager
// =============================================================================

// Manager holds the current configuration. Files are applied in order, so
// later files override earlier ones; missing files are skipped.
type Manager struct {
	current   atomic.Pointer[Config]
	paths     []string
	watchers  []func(*Config)
	watcherMu sync.RWMutex
	updateMu  sync.Mutex
	stopWatch chan struct{}
	watchOnce sync.Once
}

func NewManager(paths ...string) *Manager {
	m := &Manager{
		paths:     append([]string(nil), paths...),
		stopWatch: make(chan struct{}),
	}
	m.current.Store(DefaultConfig())
	return m
}

func (m *Manager) Get() *Config {
	return m.current.Load()
}

func (m *Manager) Load() error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	cfg := DefaultConfig()
	for _, path := range m.paths {
		if err := loadYAMLFile(path, cfg); err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
	}
	applyEnvironment(cfg)

	return m.storeLocked(cfg)
}

// Update applies fn to a copy of the current configuration and stores the
// result if it validates.
func (m *Manager) Update(fn func(*Config)) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	cfg := m.Get().clone()
	fn(cfg)
	return m.storeLocked(cfg)
}

func (m *Manager) storeLocked(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.current.Store(cfg)
	m.notifyWatchers(cfg)
	return nil
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func applyEnvironment(cfg *Config) {
	if v := os.Getenv("ROOTWATCH_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("ROOTWATCH_FILESYSTEM"); v != "" {
		cfg.FileSystem = v
	}
	if v := os.Getenv("ROOTWATCH_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv("ROOTWATCH_SENSITIVITY"); v != "" {
		cfg.Sensitivity = v
	}
	if v := os.Getenv("ROOTWATCH_LOCKING_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LockingWindow = d
		}
	}
	if v := os.Getenv("ROOTWATCH_WORKERS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("ROOTWATCH_WALK_WORKERS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.WalkWorkers = n
		}
	}
	if v := os.Getenv("ROOTWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ROOTWATCH_CHECKSUM_ENABLED"); v != "" {
		cfg.Checksum.Enabled = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("ROOTWATCH_CHECKSUM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Checksum.Timeout = d
		}
	}
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}

func (m *Manager) Close() error {
	m.watchOnce.Do(func() {
		close(m.stopWatch)
	})
	return nil
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
