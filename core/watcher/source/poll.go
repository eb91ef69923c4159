package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adalundhe/rootwatch/core/concurrency"
)

// =============================================================================
// Constants
// =============================================================================

// DefaultPollInterval is the default time between scan cycles.
const DefaultPollInterval = 2 * time.Second

// ErrInvalidInterval indicates the scan interval is invalid.
var ErrInvalidInterval = errors.New("interval must not be negative")

// =============================================================================
// Configuration
// =============================================================================

// PollConfig configures the polling session.
type PollConfig struct {
	// Interval is the time between scan cycles. Default: 2s.
	Interval time.Duration

	// Logger receives scan diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// Validate checks that the configuration is valid.
func (c *PollConfig) Validate() error {
	if c.Interval < 0 {
		return ErrInvalidInterval
	}
	return nil
}

// =============================================================================
// PollSession
// =============================================================================

// entryState is what a scan remembers about one directory entry.
type entryState struct {
	isDir   bool
	size    int64
	modTime time.Time
}

// polledDir is one registered directory.
type polledDir struct {
	refs        int
	sensitivity Sensitivity
	entries     map[string]entryState
}

// PollSession is a Session that detects changes by periodically listing
// registered directories and diffing the listings. It works on filesystems
// where kernel notifications are unavailable (network mounts, some container
// volumes).
type PollSession struct {
	config PollConfig
	events *concurrency.UnboundedChannel[RawEvent]

	mu     sync.Mutex
	dirs   map[string]*polledDir
	cycle  int
	closed bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPollSession creates a session and starts its scan loop.
func NewPollSession(config PollConfig) (*PollSession, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Interval == 0 {
		config.Interval = DefaultPollInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &PollSession{
		config: config,
		events: concurrency.NewUnboundedChannel[RawEvent](),
		dirs:   make(map[string]*polledDir),
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.scanLoop()
	return s, nil
}

// PollOpener returns an Opener for polling sessions.
func PollOpener(config PollConfig) Opener {
	return func() (Session, error) {
		return NewPollSession(config)
	}
}

// =============================================================================
// Registration
// =============================================================================

// Register snapshots dir so that only later changes are reported.
func (s *PollSession) Register(dir string, sensitivity Sensitivity) (Handle, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch %s: %w", dir, ErrNotDirectory)
	}

	entries, err := listDir(dir)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if existing, ok := s.dirs[dir]; ok {
		existing.refs++
		if sensitivity < existing.sensitivity {
			existing.sensitivity = sensitivity
		}
	} else {
		s.dirs[dir] = &polledDir{refs: 1, sensitivity: sensitivity, entries: entries}
	}

	return &handle{cancel: func() error { return s.release(dir) }}, nil
}

func (s *PollSession) release(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dirs[dir]
	if !ok {
		return nil
	}
	d.refs--
	if d.refs <= 0 {
		delete(s.dirs, dir)
	}
	return nil
}

// =============================================================================
// Scanning
// =============================================================================

// scanLoop runs the periodic scanning cycle.
func (s *PollSession) scanLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.performScan()
		}
	}
}

// performScan rescans every directory due in this cycle.
func (s *PollSession) performScan() {
	s.mu.Lock()
	s.cycle++
	cycle := s.cycle
	due := make([]string, 0, len(s.dirs))
	for dir, d := range s.dirs {
		if cycle%d.sensitivity.cycles() == 0 {
			due = append(due, dir)
		}
	}
	s.mu.Unlock()

	sort.Strings(due)
	for _, dir := range due {
		s.scanDir(dir)
	}
}

// scanDir diffs the current listing of dir against the previous one.
func (s *PollSession) scanDir(dir string) {
	current, err := listDir(dir)
	if err != nil && !os.IsNotExist(err) {
		s.config.Logger.Warn("poll scan failed",
			slog.String("path", dir),
			slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	d, ok := s.dirs[dir]
	if !ok {
		s.mu.Unlock()
		return
	}
	previous := d.entries
	d.entries = current
	s.mu.Unlock()

	now := time.Now()
	for _, event := range diffListings(dir, previous, current) {
		event.Time = now
		_ = s.events.Send(event)
	}
}

// diffListings compares two listings of dir. Events are ordered by name so
// scans are deterministic.
func diffListings(dir string, previous, current map[string]entryState) []RawEvent {
	names := make([]string, 0, len(previous)+len(current))
	for name := range previous {
		names = append(names, name)
	}
	for name := range current {
		if _, ok := previous[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var events []RawEvent
	for _, name := range names {
		before, had := previous[name]
		after, has := current[name]
		path := filepath.Join(dir, name)

		switch {
		case had && !has:
			events = append(events, RawEvent{Kind: Delete, Path: path})
		case !had && has:
			events = append(events, RawEvent{Kind: Create, Path: path})
		case before.isDir != after.isDir:
			events = append(events,
				RawEvent{Kind: Delete, Path: path},
				RawEvent{Kind: Create, Path: path})
		case !after.isDir && (before.size != after.size || !before.modTime.Equal(after.modTime)):
			events = append(events, RawEvent{Kind: Modify, Path: path})
		}
	}
	return events
}

// listDir reads the direct children of dir.
func listDir(dir string) (map[string]entryState, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return map[string]entryState{}, err
	}

	listing := make(map[string]entryState, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // Removed between ReadDir and Info
		}
		listing[entry.Name()] = entryState{
			isDir:   entry.IsDir(),
			size:    info.Size(),
			modTime: info.ModTime(),
		}
	}
	return listing, nil
}

// =============================================================================
// Consumption
// =============================================================================

// Poll returns the next queued event without blocking.
func (s *PollSession) Poll() (RawEvent, bool) {
	return s.events.TryReceive()
}

// Take blocks for the next event.
func (s *PollSession) Take(ctx context.Context) (RawEvent, error) {
	event, err := s.events.Receive(ctx)
	if errors.Is(err, concurrency.ErrChannelClosed) {
		return RawEvent{}, ErrSessionClosed
	}
	return event, err
}

// Close stops scanning. Safe to call multiple times.
func (s *PollSession) Close() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.dirs = make(map[string]*polledDir)
		s.mu.Unlock()

		close(s.stopCh)
		s.wg.Wait()
		s.events.Close()
	})
	return nil
}
