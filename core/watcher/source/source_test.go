package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mapping
// =============================================================================

func TestMapFSNotifyOperation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		op   fsnotify.Op
		want Kind
	}{
		{"create", fsnotify.Create, Create},
		{"write", fsnotify.Write, Modify},
		{"remove", fsnotify.Remove, Delete},
		{"rename", fsnotify.Rename, Delete},
		{"chmod", fsnotify.Chmod, Modify},
		{"create wins over write", fsnotify.Create | fsnotify.Write, Create},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, mapFSNotifyOperation(tt.op))
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "create", Create.String())
	assert.Equal(t, "modify", Modify.String())
	assert.Equal(t, "delete", Delete.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestSensitivityCycles(t *testing.T) {
	assert.Equal(t, 1, SensitivityHigh.cycles())
	assert.Equal(t, 2, SensitivityMedium.cycles())
	assert.Equal(t, 4, SensitivityLow.cycles())
}

func TestHandleCancelOnce(t *testing.T) {
	calls := 0
	h := &handle{cancel: func() error {
		calls++
		return nil
	}}

	require.NoError(t, h.Cancel())
	require.NoError(t, h.Cancel())
	assert.Equal(t, 1, calls)
}

// =============================================================================
// Poll Session
// =============================================================================

func TestDiffListings(t *testing.T) {
	now := time.Now()
	previous := map[string]entryState{
		"kept.txt":    {size: 1, modTime: now},
		"changed.txt": {size: 1, modTime: now},
		"gone.txt":    {size: 1, modTime: now},
		"flip":        {isDir: true, modTime: now},
		"sub":         {isDir: true, modTime: now},
	}
	current := map[string]entryState{
		"kept.txt":    {size: 1, modTime: now},
		"changed.txt": {size: 2, modTime: now},
		"new.txt":     {size: 1, modTime: now},
		"flip":        {size: 3, modTime: now},
		"sub":         {isDir: true, modTime: now.Add(time.Second)},
	}

	events := diffListings("/d", previous, current)

	assert.Equal(t, []RawEvent{
		{Kind: Modify, Path: filepath.Join("/d", "changed.txt")},
		{Kind: Delete, Path: filepath.Join("/d", "flip")},
		{Kind: Create, Path: filepath.Join("/d", "flip")},
		{Kind: Delete, Path: filepath.Join("/d", "gone.txt")},
		{Kind: Create, Path: filepath.Join("/d", "new.txt")},
	}, events)
}

func TestPollConfig_Validate(t *testing.T) {
	cfg := PollConfig{Interval: -time.Second}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidInterval)

	_, err := NewPollSession(cfg)
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestPollSession_ReportsChanges(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.txt")
	require.NoError(t, os.WriteFile(existing, []byte("a"), 0o644))

	s, err := NewPollSession(PollConfig{Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()

	h, err := s.Register(dir, SensitivityHigh)
	require.NoError(t, err)
	defer h.Cancel()

	created := filepath.Join(dir, "created.txt")
	require.NoError(t, os.WriteFile(created, []byte("b"), 0o644))
	require.NoError(t, os.Remove(existing))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	seen := make(map[string]Kind)
	for len(seen) < 2 {
		event, err := s.Take(ctx)
		require.NoError(t, err)
		seen[event.Path] = event.Kind
	}

	assert.Equal(t, Create, seen[created])
	assert.Equal(t, Delete, seen[existing])
}

func TestPollSession_RegisterRejectsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	s, err := NewPollSession(PollConfig{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Register(file, SensitivityHigh)
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestPollSession_CancelStopsScanning(t *testing.T) {
	dir := t.TempDir()

	s, err := NewPollSession(PollConfig{Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()

	h, err := s.Register(dir, SensitivityHigh)
	require.NoError(t, err)
	require.NoError(t, h.Cancel())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.txt"), nil, 0o644))
	time.Sleep(50 * time.Millisecond)

	_, ok := s.Poll()
	assert.False(t, ok)
}

func TestPollSession_Close(t *testing.T) {
	s, err := NewPollSession(PollConfig{Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Register(t.TempDir(), SensitivityHigh)
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = s.Take(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

// =============================================================================
// FSNotify Session
// =============================================================================

func TestFSNotifySession_ReportsCreate(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFSNotifySession(FSNotifyConfig{})
	require.NoError(t, err)
	defer s.Close()

	h, err := s.Register(dir, SensitivityHigh)
	require.NoError(t, err)
	defer h.Cancel()

	file := filepath.Join(dir, "new.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	event, err := s.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, file, event.Path)
	assert.Equal(t, Create, event.Kind)
}

func TestFSNotifySession_SharedRegistration(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFSNotifySession(FSNotifyConfig{})
	require.NoError(t, err)
	defer s.Close()

	first, err := s.Register(dir, SensitivityHigh)
	require.NoError(t, err)
	second, err := s.Register(dir, SensitivityLow)
	require.NoError(t, err)

	require.NoError(t, first.Cancel())
	s.mu.Lock()
	assert.Equal(t, 1, s.refs[dir])
	s.mu.Unlock()

	require.NoError(t, second.Cancel())
	s.mu.Lock()
	assert.NotContains(t, s.refs, dir)
	s.mu.Unlock()
}

func TestFSNotifySession_Close(t *testing.T) {
	s, err := NewFSNotifySession(FSNotifyConfig{})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	_, err = s.Register(t.TempDir(), SensitivityHigh)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

// =============================================================================
// Backend Resolution
// =============================================================================

func TestOpenerFor(t *testing.T) {
	for _, name := range []string{BackendFSNotify, BackendNotify, BackendPoll, ""} {
		opener, err := OpenerFor(name, Options{PollInterval: time.Second})
		require.NoError(t, err, name)
		require.NotNil(t, opener, name)
	}

	_, err := OpenerFor("inotify2", Options{})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}
