package tree

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/adalundhe/rootwatch/core/watcher/key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistration_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewRegistration("", "/tmp")
	assert.ErrorIs(t, err, key.ErrNilDirectoryKey)

	_, err = NewRegistration("K", "relative/root")
	assert.ErrorIs(t, err, ErrRelativeRoot)

	_, err = NewRegistration("K", "/tmp", "[unterminated", "{also")
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestRegistration_Blacklist(t *testing.T) {
	t.Parallel()

	root := filepath.FromSlash("/srv/project")
	reg, err := NewRegistration("K", root, "*.tmp", "build")
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"top level match", "x.tmp", true},
		{"star stops at separator", "dir/x.tmp", false},
		{"directory name", "build", true},
		{"plain file", "main.go", false},
		{"root itself", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			abs := filepath.Join(root, filepath.FromSlash(tt.path))
			assert.Equal(t, tt.want, reg.IsBlacklisted(abs))
		})
	}

	assert.False(t, reg.IsBlacklisted(filepath.FromSlash("/elsewhere/x.tmp")))
}

func TestRegistration_AddRemovePattern(t *testing.T) {
	root := filepath.FromSlash("/srv/project")
	reg, err := NewRegistration("K", root)
	require.NoError(t, err)

	target := filepath.Join(root, "a", "b.log")
	assert.False(t, reg.IsBlacklisted(target))

	require.NoError(t, reg.AddPattern("**.log"))
	require.NoError(t, reg.AddPattern("**.log"))
	assert.Equal(t, []string{"**.log"}, reg.Patterns())
	assert.True(t, reg.IsBlacklisted(target))

	assert.True(t, reg.RemovePattern("**.log"))
	assert.False(t, reg.RemovePattern("**.log"))
	assert.False(t, reg.IsBlacklisted(target))

	assert.ErrorIs(t, reg.AddPattern("[bad"), ErrInvalidPattern)
}

func TestRegistration_KeyFor(t *testing.T) {
	root := filepath.FromSlash("/srv/project")
	reg, err := NewRegistration("K", root)
	require.NoError(t, err)

	k, ok := reg.KeyFor(filepath.Join(root, "a", "b.txt"))
	require.True(t, ok)
	assert.Equal(t, key.Must("K", "a/b.txt"), k)

	k, ok = reg.KeyFor(root)
	require.True(t, ok)
	assert.True(t, k.IsRoot())

	_, ok = reg.KeyFor(filepath.FromSlash("/srv/projectile/x"))
	assert.False(t, ok)
}

func TestRegistration_RelocateKeepsKeys(t *testing.T) {
	oldRoot := filepath.FromSlash("/srv/old")
	newRoot := filepath.FromSlash("/mnt/new")
	reg, err := NewRegistration("K", oldRoot, "*.tmp")
	require.NoError(t, err)

	before, ok := reg.KeyFor(filepath.Join(oldRoot, "dir", "f.txt"))
	require.True(t, ok)

	var calls [][2]string
	reg.AddObserver(RelocationObserverFunc(func(_ *Registration, from, to string) error {
		calls = append(calls, [2]string{from, to})
		return nil
	}))

	require.NoError(t, reg.Relocate(newRoot))
	require.NoError(t, reg.Relocate(newRoot))

	after, ok := reg.KeyFor(filepath.Join(newRoot, "dir", "f.txt"))
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, [][2]string{{oldRoot, newRoot}}, calls)
	assert.True(t, reg.IsBlacklisted(filepath.Join(newRoot, "x.tmp")))
	assert.False(t, reg.IsBlacklisted(filepath.Join(oldRoot, "x.tmp")))

	assert.ErrorIs(t, reg.Relocate("relative"), ErrRelativeRoot)
}

func TestRegistration_RelocateRollsBack(t *testing.T) {
	oldRoot := filepath.FromSlash("/srv/old")
	newRoot := filepath.FromSlash("/mnt/new")
	reg, err := NewRegistration("K", oldRoot, "*.tmp")
	require.NoError(t, err)

	var first, third [][2]string
	reg.AddObserver(RelocationObserverFunc(func(_ *Registration, from, to string) error {
		first = append(first, [2]string{from, to})
		return nil
	}))
	boom := errors.New("disk full")
	reg.AddObserver(RelocationObserverFunc(func(*Registration, string, string) error {
		return boom
	}))
	reg.AddObserver(RelocationObserverFunc(func(_ *Registration, from, to string) error {
		third = append(third, [2]string{from, to})
		return nil
	}))

	err = reg.Relocate(newRoot)
	assert.ErrorIs(t, err, ErrRelocationRejected)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, oldRoot, reg.Root())
	assert.True(t, reg.IsBlacklisted(filepath.Join(oldRoot, "x.tmp")))
	assert.Equal(t, [][2]string{{oldRoot, newRoot}, {newRoot, oldRoot}}, first)
	assert.Empty(t, third)
}

func TestRegistration_RollbackKeepsPatternsAligned(t *testing.T) {
	oldRoot := filepath.FromSlash("/srv/old")
	reg, err := NewRegistration("K", oldRoot, "*.tmp")
	require.NoError(t, err)

	reg.AddObserver(RelocationObserverFunc(func(r *Registration, _, _ string) error {
		require.NoError(t, r.AddPattern("*.log"))
		return errors.New("refused")
	}))

	err = reg.Relocate(filepath.FromSlash("/mnt/new"))
	require.ErrorIs(t, err, ErrRelocationRejected)

	assert.Equal(t, []string{"*.tmp", "*.log"}, reg.Patterns())
	assert.True(t, reg.IsBlacklisted(filepath.Join(oldRoot, "x.tmp")))
	assert.True(t, reg.IsBlacklisted(filepath.Join(oldRoot, "x.log")))

	assert.True(t, reg.RemovePattern("*.tmp"))
	assert.False(t, reg.IsBlacklisted(filepath.Join(oldRoot, "x.tmp")))
	assert.True(t, reg.IsBlacklisted(filepath.Join(oldRoot, "x.log")))
}
