package tree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/adalundhe/rootwatch/core/watcher/key"
	"github.com/adalundhe/rootwatch/core/watcher/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeSession struct {
	mu       sync.Mutex
	active   map[string]int
	failures map[string]bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{active: make(map[string]int), failures: make(map[string]bool)}
}

func (s *fakeSession) Register(dir string, _ source.Sensitivity) (source.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[dir] {
		return nil, errors.New("register refused")
	}
	s.active[dir]++
	return &fakeHandle{session: s, dir: dir}, nil
}

func (s *fakeSession) Poll() (source.RawEvent, bool)                    { return source.RawEvent{}, false }
func (s *fakeSession) Take(ctx context.Context) (source.RawEvent, error) { <-ctx.Done(); return source.RawEvent{}, ctx.Err() }
func (s *fakeSession) Close() error                                      { return nil }

func (s *fakeSession) watched(dir string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[dir] > 0
}

func (s *fakeSession) fail(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[dir] = true
}

type fakeHandle struct {
	once    sync.Once
	session *fakeSession
	dir     string
}

func (h *fakeHandle) Cancel() error {
	h.once.Do(func() {
		h.session.mu.Lock()
		h.session.active[h.dir]--
		if h.session.active[h.dir] == 0 {
			delete(h.session.active, h.dir)
		}
		h.session.mu.Unlock()
	})
	return nil
}

type collector struct {
	mu    sync.Mutex
	files []File
}

func (c *collector) handle(f File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = append(c.files, f)
}

func (c *collector) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.files))
	for _, f := range c.files {
		out = append(out, f.Key.String())
	}
	sort.Strings(out)
	return out
}

func (c *collector) find(k key.DispatchKey) (File, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.files {
		if f.Key == k {
			return f, true
		}
	}
	return File{}, false
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(path), 0o644))
}

func wait(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("walk did not finish")
	}
}

func newTree(t *testing.T) (*Tree, *fakeSession) {
	t.Helper()
	tr := New(DefaultConfig())
	session := newFakeSession()
	tr.Attach(session)
	return tr, session
}

// =============================================================================
// Roots
// =============================================================================

func TestTree_RootAddedWalksExistingContent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"))
	writeFile(t, filepath.Join(root, "sub", "b.txt"))
	writeFile(t, filepath.Join(root, "sub", "deep", "c.txt"))

	tr, session := newTree(t)
	reg, err := NewRegistration("K1", root)
	require.NoError(t, err)

	c := &collector{}
	done, err := tr.RootAdded(reg, c.handle)
	require.NoError(t, err)
	wait(t, done)

	assert.Equal(t, []string{"K1:a.txt", "K1:sub/b.txt", "K1:sub/deep/c.txt"}, c.keys())
	assert.Equal(t, 3, tr.Len())
	assert.True(t, session.watched(root))
	assert.True(t, session.watched(filepath.Join(root, "sub", "deep")))

	node := tr.GetDirectory(filepath.Join(root, "sub", "deep"))
	require.NotNil(t, node)
	assert.Same(t, reg, node.Registration())
	assert.False(t, node.IsRoot())
	assert.Equal(t, filepath.Join(root, "sub"), node.Parent().Path())
}

func TestTree_RootAddedIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"))

	tr, _ := newTree(t)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg, err := NewRegistration("K1", root)
			if err != nil {
				results <- err
				return
			}
			done, err := tr.RootAdded(reg, func(File) {})
			if err == nil {
				<-done
			}
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	for err := range results {
		assert.NoError(t, err)
	}
	assert.Len(t, tr.Roots(), 1)
	assert.Equal(t, 1, tr.Len())
}

func TestTree_RootAddedConflicts(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	tr, _ := newTree(t)

	reg, err := NewRegistration("K1", root)
	require.NoError(t, err)
	done, err := tr.RootAdded(reg, func(File) {})
	require.NoError(t, err)
	wait(t, done)

	clash, err := NewRegistration("K2", root)
	require.NoError(t, err)
	_, err = tr.RootAdded(clash, func(File) {})
	assert.ErrorIs(t, err, ErrRootConflict)

	dup, err := NewRegistration("K1", other)
	require.NoError(t, err)
	_, err = tr.RootAdded(dup, func(File) {})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestTree_RootAddedWithoutSession(t *testing.T) {
	tr := New(Config{})
	reg, err := NewRegistration("K1", t.TempDir())
	require.NoError(t, err)

	_, err = tr.RootAdded(reg, func(File) {})
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Empty(t, tr.Roots())
}

func TestTree_NestedRootResolvesParentKeys(t *testing.T) {
	outer := t.TempDir()
	inner := filepath.Join(outer, "B")
	writeFile(t, filepath.Join(inner, "C", "foo"))

	tr, _ := newTree(t)

	r1, err := NewRegistration("K1", outer)
	require.NoError(t, err)
	first := &collector{}
	done, err := tr.RootAdded(r1, first.handle)
	require.NoError(t, err)
	wait(t, done)
	assert.Equal(t, []string{"K1:B/C/foo"}, first.keys())

	r2, err := NewRegistration("K2", inner)
	require.NoError(t, err)
	second := &collector{}
	done, err = tr.RootAdded(r2, second.handle)
	require.NoError(t, err)
	wait(t, done)

	f, ok := second.find(key.Must("K2", "C/foo"))
	require.True(t, ok)
	assert.Equal(t, []key.DispatchKey{key.Must("K1", "B/C/foo")}, f.ParentKeys)

	node := tr.GetDirectory(inner)
	require.NotNil(t, node)
	assert.True(t, node.IsRoot())
	assert.Same(t, r2, tr.Owner(filepath.Join(inner, "C", "foo")))

	// Removing the nested root demotes it back to a branch of K1.
	empty, err := tr.RootRemoved("K2")
	require.NoError(t, err)
	assert.False(t, empty)
	require.NotNil(t, tr.GetDirectory(inner))
	assert.False(t, tr.GetDirectory(inner).IsRoot())

	k, parents, ok := tr.Resolve(filepath.Join(inner, "C", "foo"))
	require.True(t, ok)
	assert.Equal(t, key.Must("K1", "B/C/foo"), k)
	assert.Empty(t, parents)
}

func TestTree_ResolveOutsideRoots(t *testing.T) {
	tr, _ := newTree(t)
	_, _, ok := tr.Resolve("/definitely/not/watched")
	assert.False(t, ok)
	assert.Nil(t, tr.Owner("/definitely/not/watched"))
}

// =============================================================================
// Deletion
// =============================================================================

func TestTree_DirectoryDeletedCancelsDescendants(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "x", "y", "z", "f.txt"))
	writeFile(t, filepath.Join(root, "keep", "g.txt"))

	tr, session := newTree(t)
	reg, err := NewRegistration("K1", root)
	require.NoError(t, err)
	done, err := tr.RootAdded(reg, func(File) {})
	require.NoError(t, err)
	wait(t, done)
	require.Equal(t, 5, tr.Len())

	removed := []string{
		filepath.Join(root, "x"),
		filepath.Join(root, "x", "y"),
		filepath.Join(root, "x", "y", "z"),
	}

	empty := tr.DirectoryDeleted(filepath.Join(root, "x"))
	assert.False(t, empty)
	for _, dir := range removed {
		assert.Nil(t, tr.GetDirectory(dir), dir)
		assert.False(t, session.watched(dir), dir)
	}
	assert.NotNil(t, tr.GetDirectory(filepath.Join(root, "keep")))
	assert.NotNil(t, tr.GetDirectory(root))

	empty = tr.DirectoryDeleted(root)
	assert.True(t, empty)
	assert.Empty(t, tr.Roots())
	assert.Nil(t, tr.GetDirectory(filepath.Join(root, "keep")))
	assert.False(t, session.watched(root))
}

func TestTree_DirectoryDeletedRespectsSegmentBoundaries(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ab"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "abc"), 0o755))

	tr, _ := newTree(t)
	reg, err := NewRegistration("K1", root)
	require.NoError(t, err)
	done, err := tr.RootAdded(reg, func(File) {})
	require.NoError(t, err)
	wait(t, done)

	tr.DirectoryDeleted(filepath.Join(root, "ab"))
	assert.Nil(t, tr.GetDirectory(filepath.Join(root, "ab")))
	assert.NotNil(t, tr.GetDirectory(filepath.Join(root, "abc")))
}

func TestTree_RootRemoved(t *testing.T) {
	tr, session := newTree(t)
	root := t.TempDir()
	reg, err := NewRegistration("K1", root)
	require.NoError(t, err)
	done, err := tr.RootAdded(reg, func(File) {})
	require.NoError(t, err)
	wait(t, done)

	empty, err := tr.RootRemoved("K1")
	require.NoError(t, err)
	assert.True(t, empty)
	assert.False(t, session.watched(root))

	_, err = tr.RootRemoved("K1")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestTree_RootRemovedKeepsNestedRoot(t *testing.T) {
	outer := t.TempDir()
	inner := filepath.Join(outer, "B")
	writeFile(t, filepath.Join(outer, "other", "o.txt"))
	writeFile(t, filepath.Join(inner, "C", "foo"))

	tr, session := newTree(t)
	r1, err := NewRegistration("K1", outer)
	require.NoError(t, err)
	done, err := tr.RootAdded(r1, func(File) {})
	require.NoError(t, err)
	wait(t, done)

	r2, err := NewRegistration("K2", inner)
	require.NoError(t, err)
	done, err = tr.RootAdded(r2, func(File) {})
	require.NoError(t, err)
	wait(t, done)

	empty, err := tr.RootRemoved("K1")
	require.NoError(t, err)
	assert.False(t, empty)

	assert.Nil(t, tr.GetDirectory(outer))
	assert.Nil(t, tr.GetDirectory(filepath.Join(outer, "other")))
	assert.False(t, session.watched(outer))
	assert.False(t, session.watched(filepath.Join(outer, "other")))

	reg, ok := tr.Registration("K2")
	require.True(t, ok)
	assert.Same(t, r2, reg)

	node := tr.GetDirectory(inner)
	require.NotNil(t, node)
	assert.True(t, node.IsRoot())
	assert.Nil(t, node.Parent())
	assert.True(t, session.watched(inner))

	deep := tr.GetDirectory(filepath.Join(inner, "C"))
	require.NotNil(t, deep)
	assert.Same(t, r2, deep.Registration())
	assert.True(t, session.watched(filepath.Join(inner, "C")))

	k, parents, ok := tr.Resolve(filepath.Join(inner, "C", "foo"))
	require.True(t, ok)
	assert.Equal(t, key.Must("K2", "C/foo"), k)
	assert.Empty(t, parents)

	empty, err = tr.RootRemoved("K2")
	require.NoError(t, err)
	assert.True(t, empty)
	assert.False(t, session.watched(inner))
}

// =============================================================================
// Discovery
// =============================================================================

func TestTree_DirectoryCreatedWalksNewContent(t *testing.T) {
	root := t.TempDir()
	tr, _ := newTree(t)
	reg, err := NewRegistration("K1", root)
	require.NoError(t, err)
	done, err := tr.RootAdded(reg, func(File) {})
	require.NoError(t, err)
	wait(t, done)

	writeFile(t, filepath.Join(root, "new", "inner", "f.txt"))

	c := &collector{}
	wait(t, tr.DirectoryCreated(filepath.Join(root, "new"), c.handle))

	assert.Equal(t, []string{"K1:new/inner/f.txt"}, c.keys())
	assert.NotNil(t, tr.GetDirectory(filepath.Join(root, "new", "inner")))
}

func TestTree_DirectoryCreatedOutsideTree(t *testing.T) {
	tr, _ := newTree(t)
	c := &collector{}
	wait(t, tr.DirectoryCreated(filepath.Join(t.TempDir(), "orphan"), c.handle))
	assert.Empty(t, c.keys())
	assert.Equal(t, 0, tr.Len())
}

func TestTree_WalkSkipsBlacklisted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.txt"))
	writeFile(t, filepath.Join(root, "skip.tmp"))
	writeFile(t, filepath.Join(root, "node_modules", "pkg", "index.js"))

	tr, _ := newTree(t)
	reg, err := NewRegistration("K1", root, "*.tmp", "node_modules")
	require.NoError(t, err)

	c := &collector{}
	done, err := tr.RootAdded(reg, c.handle)
	require.NoError(t, err)
	wait(t, done)

	assert.Equal(t, []string{"K1:keep.txt"}, c.keys())
	assert.Nil(t, tr.GetDirectory(filepath.Join(root, "node_modules")))

	c2 := &collector{}
	wait(t, tr.DirectoryCreated(filepath.Join(root, "node_modules"), c2.handle))
	assert.Empty(t, c2.keys())
}

func TestTree_WalkToleratesRegistrationFailure(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bad", "f.txt"))
	writeFile(t, filepath.Join(root, "good", "g.txt"))

	tr, session := newTree(t)
	session.fail(filepath.Join(root, "bad"))
	reg, err := NewRegistration("K1", root)
	require.NoError(t, err)

	c := &collector{}
	done, err := tr.RootAdded(reg, c.handle)
	require.NoError(t, err)
	wait(t, done)

	assert.Equal(t, []string{"K1:good/g.txt"}, c.keys())
	assert.Nil(t, tr.GetDirectory(filepath.Join(root, "bad")))
}

func TestTree_Snapshot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"))
	writeFile(t, filepath.Join(root, "d", "b.txt"))
	writeFile(t, filepath.Join(root, "d", "c.log"))

	tr, _ := newTree(t)
	reg, err := NewRegistration("K1", root, "*.log")
	require.NoError(t, err)

	keys, err := tr.Snapshot(reg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []key.DispatchKey{
		key.Must("K1", "a.txt"),
		key.Must("K1", "d/b.txt"),
	}, keys)
	assert.Equal(t, 0, tr.Len())

	gone, err := NewRegistration("K2", filepath.Join(root, "missing"))
	require.NoError(t, err)
	_, err = tr.Snapshot(gone)
	assert.Error(t, err)
}

// =============================================================================
// Relocation
// =============================================================================

func TestTree_RelocatedRebuildsUnderNewRoot(t *testing.T) {
	base := t.TempDir()
	oldRoot := filepath.Join(base, "old")
	newRoot := filepath.Join(base, "new")
	writeFile(t, filepath.Join(oldRoot, "d", "f.txt"))

	tr, session := newTree(t)
	reg, err := NewRegistration("K1", oldRoot)
	require.NoError(t, err)
	reg.AddObserver(tr)
	done, err := tr.RootAdded(reg, func(File) {})
	require.NoError(t, err)
	wait(t, done)

	require.NoError(t, os.Rename(oldRoot, newRoot))
	require.NoError(t, reg.Relocate(newRoot))

	assert.Equal(t, newRoot, reg.Root())
	assert.Nil(t, tr.GetDirectory(oldRoot))
	assert.False(t, session.watched(filepath.Join(oldRoot, "d")))
	require.NotNil(t, tr.GetDirectory(newRoot))

	c := &collector{}
	tr.Walk(context.Background(), newRoot, c.handle)
	assert.Equal(t, []string{"K1:d/f.txt"}, c.keys())
	assert.True(t, session.watched(filepath.Join(newRoot, "d")))

	got, ok := tr.Registration("K1")
	require.True(t, ok)
	assert.Same(t, reg, got)
}

func TestTree_RelocatedFailureLeavesTreeIntact(t *testing.T) {
	base := t.TempDir()
	oldRoot := filepath.Join(base, "old")
	newRoot := filepath.Join(base, "new")
	require.NoError(t, os.MkdirAll(oldRoot, 0o755))

	tr, session := newTree(t)
	session.fail(newRoot)
	reg, err := NewRegistration("K1", oldRoot)
	require.NoError(t, err)
	reg.AddObserver(tr)
	done, err := tr.RootAdded(reg, func(File) {})
	require.NoError(t, err)
	wait(t, done)

	err = reg.Relocate(newRoot)
	assert.ErrorIs(t, err, ErrRelocationRejected)
	assert.Equal(t, oldRoot, reg.Root())
	assert.NotNil(t, tr.GetDirectory(oldRoot))
	assert.True(t, session.watched(oldRoot))
}
