package tree

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/adalundhe/rootwatch/core/watcher/key"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Walking
// =============================================================================

// walkAsync walks dir in the background and closes the returned channel
// when done.
func (t *Tree) walkAsync(dir string, handler Handler) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.Walk(context.Background(), dir, handler)
	}()
	return done
}

// Walk synchronously walks the tracked directory dir. Every subdirectory
// found is watched and every regular file is reported to handler.
// Unreadable directories are logged and treated as empty. Walk stops early
// when ctx is done.
func (t *Tree) Walk(ctx context.Context, dir string, handler Handler) {
	node := t.GetDirectory(dir)
	if node == nil {
		t.logger.Debug("walk of untracked directory skipped", slog.String("path", dir))
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.config.WalkWorkers)

	w := &walker{tree: t, group: g, ctx: ctx, handler: handler}
	w.spawn(node)
	_ = g.Wait()
}

// walker is the state shared by the workers of one walk.
type walker struct {
	tree    *Tree
	group   *errgroup.Group
	ctx     context.Context
	handler Handler
}

// spawn reads node on a free worker, or inline when every worker is busy so
// that a worker never blocks waiting for a slot held by its own ancestors.
func (w *walker) spawn(node *Node) {
	if w.group.TryGo(func() error {
		w.visit(node)
		return nil
	}) {
		return
	}
	w.visit(node)
}

// visit reads one directory.
func (w *walker) visit(node *Node) {
	if w.ctx.Err() != nil {
		return
	}

	entries, err := os.ReadDir(node.path)
	if err != nil {
		w.tree.logger.Warn("walk failed",
			slog.String("path", node.path),
			slog.String("error", err.Error()))
		return
	}

	owner := node.Registration()
	for _, entry := range entries {
		if w.ctx.Err() != nil {
			return
		}

		path := filepath.Join(node.path, entry.Name())
		if owner != nil && owner.IsBlacklisted(path) {
			continue
		}

		switch {
		case entry.IsDir():
			if child := w.tree.child(node, path); child != nil {
				w.spawn(child)
			}
		case entry.Type().IsRegular():
			if k, parents, ok := w.tree.Resolve(path); ok {
				w.handler(File{Key: k, Path: path, ParentKeys: parents})
			}
		}
	}
}

// child returns the node for path below parent, watching it first if it is
// new. It returns nil when parent was dropped mid-walk or the watch failed.
func (t *Tree) child(parent *Node, path string) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nodes[parent.path] != parent {
		return nil
	}
	if existing, ok := t.nodes[path]; ok {
		if existing.parent == nil {
			existing.parent = parent
		}
		return existing
	}

	node, err := t.registerLocked(path, parent)
	if err != nil {
		t.logger.Warn("watch registration failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return nil
	}
	return node
}

// Snapshot lists the keys of every regular file currently on disk under
// reg's root, skipping blacklisted entries. Nothing is watched. An error is
// returned only when the root itself cannot be read.
func (t *Tree) Snapshot(reg *Registration) ([]key.DispatchKey, error) {
	root := reg.Root()
	if _, err := os.ReadDir(root); err != nil {
		return nil, err
	}

	var keys []key.DispatchKey
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			t.logger.Debug("snapshot skipped entry",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil
		}
		if path != root && reg.IsBlacklisted(path) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		if k, ok := reg.KeyFor(path); ok {
			keys = append(keys, k)
		}
		return nil
	})
	return keys, err
}
