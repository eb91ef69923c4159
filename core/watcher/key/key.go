// Package key defines the identity model for watched files. A DispatchKey
// names a file by the logical root it belongs to and its path relative to
// that root, so the identity survives the root being moved on disk.
package key

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNilDirectoryKey indicates a key was built without a directory key.
	ErrNilDirectoryKey = errors.New("directory key is required")

	// ErrAbsoluteRelativePath indicates an absolute path was given where a
	// root-relative path was expected.
	ErrAbsoluteRelativePath = errors.New("relative path must not be absolute")

	// ErrParentTraversal indicates a relative path escapes its root.
	ErrParentTraversal = errors.New("relative path must not contain parent traversal")
)

// =============================================================================
// DirectoryKey
// =============================================================================

// DirectoryKey is the caller-supplied identity of a watched root. It stays
// the same when the root is relocated and must be unique per root.
type DirectoryKey string

// IsZero reports whether the key is unset.
func (k DirectoryKey) IsZero() bool {
	return k == ""
}

// String returns the key as a string.
func (k DirectoryKey) String() string {
	return string(k)
}

// =============================================================================
// RelativePath
// =============================================================================

// RelativePath is a slash-separated path relative to the current location of
// a root. The empty path denotes the root itself.
type RelativePath string

// NewRelativePath normalizes p into a RelativePath. OS separators are
// converted to slashes and redundant elements are removed.
func NewRelativePath(p string) (RelativePath, error) {
	p = filepath.ToSlash(p)
	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) {
		return "", ErrAbsoluteRelativePath
	}

	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrParentTraversal
	}
	return RelativePath(cleaned), nil
}

// MustRelativePath is NewRelativePath for literals known to be valid.
func MustRelativePath(p string) RelativePath {
	rel, err := NewRelativePath(p)
	if err != nil {
		panic(err)
	}
	return rel
}

// HasPrefix reports whether prefix is a leading sequence of whole path
// elements of r. The root path is a prefix of every path and every path is a
// prefix of itself.
func (r RelativePath) HasPrefix(prefix RelativePath) bool {
	if prefix == "" || r == prefix {
		return true
	}
	return strings.HasPrefix(string(r), string(prefix)+"/")
}

// Depth returns the number of path elements.
func (r RelativePath) Depth() int {
	if r == "" {
		return 0
	}
	return strings.Count(string(r), "/") + 1
}

// Dir returns the parent path. The parent of a top-level entry is the root.
func (r RelativePath) Dir() RelativePath {
	idx := strings.LastIndexByte(string(r), '/')
	if idx < 0 {
		return ""
	}
	return r[:idx]
}

// Base returns the last path element.
func (r RelativePath) Base() string {
	idx := strings.LastIndexByte(string(r), '/')
	return string(r[idx+1:])
}

// Join appends a single path element.
func (r RelativePath) Join(name string) RelativePath {
	if r == "" {
		return RelativePath(name)
	}
	return r + "/" + RelativePath(name)
}

// Native converts the path to the OS separator.
func (r RelativePath) Native() string {
	return filepath.FromSlash(string(r))
}

// =============================================================================
// DispatchKey
// =============================================================================

// DispatchKey identifies a file or directory by its root and relative path.
// Keys are values: two keys are equal iff both components are equal, so they
// can be used directly as map keys. A DispatchKey never holds an absolute
// path.
type DispatchKey struct {
	dir DirectoryKey
	rel RelativePath
}

// New builds a key. rel is normalized with NewRelativePath.
func New(dir DirectoryKey, rel string) (DispatchKey, error) {
	if dir.IsZero() {
		return DispatchKey{}, ErrNilDirectoryKey
	}
	relative, err := NewRelativePath(rel)
	if err != nil {
		return DispatchKey{}, err
	}
	return DispatchKey{dir: dir, rel: relative}, nil
}

// Must is New for literals known to be valid.
func Must(dir DirectoryKey, rel string) DispatchKey {
	k, err := New(dir, rel)
	if err != nil {
		panic(err)
	}
	return k
}

// Root returns the key of the root directory itself.
func Root(dir DirectoryKey) (DispatchKey, error) {
	return New(dir, "")
}

// DirectoryKey returns the root identity component.
func (k DispatchKey) DirectoryKey() DirectoryKey {
	return k.dir
}

// RelativePath returns the root-relative component.
func (k DispatchKey) RelativePath() RelativePath {
	return k.rel
}

// IsZero reports whether k is the zero key.
func (k DispatchKey) IsZero() bool {
	return k.dir.IsZero()
}

// IsRoot reports whether k names the root directory itself.
func (k DispatchKey) IsRoot() bool {
	return !k.IsZero() && k.rel == ""
}

// IsParentKeyOf reports whether other lives at or below k within the same
// root.
func (k DispatchKey) IsParentKeyOf(other DispatchKey) bool {
	return k.dir == other.dir && other.rel.HasPrefix(k.rel)
}

// IsSubKeyOf reports whether k lives at or below other within the same root.
func (k DispatchKey) IsSubKeyOf(other DispatchKey) bool {
	return other.IsParentKeyOf(k)
}

// Parent returns the key of the containing directory. The parent of a root
// key is the root key.
func (k DispatchKey) Parent() DispatchKey {
	return DispatchKey{dir: k.dir, rel: k.rel.Dir()}
}

// Join returns the key of a direct child named name.
func (k DispatchKey) Join(name string) (DispatchKey, error) {
	return New(k.dir, string(k.rel.Join(name)))
}

// String renders the key as "dirkey:relative/path".
func (k DispatchKey) String() string {
	return string(k.dir) + ":" + string(k.rel)
}

// =============================================================================
// Collection helpers
// =============================================================================

// FindSubKeys returns the candidates that are sub keys of parent, in input
// order.
func FindSubKeys(parent DispatchKey, candidates []DispatchKey) []DispatchKey {
	var found []DispatchKey
	for _, candidate := range candidates {
		if parent.IsParentKeyOf(candidate) {
			found = append(found, candidate)
		}
	}
	return found
}

// RemoveSubKeys returns the candidates that are not sub keys of parent, in
// input order.
func RemoveSubKeys(parent DispatchKey, candidates []DispatchKey) []DispatchKey {
	kept := make([]DispatchKey, 0, len(candidates))
	for _, candidate := range candidates {
		if !parent.IsParentKeyOf(candidate) {
			kept = append(kept, candidate)
		}
	}
	return kept
}

// DeleteSubKeys removes every entry of m whose key is a sub key of parent
// and returns how many were removed.
func DeleteSubKeys[V any](parent DispatchKey, m map[DispatchKey]V) int {
	removed := 0
	for candidate := range m {
		if parent.IsParentKeyOf(candidate) {
			delete(m, candidate)
			removed++
		}
	}
	return removed
}
