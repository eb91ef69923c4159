package dispatch

import (
	"fmt"
	"strings"

	"github.com/adalundhe/rootwatch/core/watcher/key"
	"github.com/gobwas/glob"
)

// Matcher is one condition of a compound restriction.
type Matcher interface {
	Match(k key.DispatchKey) bool
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(k key.DispatchKey) bool

// Match calls f.
func (f MatcherFunc) Match(k key.DispatchKey) bool {
	return f(k)
}

// globMatcher matches the slash-separated relative path.
type globMatcher struct {
	g glob.Glob
}

func (m globMatcher) Match(k key.DispatchKey) bool {
	return m.g.Match(string(k.RelativePath()))
}

// Glob matches relative paths against pattern. A single star stops at '/',
// a double star does not.
func Glob(pattern string) (Matcher, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", pattern, err)
	}
	return globMatcher{g: g}, nil
}

// MustGlob is Glob for literals known to be valid.
func MustGlob(pattern string) Matcher {
	m, err := Glob(pattern)
	if err != nil {
		panic(err)
	}
	return m
}

// Extension matches files whose name ends with one of exts. Extensions may
// be given with or without the leading dot and are compared case
// insensitively.
func Extension(exts ...string) Matcher {
	normalized := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	return MatcherFunc(func(k key.DispatchKey) bool {
		name := strings.ToLower(k.RelativePath().Base())
		for _, ext := range normalized {
			if strings.HasSuffix(name, ext) {
				return true
			}
		}
		return false
	})
}

// Under matches keys at or below the relative directory rel.
func Under(rel key.RelativePath) Matcher {
	return MatcherFunc(func(k key.DispatchKey) bool {
		return k.RelativePath().HasPrefix(rel)
	})
}
