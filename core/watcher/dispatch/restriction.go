package dispatch

import (
	"github.com/adalundhe/rootwatch/core/watcher/key"
)

// =============================================================================
// RestrictionBuilder
// =============================================================================

// RestrictionBuilder collects what a listener wants to receive from one
// filesystem. A listener calls exactly one of Accept or AcceptAll and may add
// any number of compound matchers with WhenPathMatches. Matchers only narrow
// the accepted keys, so matchers without Accept or AcceptAll accept nothing.
type RestrictionBuilder struct {
	accepted  bool
	all       bool
	keys      map[key.DirectoryKey]struct{}
	compounds [][]Matcher
}

// NewRestrictionBuilder returns an empty builder.
func NewRestrictionBuilder() *RestrictionBuilder {
	return &RestrictionBuilder{keys: make(map[key.DirectoryKey]struct{})}
}

// Accept allows events for the given directory keys.
func (b *RestrictionBuilder) Accept(keys ...key.DirectoryKey) error {
	if b.accepted {
		return ErrAlreadyAccepted
	}
	if len(keys) == 0 {
		return ErrEmptyAccept
	}
	for _, k := range keys {
		if k.IsZero() {
			return key.ErrNilDirectoryKey
		}
	}
	for _, k := range keys {
		b.keys[k] = struct{}{}
	}
	b.accepted = true
	return nil
}

// AcceptAll allows events for every directory key.
func (b *RestrictionBuilder) AcceptAll() error {
	if b.accepted {
		return ErrAlreadyAccepted
	}
	b.accepted = true
	b.all = true
	return nil
}

// WhenPathMatches adds a compound matcher that matches when every one of
// matchers matches. Compounds are OR-combined.
func (b *RestrictionBuilder) WhenPathMatches(matchers ...Matcher) error {
	if len(matchers) == 0 {
		return ErrEmptyMatcher
	}
	for _, m := range matchers {
		if m == nil {
			return ErrNilMatcher
		}
	}
	b.compounds = append(b.compounds, append([]Matcher(nil), matchers...))
	return nil
}

// Build freezes the builder into an immutable Restriction.
func (b *RestrictionBuilder) Build() *Restriction {
	r := &Restriction{
		all:       b.all,
		keys:      make(map[key.DirectoryKey]struct{}, len(b.keys)),
		compounds: make([][]Matcher, len(b.compounds)),
	}
	for k := range b.keys {
		r.keys[k] = struct{}{}
	}
	copy(r.compounds, b.compounds)
	return r
}

// =============================================================================
// Restriction
// =============================================================================

// Restriction is the frozen acceptance predicate of one listener on one
// filesystem. The zero value accepts nothing.
type Restriction struct {
	all       bool
	keys      map[key.DirectoryKey]struct{}
	compounds [][]Matcher
}

// rejectAll is used when a listener's restriction could not be built.
var rejectAll = &Restriction{}

// Accepts reports whether an event for k passes the restriction.
func (r *Restriction) Accepts(k key.DispatchKey) bool {
	if !r.all {
		if _, ok := r.keys[k.DirectoryKey()]; !ok {
			return false
		}
	}
	if len(r.compounds) == 0 {
		return true
	}
	for _, compound := range r.compounds {
		if matchAll(compound, k) {
			return true
		}
	}
	return false
}

func matchAll(matchers []Matcher, k key.DispatchKey) bool {
	for _, m := range matchers {
		if !m.Match(k) {
			return false
		}
	}
	return true
}
