// Package urlmatch resolves a request path to the most specific configured
// URL pattern.
//
// Patterns use conventional glob semantics (?, *, **) via gobwas/glob.
// When more than one pattern matches a path, the longest pattern string
// wins; ties break by lexicographic order of the pattern text, giving a
// deterministic longest-match-wins result regardless of rule order.
package urlmatch

import (
	"sort"

	"github.com/gobwas/glob"
)

// Rule binds a compiled pattern to an opaque value the caller cares about
// (typically a policy name or inline policy parameters).
type Rule struct {
	Pattern string
	Value   interface{}

	compiled glob.Glob
}

// Matcher resolves paths against a precompiled, ordered set of Rules.
type Matcher struct {
	rules []Rule
}

// New compiles patterns at construction time so Match never reports a
// compile error; it returns the compile error of a pattern that fails to
// compile.
func New(patterns map[string]interface{}) (*Matcher, error) {
	rules := make([]Rule, 0, len(patterns))
	for pattern, value := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, err
		}
		rules = append(rules, Rule{Pattern: pattern, Value: value, compiled: g})
	}
	// Longest pattern first; lexicographic tiebreak, so Match's linear
	// scan returns the correct winner on first hit.
	sort.Slice(rules, func(i, j int) bool {
		if len(rules[i].Pattern) != len(rules[j].Pattern) {
			return len(rules[i].Pattern) > len(rules[j].Pattern)
		}
		return rules[i].Pattern < rules[j].Pattern
	})
	return &Matcher{rules: rules}, nil
}

// Match returns the value of the longest pattern matching path, and
// whether any pattern matched at all.
func (m *Matcher) Match(path string) (interface{}, bool) {
	for _, r := range m.rules {
		if r.compiled.Match(path) {
			return r.Value, true
		}
	}
	return nil, false
}
