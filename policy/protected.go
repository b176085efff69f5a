package policy

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobSet matches type names against a list of glob patterns.
// An empty set matches nothing.
type GlobSet struct {
	patterns []string
	globs    []glob.Glob
}

// NewGlobSet compiles the given patterns
func NewGlobSet(patterns []string) (*GlobSet, error) {
	set := &GlobSet{
		patterns: make([]string, 0, len(patterns)),
		globs:    make([]glob.Glob, 0, len(patterns)),
	}

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid type pattern %q: %w", pattern, err)
		}
		set.patterns = append(set.patterns, pattern)
		set.globs = append(set.globs, g)
	}

	return set, nil
}

// Match returns true if any pattern matches typeName
func (s *GlobSet) Match(typeName string) bool {
	if s == nil {
		return false
	}
	for _, g := range s.globs {
		if g.Match(typeName) {
			return true
		}
	}
	return false
}

// Patterns returns the source patterns
func (s *GlobSet) Patterns() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.patterns))
	copy(out, s.patterns)
	return out
}
