package migrate

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Built-in exclusion rules. Swap has no business inside a send stream and
// snapshot trees would balloon the transfer. The substring rules already
// cover the exact names; both forms are kept as separate clauses so each
// can be tightened independently.
var (
	skipSubstrings = []string{"swap", "snapshots"}
	skipExact      = []string{"@swap", "@snapshots", "@.snapshots"}
)

// SkipPolicy decides which subvolumes are excluded from transfer. The zero
// value applies only the built-in rules.
type SkipPolicy struct {
	// ExcludePatterns are user-supplied doublestar globs checked after the
	// built-in rules.
	ExcludePatterns []string
}

// Match reports whether name is excluded, and the rule that excluded it.
// Matching is case-sensitive and performs no I/O.
func (p SkipPolicy) Match(name string) (bool, string) {
	for _, sub := range skipSubstrings {
		if strings.Contains(name, sub) {
			return true, fmt.Sprintf("name contains %q", sub)
		}
	}
	for _, exact := range skipExact {
		if name == exact {
			return true, fmt.Sprintf("name is %q", exact)
		}
	}
	for _, pattern := range p.ExcludePatterns {
		// Patterns are validated at flag-parse time; a bad pattern here
		// just never matches.
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true, fmt.Sprintf("matches exclude pattern %q", pattern)
		}
	}
	return false, ""
}
