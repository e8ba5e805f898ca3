// Package dnmatch resolves a TLS peer's presented domain name, which may
// carry a single wildcard label, to a configured roaming-partner identifier.
package dnmatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/miekg/dns"
)

// Pattern is one configured DN pattern compiled to an anchored,
// case-insensitive regex. Compilation happens once, at config load; Match
// is O(1) against a single pattern and O(len(patterns)) against a Matcher.
type Pattern struct {
	Literal string // the pattern as written in config, e.g. "*.operator.example.com"
	RPName  string
	re      *regexp.Regexp
}

// CompilePattern compiles one DN pattern. A pattern is a dot-separated
// label sequence in which a label may be the literal "*". A "*" in the
// first label matches exactly one non-empty label with no dots; a "*" in
// any later label matches a run of non-dot characters, which may be empty.
// Everything else is matched as a literal, case-insensitive.
func CompilePattern(pattern, rpName string) (*Pattern, error) {
	labels := dns.SplitDomainName(strings.ToLower(pattern))
	if labels == nil {
		// SplitDomainName returns nil for the empty/root name.
		labels = []string{}
	}

	parts := make([]string, len(labels))
	for i, label := range labels {
		if label == "*" {
			if i == 0 {
				parts[i] = `[^.]+`
			} else {
				parts[i] = `[^.]*`
			}
			continue
		}
		parts[i] = regexp.QuoteMeta(label)
	}

	expr := "^(?i)" + strings.Join(parts, `\.`) + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("dnmatch: compiling pattern %q: %w", pattern, err)
	}
	return &Pattern{Literal: pattern, RPName: rpName, re: re}, nil
}

// Match reports whether name satisfies the pattern.
func (p *Pattern) Match(name string) bool {
	return p.re.MatchString(strings.ToLower(name))
}

// Matcher holds a compiled set of DN patterns in the order given to New.
type Matcher struct {
	patterns []*Pattern
}

// New builds a Matcher from already-compiled patterns.
func New(patterns []*Pattern) *Matcher {
	return &Matcher{patterns: patterns}
}

// Resolve returns the rp_name of the first pattern (in the order given to
// New) matching name, and whether any pattern matched at all.
func (m *Matcher) Resolve(name string) (string, bool) {
	for _, p := range m.patterns {
		if p.Match(name) {
			return p.RPName, true
		}
	}
	return "", false
}
