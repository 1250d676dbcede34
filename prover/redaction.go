// Package prover drives one attested HTTPS request end to end: session
// with the notary, bound TLS exchange with the target, attestation and
// selective-disclosure presentation.
package prover

import "strings"

// RedactionSet decides which request headers keep their values hidden in
// the presentation. Matching is substring-based on the lowercased header
// name: an entry "key" redacts both "apiKey" and "Monkey-Id". That is the
// intended behavior, not an accident; pick entries accordingly.
type RedactionSet struct {
	needles []string
}

// NewRedactionSet builds a set from raw entries. Entries are trimmed and
// lowercased; empty ones are dropped.
func NewRedactionSet(names []string) *RedactionSet {
	s := &RedactionSet{}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			s.needles = append(s.needles, n)
		}
	}
	return s
}

// ParseRedactList builds a set from a comma-separated list, the form the
// --redact-headers flag carries.
func ParseRedactList(list string) *RedactionSet {
	return NewRedactionSet(strings.Split(list, ","))
}

// ShouldRedact reports whether a header's value must stay hidden
func (s *RedactionSet) ShouldRedact(name string) bool {
	if s == nil {
		return false
	}
	lower := strings.ToLower(name)
	for _, needle := range s.needles {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// Len returns the number of active entries
func (s *RedactionSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.needles)
}
