package transcript

import (
	"fmt"
	"strings"
)

// FieldKind enumerates the disclosable units of an HTTP transcript
type FieldKind uint8

const (
	// FieldStructure is the framing of a request or response: request or
	// status line scaffolding and terminators, minus target, header lines
	// and body.
	FieldStructure FieldKind = iota + 1
	// FieldTarget is the request target (path and query)
	FieldTarget
	// FieldHeader is a full header line, name and value
	FieldHeader
	// FieldHeaderName is a header line with its value bytes excluded
	FieldHeaderName
	// FieldBody is a message body
	FieldBody
)

// String returns a human-readable kind name
func (k FieldKind) String() string {
	switch k {
	case FieldStructure:
		return "structure"
	case FieldTarget:
		return "target"
	case FieldHeader:
		return "header"
	case FieldHeaderName:
		return "header_name"
	case FieldBody:
		return "body"
	default:
		return fmt.Sprintf("field(%d)", uint8(k))
	}
}

// FieldRef addresses one disclosable unit as a set of byte ranges in one
// stream. References are built from a parsed transcript and only have
// meaning together with it.
type FieldRef struct {
	Kind      FieldKind
	Direction Direction
	Name      string // header name for header kinds, empty otherwise
	Ranges    []Range
}

// Key returns the canonical identity of the referenced bytes. Two refs
// with equal keys cover exactly the same ranges of the same stream, which
// is what commitment lookup cares about.
func (f FieldRef) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d:", f.Direction)
	for i, r := range f.Ranges {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d-%d", r.Start, r.End)
	}
	return b.String()
}

// RefKey builds the canonical identity for a direction and range set
// without constructing a full FieldRef.
func RefKey(d Direction, ranges []Range) string {
	return FieldRef{Direction: d, Ranges: NormalizeRanges(ranges)}.Key()
}

// Structure returns the request framing: everything in the request span
// except the target, the header lines and the body.
func (r *Request) Structure() FieldRef {
	subs := make([]Range, 0, len(r.Headers)+2)
	subs = append(subs, r.TargetSpan)
	for _, h := range r.Headers {
		subs = append(subs, h.Span)
	}
	if r.HasBody {
		subs = append(subs, r.BodySpan)
	}
	return FieldRef{
		Kind:      FieldStructure,
		Direction: DirectionSent,
		Ranges:    SubtractRanges(r.Span, subs),
	}
}

// TargetRef returns the request target bytes
func (r *Request) TargetRef() FieldRef {
	return FieldRef{
		Kind:      FieldTarget,
		Direction: DirectionSent,
		Ranges:    []Range{r.TargetSpan},
	}
}

// BodyRef returns the request body, if present
func (r *Request) BodyRef() (FieldRef, bool) {
	if !r.HasBody {
		return FieldRef{}, false
	}
	return FieldRef{
		Kind:      FieldBody,
		Direction: DirectionSent,
		Ranges:    []Range{r.BodySpan},
	}, true
}

// Structure returns the response framing: status line and terminators,
// minus header lines and body.
func (r *Response) Structure() FieldRef {
	subs := make([]Range, 0, len(r.Headers)+1)
	for _, h := range r.Headers {
		subs = append(subs, h.Span)
	}
	if r.HasBody {
		subs = append(subs, r.BodySpan)
	}
	return FieldRef{
		Kind:      FieldStructure,
		Direction: DirectionReceived,
		Ranges:    SubtractRanges(r.Span, subs),
	}
}

// BodyRef returns the response body, if present
func (r *Response) BodyRef() (FieldRef, bool) {
	if !r.HasBody {
		return FieldRef{}, false
	}
	return FieldRef{
		Kind:      FieldBody,
		Direction: DirectionReceived,
		Ranges:    []Range{r.BodySpan},
	}, true
}

// Ref returns the full header line
func (h Header) Ref(d Direction) FieldRef {
	return FieldRef{
		Kind:      FieldHeader,
		Direction: d,
		Name:      h.Name,
		Ranges:    []Range{h.Span},
	}
}

// NameOnlyRef returns the header line with its value bytes excluded:
// the name, separator and line terminator stay disclosable while the
// value does not.
func (h Header) NameOnlyRef(d Direction) FieldRef {
	return FieldRef{
		Kind:      FieldHeaderName,
		Direction: d,
		Name:      h.Name,
		Ranges:    SubtractRanges(h.Span, []Range{h.ValueSpan}),
	}
}

// CommitConfig is the ordered set of field references the protocol engine
// must commit to. Built once per session, before any disclosure decision.
type CommitConfig struct {
	entries []FieldRef
	index   map[string]int
}

// NewCommitConfig returns an empty commitment configuration
func NewCommitConfig() *CommitConfig {
	return &CommitConfig{index: make(map[string]int)}
}

// Add appends a reference unless an entry covering the same bytes exists.
// Refs with no coverage (empty ranges) are ignored.
func (c *CommitConfig) Add(ref FieldRef) {
	ref.Ranges = NormalizeRanges(ref.Ranges)
	if len(ref.Ranges) == 0 {
		return
	}
	key := ref.Key()
	if _, ok := c.index[key]; ok {
		return
	}
	c.index[key] = len(c.entries)
	c.entries = append(c.entries, ref)
}

// Entries returns the ordered commitment entries
func (c *CommitConfig) Entries() []FieldRef {
	return c.entries
}

// Find returns the index of the commitment covering exactly the same
// bytes as ref.
func (c *CommitConfig) Find(ref FieldRef) (int, bool) {
	i, ok := c.index[FieldRef{Direction: ref.Direction, Ranges: NormalizeRanges(ref.Ranges)}.Key()]
	return i, ok
}

// Commit builds the full-structure commitment configuration for a parsed
// transcript: every request's structure, target, each header both in full
// and name-only, and body; every response's structure, headers and body.
// Committing both header granularities up front is what lets the later
// disclosure reveal either without re-committing.
func Commit(h *HTTPTranscript) *CommitConfig {
	cfg := NewCommitConfig()
	for i := range h.Requests {
		req := &h.Requests[i]
		cfg.Add(req.Structure())
		cfg.Add(req.TargetRef())
		for _, hdr := range req.Headers {
			cfg.Add(hdr.Ref(DirectionSent))
			cfg.Add(hdr.NameOnlyRef(DirectionSent))
		}
		if body, ok := req.BodyRef(); ok {
			cfg.Add(body)
		}
	}
	for i := range h.Responses {
		resp := &h.Responses[i]
		cfg.Add(resp.Structure())
		for _, hdr := range resp.Headers {
			cfg.Add(hdr.Ref(DirectionReceived))
		}
		if body, ok := resp.BodyRef(); ok {
			cfg.Add(body)
		}
	}
	return cfg
}
