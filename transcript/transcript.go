// Package transcript models the ordered byte streams exchanged over an
// attested connection and their structured HTTP view. Byte ranges index
// into the raw streams; every disclosable unit (request structure, target,
// headers, bodies) is addressed as a set of ranges so commitments and
// disclosure operate on the same coordinates.
package transcript

import (
	"fmt"
	"sort"
)

// Direction distinguishes the two byte streams of a connection.
type Direction uint8

const (
	// DirectionSent covers bytes written by the prover to the server.
	DirectionSent Direction = 1
	// DirectionReceived covers bytes read by the prover from the server.
	DirectionReceived Direction = 2
)

// String returns a human-readable direction name
func (d Direction) String() string {
	switch d {
	case DirectionSent:
		return "sent"
	case DirectionReceived:
		return "received"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Range is a half-open byte interval [Start, End) into one stream.
type Range struct {
	Start uint32 `cbor:"1,keyasint" json:"start"`
	End   uint32 `cbor:"2,keyasint" json:"end"`
}

// Len returns the number of bytes the range covers
func (r Range) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return int(r.End - r.Start)
}

// NormalizeRanges sorts ranges, drops empty ones and merges overlapping
// or adjacent intervals.
func NormalizeRanges(ranges []Range) []Range {
	filtered := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.Len() > 0 {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Start != filtered[j].Start {
			return filtered[i].Start < filtered[j].Start
		}
		return filtered[i].End < filtered[j].End
	})

	merged := []Range{filtered[0]}
	for _, r := range filtered[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// SubtractRanges removes subs from outer, returning the uncovered
// intervals in order.
func SubtractRanges(outer Range, subs []Range) []Range {
	var out []Range
	cursor := outer.Start
	for _, s := range NormalizeRanges(subs) {
		if s.End <= outer.Start || s.Start >= outer.End {
			continue
		}
		if s.Start > cursor {
			out = append(out, Range{Start: cursor, End: s.Start})
		}
		if s.End > cursor {
			cursor = s.End
		}
	}
	if cursor < outer.End {
		out = append(out, Range{Start: cursor, End: outer.End})
	}
	return out
}

// RangesLen returns the total number of bytes covered
func RangesLen(ranges []Range) int {
	n := 0
	for _, r := range ranges {
		n += r.Len()
	}
	return n
}

// RangesWithin reports whether every range fits inside [0, limit)
func RangesWithin(ranges []Range, limit int) bool {
	for _, r := range ranges {
		if r.End < r.Start || int(r.End) > limit {
			return false
		}
	}
	return true
}

// Transcript holds the full ordered bytes of one attested connection.
// It is written once by the protocol engine and read-only afterwards.
type Transcript struct {
	sent []byte
	recv []byte
}

// New builds a transcript from captured streams. The slices are copied
// so later buffer reuse by the caller cannot mutate the transcript.
func New(sent, recv []byte) *Transcript {
	t := &Transcript{
		sent: make([]byte, len(sent)),
		recv: make([]byte, len(recv)),
	}
	copy(t.sent, sent)
	copy(t.recv, recv)
	return t
}

// Sent returns the sent stream. Callers must not mutate it.
func (t *Transcript) Sent() []byte { return t.sent }

// Received returns the received stream. Callers must not mutate it.
func (t *Transcript) Received() []byte { return t.recv }

// Len returns the stream length for a direction
func (t *Transcript) Len(d Direction) int {
	return len(t.stream(d))
}

func (t *Transcript) stream(d Direction) []byte {
	if d == DirectionSent {
		return t.sent
	}
	return t.recv
}

// Extract concatenates the bytes covered by ranges in one direction.
// Ranges must lie within the stream.
func (t *Transcript) Extract(d Direction, ranges []Range) ([]byte, error) {
	stream := t.stream(d)
	if !RangesWithin(ranges, len(stream)) {
		return nil, fmt.Errorf("range out of bounds for %s stream of %d bytes", d, len(stream))
	}
	out := make([]byte, 0, RangesLen(ranges))
	for _, r := range ranges {
		out = append(out, stream[r.Start:r.End]...)
	}
	return out, nil
}

// PartialTranscript is the verifier-side view: full-length buffers where
// only the authenticated ranges carry trusted bytes.
type PartialTranscript struct {
	Sent       []byte
	Recv       []byte
	SentAuthed []Range
	RecvAuthed []Range
}

// NewPartialTranscript allocates zeroed buffers of the attested lengths
func NewPartialTranscript(sentLen, recvLen int) *PartialTranscript {
	return &PartialTranscript{
		Sent: make([]byte, sentLen),
		Recv: make([]byte, recvLen),
	}
}

// Authenticate marks ranges of one direction as verified
func (p *PartialTranscript) Authenticate(d Direction, ranges []Range) {
	if d == DirectionSent {
		p.SentAuthed = NormalizeRanges(append(p.SentAuthed, ranges...))
	} else {
		p.RecvAuthed = NormalizeRanges(append(p.RecvAuthed, ranges...))
	}
}

// SetUnauthed overwrites every unauthenticated byte with the fill byte.
// The fill is a parameter so applications can pick a sentinel that cannot
// collide with their payload alphabet.
func (p *PartialTranscript) SetUnauthed(fill byte) {
	fillUncovered(p.Sent, p.SentAuthed, fill)
	fillUncovered(p.Recv, p.RecvAuthed, fill)
}

func fillUncovered(buf []byte, authed []Range, fill byte) {
	cursor := 0
	for _, r := range authed {
		for i := cursor; i < int(r.Start) && i < len(buf); i++ {
			buf[i] = fill
		}
		if int(r.End) > cursor {
			cursor = int(r.End)
		}
	}
	for i := cursor; i < len(buf); i++ {
		buf[i] = fill
	}
}
