package attestation

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"tlsn-mpc/shared"
	"tlsn-mpc/transcript"
)

const (
	blinderLen  = 32
	blinderSalt = "tlsn-mpc/blinder/v1"
)

// Secrets is the prover-side opening material for one attested session:
// the full transcript, the committed field references in index order, one
// blinder per commitment and the handshake opening. Secrets never leave
// the prover process.
type Secrets struct {
	Transcript       *transcript.Transcript
	Commits          *transcript.CommitConfig
	Blinders         [][]byte
	Handshake        HandshakeData
	HandshakeBlinder []byte
}

// ProverOutput pairs the commitments handed to the notary with the
// secrets that can later open them.
type ProverOutput struct {
	Commitments []Commitment
	Secrets     *Secrets
}

// HandshakeCommitment returns the blinded digest binding the captured
// handshake data
func (o *ProverOutput) HandshakeCommitment() []byte {
	return o.Secrets.Handshake.Digest(o.Secrets.HandshakeBlinder)
}

// BuildCommitments computes a blinded commitment for every entry of the
// commit config. All blinders derive from one seed through HKDF, so a
// single 32-byte secret opens the whole set.
func BuildCommitments(tr *transcript.Transcript, cfg *transcript.CommitConfig, handshake HandshakeData, seed []byte) (*ProverOutput, error) {
	if err := handshake.Validate(); err != nil {
		return nil, err
	}
	if len(seed) < 16 {
		return nil, shared.NewInvalidInputError("commitment seed must be at least 16 bytes", nil)
	}
	prk := hkdf.Extract(sha256.New, seed, []byte(blinderSalt))

	entries := cfg.Entries()
	commitments := make([]Commitment, 0, len(entries))
	blinders := make([][]byte, 0, len(entries))
	for i, ref := range entries {
		data, err := tr.Extract(ref.Direction, ref.Ranges)
		if err != nil {
			return nil, err
		}
		blinder, err := deriveBlinder(prk, fmt.Sprintf("transcript/%d", i))
		if err != nil {
			return nil, err
		}
		commitments = append(commitments, Commitment{
			Direction: uint8(ref.Direction),
			Ranges:    ref.Ranges,
			Digest:    commitmentDigest(blinder, ref.Direction, ref.Ranges, data),
		})
		blinders = append(blinders, blinder)
	}

	hsBlinder, err := deriveBlinder(prk, "handshake")
	if err != nil {
		return nil, err
	}
	return &ProverOutput{
		Commitments: commitments,
		Secrets: &Secrets{
			Transcript:       tr,
			Commits:          cfg,
			Blinders:         blinders,
			Handshake:        handshake,
			HandshakeBlinder: hsBlinder,
		},
	}, nil
}

func deriveBlinder(prk []byte, info string) ([]byte, error) {
	out := make([]byte, blinderLen)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive blinder %q: %w", info, err)
	}
	return out, nil
}

// commitmentDigest binds the blinder, the covered coordinates and the
// covered bytes. Hashing the coordinates stops an opening for one field
// from being replayed as proof for a different range set.
func commitmentDigest(blinder []byte, d transcript.Direction, ranges []transcript.Range, data []byte) []byte {
	h := sha256.New()
	h.Write(blinder)
	h.Write([]byte{byte(d)})
	writeUint32(h, uint32(len(ranges)))
	for _, r := range ranges {
		writeUint32(h, r.Start)
		writeUint32(h, r.End)
	}
	h.Write(data)
	return h.Sum(nil)
}
