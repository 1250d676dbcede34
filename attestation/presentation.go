package attestation

import (
	"fmt"
	"sort"

	"tlsn-mpc/shared"
	"tlsn-mpc/transcript"
)

// Opening discloses one attested commitment: the index into the signed
// commitment list plus the blinder that opens its digest.
type Opening struct {
	Index   uint32 `cbor:"1,keyasint"`
	Blinder []byte `cbor:"2,keyasint"`
}

// TranscriptProof carries the disclosed transcript bytes. The buffers
// span the full attested lengths; bytes outside the opened ranges are
// placeholders the verifier never trusts.
type TranscriptProof struct {
	Sent     []byte    `cbor:"1,keyasint"`
	Recv     []byte    `cbor:"2,keyasint"`
	Openings []Opening `cbor:"3,keyasint"`
}

// IdentityProof opens the handshake commitment, letting the verifier
// check the server certificate chain the attestation binds.
type IdentityProof struct {
	Handshake HandshakeData `cbor:"1,keyasint"`
	Blinder   []byte        `cbor:"2,keyasint"`
}

// Presentation is the portable selective-disclosure artifact: the signed
// attestation, the identity opening and the transcript proof. Built once
// by a prover, verified any number of times with only the notary key.
type Presentation struct {
	Attestation Attestation     `cbor:"1,keyasint"`
	Identity    IdentityProof   `cbor:"2,keyasint"`
	Transcript  TranscriptProof `cbor:"3,keyasint"`
}

// VerifyingKey returns the embedded notary key. Callers comparing against
// an expected key must do so before any cryptographic verification.
func (p *Presentation) VerifyingKey() VerifyingKey {
	return p.Attestation.Key
}

// BuildPresentation assembles the final artifact from an attestation, the
// session secrets and a built transcript proof.
func BuildPresentation(att *Attestation, secrets *Secrets, proof *TranscriptProof) *Presentation {
	return &Presentation{
		Attestation: *att,
		Identity: IdentityProof{
			Handshake: secrets.Handshake,
			Blinder:   secrets.HandshakeBlinder,
		},
		Transcript: *proof,
	}
}

// TranscriptProofBuilder accumulates disclosure decisions against the
// secrets of one attested session.
type TranscriptProofBuilder struct {
	secrets  *Secrets
	revealed map[int]bool
}

// ProofBuilder starts an empty disclosure over these secrets
func (s *Secrets) ProofBuilder() *TranscriptProofBuilder {
	return &TranscriptProofBuilder{
		secrets:  s,
		revealed: make(map[int]bool),
	}
}

// Reveal marks the commitment covering exactly ref for disclosure. The
// ref must match a committed entry; partial or uncommitted ranges cannot
// be revealed.
func (b *TranscriptProofBuilder) Reveal(ref transcript.FieldRef) error {
	idx, ok := b.secrets.Commits.Find(ref)
	if !ok {
		return shared.NewInvalidInputError(
			fmt.Sprintf("no commitment covers %s field at %s", ref.Kind, ref.Key()), nil)
	}
	b.revealed[idx] = true
	return nil
}

// Build assembles the transcript proof: full-length buffers carrying the
// revealed bytes in place and one opening per revealed commitment.
func (b *TranscriptProofBuilder) Build() (*TranscriptProof, error) {
	tr := b.secrets.Transcript
	proof := &TranscriptProof{
		Sent: make([]byte, tr.Len(transcript.DirectionSent)),
		Recv: make([]byte, tr.Len(transcript.DirectionReceived)),
	}

	indices := make([]int, 0, len(b.revealed))
	for idx := range b.revealed {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	entries := b.secrets.Commits.Entries()
	for _, idx := range indices {
		ref := entries[idx]
		data, err := tr.Extract(ref.Direction, ref.Ranges)
		if err != nil {
			return nil, err
		}
		buf := proof.Sent
		if ref.Direction == transcript.DirectionReceived {
			buf = proof.Recv
		}
		cursor := 0
		for _, r := range ref.Ranges {
			cursor += copy(buf[r.Start:r.End], data[cursor:])
		}
		proof.Openings = append(proof.Openings, Opening{
			Index:   uint32(idx),
			Blinder: b.secrets.Blinders[idx],
		})
	}
	return proof, nil
}
