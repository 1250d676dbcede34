// Package attestation defines the signed artifacts of the protocol: the
// attestation request a prover sends to the notary, the attestation the
// notary signs, and the presentation a prover derives for selective
// disclosure. Signatures always cover the exact encoded body bytes that
// crossed the wire, never a re-encoding.
package attestation

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"tlsn-mpc/shared"
	"tlsn-mpc/transcript"
)

// Commitment is one attested transcript commitment: the covered ranges of
// one stream plus the blinded digest over their bytes. The notary signs
// commitments without ever seeing the underlying plaintext.
type Commitment struct {
	Direction uint8              `cbor:"1,keyasint"`
	Ranges    []transcript.Range `cbor:"2,keyasint"`
	Digest    []byte             `cbor:"3,keyasint"`
}

// VerifyingKey identifies the notary key a verifier needs
type VerifyingKey struct {
	Alg  string `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

// Hex returns the key bytes as lowercase hex, the form compared against
// the verifier CLI's --notary-pubkey flag.
func (k VerifyingKey) Hex() string {
	return hex.EncodeToString(k.Data)
}

// HandshakeData captures the server identity material from the TLS
// handshake: the certificate chain in DER (leaf first), the leaf
// certificate signature and a 32-byte binding exported from the session
// keys. All three must be present for an attestation request.
type HandshakeData struct {
	Certs   [][]byte `cbor:"1,keyasint"`
	Sig     []byte   `cbor:"2,keyasint"`
	Binding []byte   `cbor:"3,keyasint"`
}

// Validate checks that no component is missing
func (h *HandshakeData) Validate() error {
	if len(h.Certs) == 0 {
		return shared.NewMissingHandshakeDataError("certificate chain")
	}
	if len(h.Sig) == 0 {
		return shared.NewMissingHandshakeDataError("certificate signature")
	}
	if len(h.Binding) == 0 {
		return shared.NewMissingHandshakeDataError("session binding")
	}
	return nil
}

// Digest computes the blinded handshake commitment
func (h *HandshakeData) Digest(blinder []byte) []byte {
	hasher := sha256.New()
	hasher.Write(blinder)
	writeUint32(hasher, uint32(len(h.Certs)))
	for _, cert := range h.Certs {
		writeBytes(hasher, cert)
	}
	writeBytes(hasher, h.Sig)
	writeBytes(hasher, h.Binding)
	return hasher.Sum(nil)
}

// Request is the attestation request sent to the notary after the
// session detach. It carries commitments and accounting data only; the
// transcript plaintext never leaves the prover.
type Request struct {
	Version             uint32       `cbor:"1,keyasint"`
	ServerName          string       `cbor:"2,keyasint"`
	HandshakeCommitment []byte       `cbor:"3,keyasint"`
	Commitments         []Commitment `cbor:"4,keyasint"`
	SentLen             uint32       `cbor:"5,keyasint"`
	RecvLen             uint32       `cbor:"6,keyasint"`
	SentDigest          []byte       `cbor:"7,keyasint"`
	RecvDigest          []byte       `cbor:"8,keyasint"`
}

// Body is the signed portion of an attestation. Everything a verifier
// trusts about the connection lives here.
type Body struct {
	Version             uint32       `cbor:"1,keyasint"`
	SessionID           string       `cbor:"2,keyasint"`
	ServerName          string       `cbor:"3,keyasint"`
	Time                int64        `cbor:"4,keyasint"`
	HandshakeCommitment []byte       `cbor:"5,keyasint"`
	Commitments         []Commitment `cbor:"6,keyasint"`
	SentLen             uint32       `cbor:"7,keyasint"`
	RecvLen             uint32       `cbor:"8,keyasint"`
	SentDigest          []byte       `cbor:"9,keyasint"`
	RecvDigest          []byte       `cbor:"10,keyasint"`
}

// Attestation is the notary-signed statement. RawBody holds the exact
// CBOR bytes the signature covers; decoding is done on demand so a
// re-encoding can never drift from the signed bytes.
type Attestation struct {
	RawBody   []byte       `cbor:"1,keyasint"`
	Signature []byte       `cbor:"2,keyasint"`
	Key       VerifyingKey `cbor:"3,keyasint"`
}

// Body decodes the signed body
func (a *Attestation) Body() (*Body, error) {
	var body Body
	if err := decodeStrict(a.RawBody, &body); err != nil {
		return nil, shared.NewDeserializationError("attestation body", err)
	}
	return &body, nil
}

// VerifySignature checks the notary signature over the raw body bytes
func (a *Attestation) VerifySignature() error {
	if a.Key.Alg != shared.KeyAlgSecp256k1 {
		return fmt.Errorf("unsupported key algorithm %q", a.Key.Alg)
	}
	return shared.VerifyDigestSignature(a.RawBody, a.Signature, a.Key.Data)
}

// Sign encodes body and signs it, producing a complete attestation
func Sign(body *Body, kp *shared.SigningKeyPair) (*Attestation, error) {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode attestation body: %w", err)
	}
	sig, err := kp.SignDigest(raw)
	if err != nil {
		return nil, err
	}
	return &Attestation{
		RawBody:   raw,
		Signature: sig,
		Key: VerifyingKey{
			Alg:  shared.KeyAlgSecp256k1,
			Data: kp.CompressedPublicKey(),
		},
	}, nil
}

// Validate checks an attestation against the request it answers: the
// notary must have signed exactly what was asked, and the signature must
// verify with the embedded key. Run before extending any trust.
func (r *Request) Validate(att *Attestation) error {
	if err := att.VerifySignature(); err != nil {
		return shared.NewAttestationValidationError("notary signature invalid", err)
	}
	body, err := att.Body()
	if err != nil {
		return shared.NewAttestationValidationError("attestation body undecodable", err)
	}
	if body.ServerName != r.ServerName {
		return shared.NewAttestationValidationError(
			fmt.Sprintf("server name mismatch: requested %q, attested %q", r.ServerName, body.ServerName), nil)
	}
	if !bytes.Equal(body.HandshakeCommitment, r.HandshakeCommitment) {
		return shared.NewAttestationValidationError("handshake commitment mismatch", nil)
	}
	if body.SentLen != r.SentLen || body.RecvLen != r.RecvLen {
		return shared.NewAttestationValidationError("transcript length mismatch", nil)
	}
	if !bytes.Equal(body.SentDigest, r.SentDigest) || !bytes.Equal(body.RecvDigest, r.RecvDigest) {
		return shared.NewAttestationValidationError("traffic digest mismatch", nil)
	}
	if len(body.Commitments) != len(r.Commitments) {
		return shared.NewAttestationValidationError(
			fmt.Sprintf("commitment count mismatch: requested %d, attested %d",
				len(r.Commitments), len(body.Commitments)), nil)
	}
	for i := range r.Commitments {
		if body.Commitments[i].Direction != r.Commitments[i].Direction ||
			!bytes.Equal(body.Commitments[i].Digest, r.Commitments[i].Digest) ||
			!rangesEqual(body.Commitments[i].Ranges, r.Commitments[i].Ranges) {
			return shared.NewAttestationValidationError(
				fmt.Sprintf("commitment %d differs from request", i), nil)
		}
	}
	return nil
}

func rangesEqual(a, b []transcript.Range) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func writeUint32(w io.Writer, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	w.Write(buf[:])
}

func writeBytes(w io.Writer, b []byte) {
	writeUint32(w, uint32(len(b)))
	w.Write(b)
}
