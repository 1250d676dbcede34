package attestation

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"time"

	"tlsn-mpc/shared"
	"tlsn-mpc/transcript"
)

// CryptoProvider carries the verifier's trust configuration. Signature
// algorithms are fixed by the artifact format; certificate roots are
// caller-supplied so tests and private deployments can pin their own.
type CryptoProvider struct {
	// Roots validates the attested server certificate chain. Nil means
	// the system root pool.
	Roots *x509.CertPool
}

// DefaultCryptoProvider verifies server chains against the system roots
func DefaultCryptoProvider() CryptoProvider {
	return CryptoProvider{}
}

// PresentationOutput is the verified view of a presentation. Transcript
// buffers are full-length; only the authenticated ranges carry bytes the
// verifier may trust, the rest should be overwritten with a sentinel via
// SetUnauthed before display.
type PresentationOutput struct {
	ServerName string
	Time       time.Time
	Key        VerifyingKey
	Transcript *transcript.PartialTranscript
}

// Verify checks a presentation end to end: notary signature, handshake
// opening, server certificate chain, and every transcript opening against
// its signed commitment. Nothing in the returned output is populated from
// unverified artifact fields.
func (cp *CryptoProvider) Verify(p *Presentation) (*PresentationOutput, error) {
	if err := p.Attestation.VerifySignature(); err != nil {
		return nil, shared.NewAttestationValidationError("notary signature invalid", err)
	}
	body, err := p.Attestation.Body()
	if err != nil {
		return nil, err
	}

	if err := cp.verifyIdentity(body, &p.Identity); err != nil {
		return nil, err
	}
	partial, err := verifyTranscript(body, &p.Transcript)
	if err != nil {
		return nil, err
	}

	return &PresentationOutput{
		ServerName: body.ServerName,
		Time:       time.Unix(body.Time, 0).UTC(),
		Key:        p.Attestation.Key,
		Transcript: partial,
	}, nil
}

// verifyIdentity opens the handshake commitment and validates the server
// certificate chain against the attested name at the attested time.
func (cp *CryptoProvider) verifyIdentity(body *Body, proof *IdentityProof) error {
	if err := proof.Handshake.Validate(); err != nil {
		return shared.NewAttestationValidationError("handshake opening incomplete", err)
	}
	if !bytes.Equal(proof.Handshake.Digest(proof.Blinder), body.HandshakeCommitment) {
		return shared.NewAttestationValidationError("handshake opening does not match commitment", nil)
	}

	certs := make([]*x509.Certificate, 0, len(proof.Handshake.Certs))
	for i, der := range proof.Handshake.Certs {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return shared.NewAttestationValidationError(
				fmt.Sprintf("certificate %d unparseable", i), err)
		}
		certs = append(certs, cert)
	}
	leaf := certs[0]
	if !bytes.Equal(proof.Handshake.Sig, leaf.Signature) {
		return shared.NewAttestationValidationError("certificate signature does not match leaf", nil)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		DNSName:       body.ServerName,
		Roots:         cp.Roots,
		Intermediates: intermediates,
		CurrentTime:   time.Unix(body.Time, 0),
	})
	if err != nil {
		return shared.NewAttestationValidationError("server certificate chain invalid", err)
	}
	return nil
}

// verifyTranscript checks every opening against the signed commitments
// and returns the partially-authenticated transcript. Authenticated
// ranges are derived from the commitments themselves, never from
// prover-chosen fields.
func verifyTranscript(body *Body, proof *TranscriptProof) (*transcript.PartialTranscript, error) {
	sentLen, recvLen := int(body.SentLen), int(body.RecvLen)
	if len(proof.Sent) != sentLen || len(proof.Recv) != recvLen {
		return nil, shared.NewAttestationValidationError(
			fmt.Sprintf("transcript proof length mismatch: got %d/%d bytes, attested %d/%d",
				len(proof.Sent), len(proof.Recv), sentLen, recvLen), nil)
	}

	partial := transcript.NewPartialTranscript(sentLen, recvLen)
	copy(partial.Sent, proof.Sent)
	copy(partial.Recv, proof.Recv)

	seen := make(map[uint32]bool, len(proof.Openings))
	for _, op := range proof.Openings {
		if seen[op.Index] {
			return nil, shared.NewAttestationValidationError(
				fmt.Sprintf("duplicate opening for commitment %d", op.Index), nil)
		}
		seen[op.Index] = true
		if int(op.Index) >= len(body.Commitments) {
			return nil, shared.NewAttestationValidationError(
				fmt.Sprintf("opening references commitment %d of %d", op.Index, len(body.Commitments)), nil)
		}
		c := body.Commitments[op.Index]

		d := transcript.Direction(c.Direction)
		var buf []byte
		var limit int
		switch d {
		case transcript.DirectionSent:
			buf, limit = proof.Sent, sentLen
		case transcript.DirectionReceived:
			buf, limit = proof.Recv, recvLen
		default:
			return nil, shared.NewAttestationValidationError(
				fmt.Sprintf("commitment %d has unknown direction %d", op.Index, c.Direction), nil)
		}
		if !transcript.RangesWithin(c.Ranges, limit) {
			return nil, shared.NewAttestationValidationError(
				fmt.Sprintf("commitment %d ranges exceed transcript", op.Index), nil)
		}

		data := make([]byte, 0, transcript.RangesLen(c.Ranges))
		for _, r := range c.Ranges {
			data = append(data, buf[r.Start:r.End]...)
		}
		if !bytes.Equal(commitmentDigest(op.Blinder, d, c.Ranges, data), c.Digest) {
			return nil, shared.NewAttestationValidationError(
				fmt.Sprintf("opening %d does not match its commitment", op.Index), nil)
		}
		partial.Authenticate(d, c.Ranges)
	}
	return partial, nil
}
