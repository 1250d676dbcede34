// Package verifier checks a presentation with nothing but the notary's
// public key and reports what it discloses.
package verifier

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"tlsn-mpc/attestation"
	"tlsn-mpc/shared"
)

// DefaultFill is the sentinel byte written over transcript bytes the
// presentation does not authenticate.
const DefaultFill byte = 'X'

// Output is everything a verified presentation discloses
type Output struct {
	ServerName     string
	ConnectionTime time.Time
	KeyAlg         string
	Key            string
	// Request is the sent stream with unauthenticated bytes filled.
	Request string
	// ResponseBody is the received text after the first blank line;
	// empty when no separator is present.
	ResponseBody string
	// ResponseFull is the complete received stream with unauthenticated
	// bytes filled.
	ResponseFull string
}

// Verifier validates presentations. The zero value is not usable; call
// New.
type Verifier struct {
	// Provider supplies the trust anchors for the embedded certificate
	// chain.
	Provider attestation.CryptoProvider
	// Fill overwrites unauthenticated transcript bytes in the output.
	Fill byte
	// Logger may be nil.
	Logger *shared.Logger
}

// New returns a verifier trusting the system roots
func New() *Verifier {
	return &Verifier{
		Provider: attestation.DefaultCryptoProvider(),
		Fill:     DefaultFill,
		Logger:   shared.NewNopLogger(),
	}
}

// Run verifies serialized presentation bytes. A non-empty expectedKeyHex
// is compared against the embedded verifying key before any cryptographic
// work; a mismatch is a structured failure, not a verification result.
func Run(presentation []byte, expectedKeyHex string) (*Output, error) {
	return New().Run(presentation, expectedKeyHex)
}

// Run verifies serialized presentation bytes
func (v *Verifier) Run(presentation []byte, expectedKeyHex string) (*Output, error) {
	log := v.Logger
	if log == nil {
		log = shared.NewNopLogger()
	}

	pres, err := attestation.DecodePresentation(presentation)
	if err != nil {
		return nil, err
	}

	actualKey := pres.VerifyingKey().Hex()
	if expectedKeyHex != "" {
		expected := normalizeKeyHex(expectedKeyHex)
		if expected != actualKey {
			return nil, shared.NewKeyMismatchError(expected, actualKey)
		}
	}

	result, err := v.Provider.Verify(pres)
	if err != nil {
		return nil, err
	}
	log.Info("presentation verified",
		zap.String("server_name", result.ServerName),
		zap.Time("connection_time", result.Time))

	fill := v.Fill
	if fill == 0 {
		fill = DefaultFill
	}
	result.Transcript.SetUnauthed(fill)
	received := string(result.Transcript.Recv)

	return &Output{
		ServerName:     result.ServerName,
		ConnectionTime: result.Time,
		KeyAlg:         result.Key.Alg,
		Key:            result.Key.Hex(),
		Request:        string(result.Transcript.Sent),
		ResponseBody:   responseBody(received),
		ResponseFull:   received,
	}, nil
}

// responseBody extracts the text after the first blank line. Best-effort
// framing, not a parser: no separator means no body.
func responseBody(full string) string {
	if _, body, ok := strings.Cut(full, "\r\n\r\n"); ok {
		return body
	}
	return ""
}

func normalizeKeyHex(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
}
