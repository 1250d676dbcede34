package attestation

import (
	"github.com/fxamacker/cbor/v2"

	"tlsn-mpc/shared"
)

// Artifacts cross trust boundaries, so decoding is capped: a hostile
// presentation must not be able to allocate unbounded memory before the
// signature check runs.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  16,
		MaxArrayElements: 4096,
		MaxMapPairs:      4096,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func decodeStrict(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodeRequest serializes an attestation request for the wire
func EncodeRequest(r *Request) ([]byte, error) {
	return encMode.Marshal(r)
}

// DecodeRequest parses an attestation request received from a prover
func DecodeRequest(data []byte) (*Request, error) {
	var r Request
	if err := decodeStrict(data, &r); err != nil {
		return nil, shared.NewDeserializationError("attestation request", err)
	}
	return &r, nil
}

// EncodeAttestation serializes a signed attestation
func EncodeAttestation(a *Attestation) ([]byte, error) {
	return encMode.Marshal(a)
}

// DecodeAttestation parses an attestation received from a notary
func DecodeAttestation(data []byte) (*Attestation, error) {
	var a Attestation
	if err := decodeStrict(data, &a); err != nil {
		return nil, shared.NewDeserializationError("attestation", err)
	}
	return &a, nil
}

// EncodePresentation serializes a presentation for storage or transfer
func EncodePresentation(p *Presentation) ([]byte, error) {
	return encMode.Marshal(p)
}

// DecodePresentation parses a presentation file. Untrusted input: limits
// apply and nothing is believed until Verify passes.
func DecodePresentation(data []byte) (*Presentation, error) {
	var p Presentation
	if err := decodeStrict(data, &p); err != nil {
		return nil, shared.NewDeserializationError("presentation", err)
	}
	return &p, nil
}
