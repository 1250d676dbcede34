package session

import (
	"crypto/sha256"

	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is bumped on any incompatible change to the session
// frame payloads or the attestation exchange.
const ProtocolVersion uint32 = 1

// Hello opens a session
type Hello struct {
	Version uint32 `cbor:"1,keyasint"`
}

// HelloAck acknowledges a session and assigns its id
type HelloAck struct {
	SessionID string `cbor:"1,keyasint"`
}

// CommitConfigMsg carries the transcript-size ceiling the prover commits
// to. The notary pre-allocates accounting sized to these caps and rejects
// anything above its own ceiling.
type CommitConfigMsg struct {
	MaxSentData uint32 `cbor:"1,keyasint"`
	MaxRecvData uint32 `cbor:"2,keyasint"`
}

// CommitAck accepts or rejects a commit configuration
type CommitAck struct {
	OK     bool   `cbor:"1,keyasint"`
	Reason string `cbor:"2,keyasint,omitempty"`
}

// TrafficMsg accounts one chunk of application data moved over the bound
// TLS stream. The digest is SHA-256 over the chunk plaintext; the notary
// folds the per-direction digest chain from these messages.
type TrafficMsg struct {
	Direction uint8  `cbor:"1,keyasint"`
	Length    uint32 `cbor:"2,keyasint"`
	Digest    []byte `cbor:"3,keyasint"`
}

// ErrorMsg reports a peer-side failure
type ErrorMsg struct {
	Code    string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
}

// InitialTrafficChain returns the starting value of a per-direction
// digest chain.
func InitialTrafficChain() []byte {
	return make([]byte, sha256.Size)
}

// FoldTrafficChain absorbs one chunk digest into a chain head. Prover and
// notary fold independently from the traffic messages; matching heads
// prove both sides accounted the same ordered chunks.
func FoldTrafficChain(chain, chunkDigest []byte) []byte {
	h := sha256.New()
	h.Write(chain)
	h.Write(chunkDigest)
	return h.Sum(nil)
}

var encMode, _ = cbor.CanonicalEncOptions().EncMode()

// EncodeMsg marshals a payload for a frame
func EncodeMsg(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// DecodeMsg unmarshals a frame payload
func DecodeMsg(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// DecodeErrorMsg unmarshals an error payload
func DecodeErrorMsg(data []byte) (ErrorMsg, error) {
	var m ErrorMsg
	err := cbor.Unmarshal(data, &m)
	return m, err
}
