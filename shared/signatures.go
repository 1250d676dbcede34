package shared

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// KeyAlgSecp256k1 identifies the only signature algorithm the notary emits.
// Verifiers compare it against the presentation's embedded key metadata.
const KeyAlgSecp256k1 = "secp256k1"

// SigningKeyPair represents an ECDSA signing key pair on the secp256k1 curve
type SigningKeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// GenerateSigningKeyPair generates a new secp256k1 key pair
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secp256k1 key pair: %v", err)
	}
	return &SigningKeyPair{
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}, nil
}

// LoadSigningKeyPair parses a hex-encoded secp256k1 private key.
// A leading "0x" is tolerated.
func LoadSigningKeyPair(hexKey string) (*SigningKeyPair, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse secp256k1 private key: %v", err)
	}
	return &SigningKeyPair{
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}, nil
}

// SignDigest signs SHA-256(data) and returns a 65-byte [R || S || V]
// signature with recovery id.
func (kp *SigningKeyPair) SignDigest(data []byte) ([]byte, error) {
	hash := sha256.Sum256(data)
	signature, err := crypto.Sign(hash[:], kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %v", err)
	}
	return signature, nil
}

// CompressedPublicKey returns the 33-byte compressed encoding of the
// verifying key.
func (kp *SigningKeyPair) CompressedPublicKey() []byte {
	return crypto.CompressPubkey(kp.PublicKey)
}

// PublicKeyHex returns the compressed verifying key as lowercase hex,
// the form exchanged on the verifier CLI.
func (kp *SigningKeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.CompressedPublicKey())
}

// PrivateKeyHex returns the hex encoding accepted by LoadSigningKeyPair
func (kp *SigningKeyPair) PrivateKeyHex() string {
	return hex.EncodeToString(crypto.FromECDSA(kp.PrivateKey))
}

// VerifyDigestSignature checks a 65-byte recoverable signature over
// SHA-256(data) against a compressed secp256k1 public key.
func VerifyDigestSignature(data []byte, signature []byte, compressedKey []byte) error {
	if len(signature) != 65 {
		return fmt.Errorf("invalid signature length: expected 65 bytes, got %d", len(signature))
	}
	if len(compressedKey) != 33 {
		return fmt.Errorf("invalid public key length: expected 33 bytes, got %d", len(compressedKey))
	}

	hash := sha256.Sum256(data)
	recoveredPubKey, err := crypto.SigToPub(hash[:], signature)
	if err != nil {
		return fmt.Errorf("failed to recover public key from signature: %v", err)
	}

	recovered := crypto.CompressPubkey(recoveredPubKey)
	if !bytes.Equal(recovered, compressedKey) {
		return fmt.Errorf("signature verification failed: recovered key %s does not match %s",
			hex.EncodeToString(recovered), hex.EncodeToString(compressedKey))
	}
	return nil
}
