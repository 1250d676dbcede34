package mpctls

import (
	"crypto/x509"

	"tlsn-mpc/shared"
)

const (
	// DefaultMaxSentData caps the bytes a prover may send over the bound
	// stream. The notary sizes its accounting to the committed caps, so
	// they are chosen conservatively.
	DefaultMaxSentData uint32 = 4096
	// DefaultMaxRecvData caps the bytes a prover may receive over the
	// bound stream.
	DefaultMaxRecvData uint32 = 262144
)

// CommitConfig is the transcript-size ceiling negotiated with the notary
// before any target bytes flow. Exceeding a cap aborts the exchange, it
// never truncates.
type CommitConfig struct {
	MaxSentData uint32
	MaxRecvData uint32
}

// DefaultCommitConfig returns the standard caps
func DefaultCommitConfig() CommitConfig {
	return CommitConfig{
		MaxSentData: DefaultMaxSentData,
		MaxRecvData: DefaultMaxRecvData,
	}
}

// Validate rejects unusable caps
func (c CommitConfig) Validate() error {
	if c.MaxSentData == 0 {
		return shared.NewInvalidInputError("max sent data must be positive", nil)
	}
	if c.MaxRecvData == 0 {
		return shared.NewInvalidInputError("max recv data must be positive", nil)
	}
	return nil
}

// ClientConfig describes the TLS client side of the bound connection.
type ClientConfig struct {
	// ServerName is verified against the target certificate and later
	// attested by the notary.
	ServerName string
	// RootCAs overrides the system root pool when set.
	RootCAs *x509.CertPool
}
