package shared

import (
	"errors"
	"fmt"
)

// Error type identifiers, stable strings used in logs and reports.
const (
	ErrTypeInvalidInput          = "invalid_input"
	ErrTypeConnection            = "connection_error"
	ErrTypeProtocol              = "protocol_error"
	ErrTypeUnexpectedStatus      = "unexpected_status"
	ErrTypeTranscriptShape       = "transcript_shape"
	ErrTypeMissingHandshakeData  = "missing_handshake_data"
	ErrTypeAttestationValidation = "attestation_validation"
	ErrTypeDeserialization       = "deserialization"
	ErrTypeKeyMismatch           = "key_mismatch"
)

// ProofError is the base error type for all library errors
type ProofError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Cause   error  `json:"cause,omitempty"`
}

// Error implements the error interface
func (e *ProofError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *ProofError) Unwrap() error {
	return e.Cause
}

// IsErrorType reports whether err (or anything it wraps) is a ProofError
// of the given type.
func IsErrorType(err error, errType string) bool {
	var pe *ProofError
	for {
		if errors.As(err, &pe) {
			if pe.Type == errType {
				return true
			}
			err = pe.Cause
			pe = nil
			continue
		}
		return false
	}
}

// NewInvalidInputError reports a bad URL, host or configuration value
func NewInvalidInputError(message string, cause error) *ProofError {
	return &ProofError{Type: ErrTypeInvalidInput, Message: message, Cause: cause}
}

// ConnectionError represents TCP failures to the notary or the target
type ConnectionError struct {
	*ProofError
	Target string `json:"target"` // "notary" or the server host
}

// NewConnectionError creates a new connection error
func NewConnectionError(target string, cause error) *ConnectionError {
	return &ConnectionError{
		ProofError: &ProofError{
			Type:    ErrTypeConnection,
			Message: fmt.Sprintf("failed to connect to %s", target),
			Cause:   cause,
		},
		Target: target,
	}
}

// Unwrap exposes the embedded base error so errors.As can reach it
func (e *ConnectionError) Unwrap() error { return e.ProofError }

// ProtocolError represents TLS-binding commit/connect/prove failures
type ProtocolError struct {
	*ProofError
	Phase string `json:"phase"` // which protocol phase failed
}

// NewProtocolError creates a new protocol error
func NewProtocolError(phase string, message string, cause error) *ProtocolError {
	return &ProtocolError{
		ProofError: &ProofError{
			Type:    ErrTypeProtocol,
			Message: fmt.Sprintf("protocol error in %s: %s", phase, message),
			Cause:   cause,
		},
		Phase: phase,
	}
}

// Unwrap exposes the embedded base error so errors.As can reach it
func (e *ProtocolError) Unwrap() error { return e.ProofError }

// UnexpectedStatusError reports a non-200 HTTP response from the target
type UnexpectedStatusError struct {
	*ProofError
	StatusCode int `json:"status_code"`
}

// NewUnexpectedStatusError creates a new unexpected status error
func NewUnexpectedStatusError(statusCode int) *UnexpectedStatusError {
	return &UnexpectedStatusError{
		ProofError: &ProofError{
			Type:    ErrTypeUnexpectedStatus,
			Message: fmt.Sprintf("server replied with status %d, expected 200", statusCode),
		},
		StatusCode: statusCode,
	}
}

// Unwrap exposes the embedded base error so errors.As can reach it
func (e *UnexpectedStatusError) Unwrap() error { return e.ProofError }

// NewTranscriptShapeError reports a transcript without exactly one
// request/response pair
func NewTranscriptShapeError(requests, responses int) *ProofError {
	return &ProofError{
		Type: ErrTypeTranscriptShape,
		Message: fmt.Sprintf("expected exactly one request and one response, got %d request(s) and %d response(s)",
			requests, responses),
	}
}

// NewTranscriptParseError reports raw transcript bytes that do not parse
// into the expected HTTP structure
func NewTranscriptParseError(message string, cause error) *ProofError {
	return &ProofError{Type: ErrTypeTranscriptShape, Message: message, Cause: cause}
}

// NewMissingHandshakeDataError reports an absent certificate chain,
// signature or session binding
func NewMissingHandshakeDataError(field string) *ProofError {
	return &ProofError{
		Type:    ErrTypeMissingHandshakeData,
		Message: fmt.Sprintf("handshake data is missing %s", field),
	}
}

// NewAttestationValidationError reports a signature or content mismatch
// between the attestation and the request it answers
func NewAttestationValidationError(message string, cause error) *ProofError {
	return &ProofError{Type: ErrTypeAttestationValidation, Message: message, Cause: cause}
}

// NewDeserializationError reports malformed presentation or attestation bytes
func NewDeserializationError(what string, cause error) *ProofError {
	return &ProofError{
		Type:    ErrTypeDeserialization,
		Message: fmt.Sprintf("failed to decode %s", what),
		Cause:   cause,
	}
}

// KeyMismatchError reports that the caller-supplied notary key does not
// match the key embedded in the presentation. It is a structured,
// reportable failure and deliberately not a cryptographic one.
type KeyMismatchError struct {
	*ProofError
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// NewKeyMismatchError creates a new key mismatch error
func NewKeyMismatchError(expected, actual string) *KeyMismatchError {
	return &KeyMismatchError{
		ProofError: &ProofError{
			Type:    ErrTypeKeyMismatch,
			Message: "notary public key mismatch",
		},
		Expected: expected,
		Actual:   actual,
	}
}

// Unwrap exposes the embedded base error so errors.As can reach it
func (e *KeyMismatchError) Unwrap() error { return e.ProofError }
