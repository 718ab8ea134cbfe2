// Package brokererr defines the closed set of error kinds the broker can
// surface to a peer, mirroring the RiskLevel-enum-with-String() idiom used
// elsewhere in this codebase for classifying outcomes.
package brokererr

import "fmt"

// Kind classifies a broker-level failure. It is a closed set: dispatch and
// logging code switch over it exhaustively.
type Kind int

const (
	KindUnknown Kind = iota
	KindProtocolFraming
	KindHandshake
	KindRequestEnvelope
	KindUnknownMethod
	KindInvalidArguments
	KindResource
	KindValidatorRejected
	KindBackend
	KindCatastrophic
)

func (k Kind) String() string {
	switch k {
	case KindProtocolFraming:
		return "protocol_framing"
	case KindHandshake:
		return "handshake"
	case KindRequestEnvelope:
		return "request_envelope"
	case KindUnknownMethod:
		return "unknown_method"
	case KindInvalidArguments:
		return "invalid_arguments"
	case KindResource:
		return "resource"
	case KindValidatorRejected:
		return "validator_rejected"
	case KindBackend:
		return "backend"
	case KindCatastrophic:
		return "catastrophic"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with a human-readable, peer-safe message. It never
// embeds secret-token material or peer credentials.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Fatal reports whether this error kind requires dropping the session rather
// than returning a typed result to an otherwise-healthy peer.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindProtocolFraming, KindCatastrophic:
		return true
	default:
		return false
	}
}
