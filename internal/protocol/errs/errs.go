// Package errs implements the typed error taxonomy shared by every
// internal/protocol package: a tagged Kind plus message plus optional
// cause, with no exceptional control flow across component boundaries.
package errs

import "fmt"

// Kind classifies a failure so callers can decide whether it is fatal to
// the current operation, terminal for the connection, or signals a
// required rekey.
type Kind int

const (
	KindInvalidInput Kind = iota
	KindPeerPublicKeyInvalid
	KindPrepareLocal
	KindHandshake
	KindDeriveKey
	KindKeyGeneration
	KindDecode
	KindObjectDisposed
	KindSessionExpired
	KindReplayDetected
	KindSkippedCacheExhausted
	KindNonceCounterExhausted
	KindGeneric
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindPeerPublicKeyInvalid:
		return "PeerPublicKeyInvalid"
	case KindPrepareLocal:
		return "PrepareLocal"
	case KindHandshake:
		return "Handshake"
	case KindDeriveKey:
		return "DeriveKey"
	case KindKeyGeneration:
		return "KeyGeneration"
	case KindDecode:
		return "Decode"
	case KindObjectDisposed:
		return "ObjectDisposed"
	case KindSessionExpired:
		return "SessionExpired"
	case KindReplayDetected:
		return "ReplayDetected"
	case KindSkippedCacheExhausted:
		return "SkippedCacheExhausted"
	case KindNonceCounterExhausted:
		return "NonceCounterExhausted"
	default:
		return "Generic"
	}
}

// Error is the concrete type every internal/protocol operation returns.
// The cause chain is preserved for diagnostics via Unwrap but Error()
// never includes it, so logging an Error can never leak secret state
// carried in a lower-level cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare typed error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a typed error carrying a lower-level cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
