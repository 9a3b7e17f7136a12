package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies protocol failures. Producers only ever see the kind, the
// code and a public message, never internal detail.
type Kind string

const (
	KindAuth            Kind = "auth"
	KindCrypto          Kind = "crypto"
	KindProtocol        Kind = "protocol"
	KindValidation      Kind = "validation"
	KindVersionConflict Kind = "version_conflict"
	KindNotFound        Kind = "not_found"
	KindUnavailable     Kind = "unavailable"
)

// Error is the typed error of all protocol operations. Two errors match under
// errors.Is when their codes are equal, so sentinels survive transport.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`

	cause error
}

var (
	ErrUnauthenticated    = &Error{Kind: KindAuth, Code: "unauthenticated", Message: "unauthenticated"}
	ErrDecryptionFailed   = &Error{Kind: KindCrypto, Code: "decryption_failed", Message: "decryption failed"}
	ErrKeyMismatch        = &Error{Kind: KindCrypto, Code: "key_mismatch", Message: "encryption key mismatch"}
	ErrBadContribution    = &Error{Kind: KindProtocol, Code: "bad_contribution", Message: "malformed contribution"}
	ErrMalformedRequest   = &Error{Kind: KindProtocol, Code: "malformed_request", Message: "malformed request"}
	ErrReplayedToken      = &Error{Kind: KindProtocol, Code: "replayed_token", Message: "token already used"}
	ErrExpiredToken       = &Error{Kind: KindProtocol, Code: "expired_token", Message: "token expired"}
	ErrBadFilter          = &Error{Kind: KindProtocol, Code: "bad_filter", Message: "invalid filter"}
	ErrTimeout            = &Error{Kind: KindProtocol, Code: "timeout", Message: "key server timeout"}
	ErrContention         = &Error{Kind: KindProtocol, Code: "contention", Message: "too many concurrent updates"}
	ErrValidation         = &Error{Kind: KindValidation, Code: "validation_failed", Message: "contribution rejected"}
	ErrVersionConflict    = &Error{Kind: KindVersionConflict, Code: "version_conflict", Message: "version conflict"}
	ErrNotFound           = &Error{Kind: KindNotFound, Code: "not_found", Message: "not found"}
	ErrServiceUnavailable = &Error{Kind: KindUnavailable, Code: "unavailable", Message: "service unavailable"}
)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches on the error code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Public strips internal causes before the error leaves the process.
func (e *Error) Public() *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message}
}

// Errorf returns a copy of sentinel with a public message.
func Errorf(sentinel *Error, format string, args ...any) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an internal cause to sentinel. The cause is logged, not sent.
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: sentinel.Message, cause: cause}
}

// AsError converts any error into a protocol error. Unknown errors become
// ErrServiceUnavailable with the original kept as cause.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Wrap(ErrServiceUnavailable, err)
}

// KindOf returns the kind of err, or KindUnavailable for foreign errors.
func KindOf(err error) Kind {
	return AsError(err).Kind
}
