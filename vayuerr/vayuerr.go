// Package vayuerr defines the engine's error taxonomy (spec section 7) and
// translates it into the wire-level {error:{code,message}} shape the
// Control Plane returns. Native Go error text (stack traces, driver-specific
// messages) never crosses this boundary.
package vayuerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an engine error, matching the taxonomy in spec section 7.
type Kind string

const (
	KindInvalidURL       Kind = "InvalidUrl"
	KindInvalidMethod    Kind = "InvalidMethod"
	KindTimeout          Kind = "Timeout"
	KindConnectionFailed Kind = "ConnectionFailed"
	KindDNSError         Kind = "DnsError"
	KindSSLError         Kind = "SslError"
	KindCancelled        Kind = "Cancelled"
	KindScriptError      Kind = "ScriptError"
	KindEngineError      Kind = "EngineError"
	KindNotFound         Kind = "NotFound"
	KindLockConflict     Kind = "LockConflict"
)

// Error is the engine's typed error. Message is safe to show to API
// clients; Cause (if present) is logged but never serialised.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind, recording cause for logging.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the control-plane status codes from spec
// section 6.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidURL, KindInvalidMethod:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindLockConflict:
		return http.StatusConflict
	case KindTimeout, KindConnectionFailed, KindDNSError, KindSSLError:
		return http.StatusBadGateway
	case KindCancelled:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Payload is the {error:{code,message}} JSON body shape.
type Payload struct {
	Error PayloadBody `json:"error"`
}

type PayloadBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToPayload converts err into the wire body, falling back to EngineError
// for untyped errors so no native error text ever leaks.
func ToPayload(err error) (int, Payload) {
	if e, ok := As(err); ok {
		return e.Kind.HTTPStatus(), Payload{Error: PayloadBody{Code: string(e.Kind), Message: e.Message}}
	}
	return KindEngineError.HTTPStatus(), Payload{Error: PayloadBody{Code: string(KindEngineError), Message: "internal error"}}
}
