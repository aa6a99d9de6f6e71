package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so handlers can pick the user-facing message
type Kind string

const (
	KindConfig            Kind = "config"
	KindAdmissionRejected Kind = "admission_rejected"
	KindGatewayTimeout    Kind = "gateway_timeout"
	KindGatewayHTTP       Kind = "gateway_http"
	KindGatewayMalformed  Kind = "gateway_malformed"
	KindRefusal           Kind = "refusal"
	KindMediaTooLarge     Kind = "media_too_large"
	KindMediaDownload     Kind = "media_download"
	KindTranscode         Kind = "transcode"
	KindValidation        Kind = "validation"
	KindUnknown           Kind = "unknown"
)

// Error is a classified error
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind with a plain message
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(message)}
}

// Wrap classifies an existing error
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// HTTP builds a GatewayHTTP error; body is truncated to keep logs readable
func HTTP(op string, status int, body string) *Error {
	if len(body) > 500 {
		body = body[:500]
	}
	return &Error{Kind: KindGatewayHTTP, Op: op, Status: status, Body: body}
}

// KindOf returns the kind of the first classified error in the chain
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusOf returns the HTTP status attached to err, or 0
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
