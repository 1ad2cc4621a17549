package host

import (
	"errors"
	"fmt"
)

// ErrNotSupported is returned when a host lacks an optional endpoint
// (user info, delete, rename).
var ErrNotSupported = errors.New("host: operation not supported")

// ErrorKind classifies host failures so callers can pick a policy without
// parsing messages.
type ErrorKind int

const (
	// KindAuth marks bad credentials or a token that stayed invalid after
	// the single transparent refresh attempt.
	KindAuth ErrorKind = iota
	// KindUpload marks a transfer that failed after exhausting retries.
	KindUpload
	// KindNetwork marks connectivity and timeout failures, generally
	// transient.
	KindNetwork
	// KindValidation marks bad input (missing file, empty payload).
	KindValidation
	// KindSecurity marks unavailable credential material.
	KindSecurity
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "authentication"
	case KindUpload:
		return "upload"
	case KindNetwork:
		return "network"
	case KindValidation:
		return "validation"
	case KindSecurity:
		return "security"
	}
	return "unknown"
}

// Error is a classified host failure. Reason is a short human-readable
// string, always distinct from the raw protocol payload (kept in Raw).
type Error struct {
	Kind   ErrorKind
	HostID string
	Reason string
	Raw    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.HostID, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.HostID, e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a host.Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind == kind
	}
	return false
}

func newError(kind ErrorKind, hostID, reason string, err error) *Error {
	return &Error{Kind: kind, HostID: hostID, Reason: reason, Err: err}
}
