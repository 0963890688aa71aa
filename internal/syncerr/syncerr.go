package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies an error for the purpose of retry and reporting decisions.
type Kind string

const (
	KindUnknown           Kind = "Unknown"
	KindLockUnavailable   Kind = "LockUnavailable"
	KindLockLost          Kind = "LockLost"
	KindManifestCorrupt   Kind = "ManifestCorrupt"
	KindSchemaUnsupported Kind = "SchemaVersionUnsupported"
	KindProviderAuth      Kind = "ProviderAuthError"
	KindProviderTransient Kind = "ProviderTransient"
	KindQuotaExceeded     Kind = "QuotaExceeded"
	KindChecksumMismatch  Kind = "ChecksumMismatch"
	KindNotFound          Kind = "NotFound"
	KindCancelled         Kind = "Cancelled"
	KindLocalChanged      Kind = "LocalChanged"
)

var (
	ErrLockUnavailable   = errors.New("lock held by another owner")
	ErrLockLost          = errors.New("lock lost")
	ErrManifestCorrupt   = errors.New("manifest corrupt")
	ErrSchemaUnsupported = errors.New("manifest schema version unsupported")
	ErrProviderAuth      = errors.New("provider authentication failed")
	ErrProviderTransient = errors.New("provider transient failure")
	ErrQuotaExceeded     = errors.New("provider quota exceeded")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrNotFound          = errors.New("not found")
	ErrCancelled         = errors.New("cancelled")
	ErrLocalChanged      = errors.New("local content changed during sync")
)

var kindSentinels = map[Kind]error{
	KindLockUnavailable:   ErrLockUnavailable,
	KindLockLost:          ErrLockLost,
	KindManifestCorrupt:   ErrManifestCorrupt,
	KindSchemaUnsupported: ErrSchemaUnsupported,
	KindProviderAuth:      ErrProviderAuth,
	KindProviderTransient: ErrProviderTransient,
	KindQuotaExceeded:     ErrQuotaExceeded,
	KindChecksumMismatch:  ErrChecksumMismatch,
	KindNotFound:          ErrNotFound,
	KindCancelled:         ErrCancelled,
	KindLocalChanged:      ErrLocalChanged,
}

// Error carries a Kind together with the file and operation it happened on.
type Error struct {
	Kind   Kind
	Op     string
	FileID string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.FileID != "" {
		msg += " [" + e.FileID + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrChecksumMismatch) match any *Error of that kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ForFile wraps err with a kind, operation name and file id.
func ForFile(kind Kind, op, fileID string, err error) *Error {
	return &Error{Kind: kind, Op: op, FileID: fileID, Err: err}
}

// Errorf is a shorthand for New(kind, op, fmt.Errorf(format, args...)).
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of err. Context errors and net timeouts are
// recognised even when they were never wrapped in an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindProviderTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindProviderTransient
	}

	return KindUnknown
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return KindOf(err) == KindProviderTransient
}

// KindFromHTTPStatus maps an HTTP status code returned by a backend to a kind.
func KindFromHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindProviderAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return KindProviderTransient
	case status == http.StatusInsufficientStorage, status == http.StatusRequestEntityTooLarge:
		return KindQuotaExceeded
	case status >= 500:
		return KindProviderTransient
	default:
		return KindUnknown
	}
}
