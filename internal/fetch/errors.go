package fetch

import (
	"context"
	"errors"
	"fmt"

	rshttp "github.com/adraguidev/reportsync/internal/http"
)

// Kind classifies a fetch failure.
type Kind string

const (
	KindAuth         Kind = "auth"
	KindNetwork      Kind = "network"
	KindServer       Kind = "server"
	KindHTTPStatus   Kind = "http_status"
	KindSizeMismatch Kind = "size_mismatch"
	KindRename       Kind = "rename"
	KindLockTimeout  Kind = "lock_timeout"
	KindCancelled    Kind = "cancelled"
	KindUnexpected   Kind = "unexpected"
)

// Kinds lists every kind, in a stable order.
var Kinds = []Kind{
	KindAuth, KindNetwork, KindServer, KindHTTPStatus, KindSizeMismatch,
	KindRename, KindLockTimeout, KindCancelled, KindUnexpected,
}

// Error is a classified failure of one fetch attempt.
type Error struct {
	Kind Kind

	// Path is the destination being written.
	Path string

	// Attempt is the 1-based attempt that failed.
	Attempt int

	// StatusCode is the HTTP status for KindServer, KindHTTPStatus and
	// KindAuth, or zero.
	StatusCode int

	Err error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d, attempt %d): %v", e.Path, e.Kind, e.StatusCode, e.Attempt, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s (attempt %d): %v", e.Path, e.Kind, e.Attempt, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindServer, KindHTTPStatus, KindSizeMismatch, KindRename:
		return true
	default:
		return false
	}
}

// ErrSizeMismatch is wrapped by KindSizeMismatch errors.
var ErrSizeMismatch = errors.New("fetch: downloaded size does not match content length")

// classify maps a request error onto a Kind. A cancelled context wins over
// whatever the transport reported.
func classify(ctx context.Context, path string, attempt int, err error) *Error {
	e := &Error{Path: path, Attempt: attempt, Err: err}

	var se *rshttp.StatusError
	switch {
	case ctx.Err() != nil:
		e.Kind = KindCancelled
		e.Err = ctx.Err()
	case errors.Is(err, rshttp.ErrCredentials):
		e.Kind = KindAuth
	case errors.As(err, &se):
		e.StatusCode = se.Code
		switch {
		case errors.Is(err, rshttp.ErrUnauthorized):
			e.Kind = KindAuth
		case errors.Is(err, rshttp.ErrServerError):
			e.Kind = KindServer
		default:
			e.Kind = KindHTTPStatus
		}
	default:
		e.Kind = KindNetwork
	}
	return e
}
