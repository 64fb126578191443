// Package remote talks to the authority that holds the shared copy of the
// record collection.
//
// Authority is the contract the sync engine depends on. Client speaks it
// over HTTP, Ledger implements it in process, and NewHandler serves a
// Ledger over HTTP so the two ends can be paired.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/steveyegge/localsync/internal/schema"
)

// Authority is the remote end of synchronisation. Apply must be
// idempotent by operation id.
type Authority interface {
	Fetch(ctx context.Context) (schema.Snapshot, error)
	Apply(ctx context.Context, op schema.Operation) error
}

var (
	// ErrNetwork classifies failures that may succeed on retry: transport
	// errors and 5xx responses.
	ErrNetwork = errors.New("remote: network error")

	// ErrRejected classifies operations the authority refused (4xx). They
	// will not succeed on retry.
	ErrRejected = errors.New("remote: rejected")
)

// StatusError is a non-2xx response from the authority.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("remote: %d %s: %s", e.Code, http.StatusText(e.Code), e.Message)
}

// Is maps 5xx onto ErrNetwork and 4xx onto ErrRejected.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Code >= 500
	case ErrRejected:
		return e.Code >= 400 && e.Code < 500
	}
	return false
}

// IsTransport reports whether err means the authority never answered:
// the request failed in transit or its context ended. A 5xx response is
// an answer and does not count.
func IsTransport(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	return errors.Is(err, ErrNetwork) && !errors.As(err, &se)
}

// IsRejected reports whether err means retrying is pointless.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// AuthorityFunc adapts a pair of functions to Authority. Nil functions
// succeed with zero values.
type AuthorityFunc struct {
	FetchFunc func(ctx context.Context) (schema.Snapshot, error)
	ApplyFunc func(ctx context.Context, op schema.Operation) error
}

// Fetch implements Authority.
func (f AuthorityFunc) Fetch(ctx context.Context) (schema.Snapshot, error) {
	if f.FetchFunc == nil {
		return schema.Snapshot{}, nil
	}
	return f.FetchFunc(ctx)
}

// Apply implements Authority.
func (f AuthorityFunc) Apply(ctx context.Context, op schema.Operation) error {
	if f.ApplyFunc == nil {
		return nil
	}
	return f.ApplyFunc(ctx, op)
}
