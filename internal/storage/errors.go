package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Backend.Get when the key has no value.
	ErrNotFound = errors.New("storage: key not found")

	// ErrUnavailable means the backend cannot be used at all. The store
	// falls back to keeping the snapshot in memory.
	ErrUnavailable = errors.New("storage: backend unavailable")

	// ErrQuotaExceeded means a write was rejected for size.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")

	// ErrCorrupted means persisted data could not be decoded, or a snapshot
	// could not be encoded. The offending blob is deleted.
	ErrCorrupted = errors.New("storage: data corrupted")
)

// TruncatedError reports a write that succeeded only after dropping the
// oldest records to fit the quota.
type TruncatedError struct {
	Kept    int
	Dropped int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("storage: quota exceeded, kept last %d records and dropped %d", e.Kept, e.Dropped)
}

// Is makes errors.Is(err, ErrQuotaExceeded) true for truncation reports.
func (e *TruncatedError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// IsQuota reports whether err is a quota failure or a truncation report.
func IsQuota(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsUnavailable reports whether err means the backend is unusable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
