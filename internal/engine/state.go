package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/localsync/internal/schema"
)

// Phase is the coarse sync status shown to users.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
	PhaseSynced  Phase = "synced"
	PhaseError   Phase = "error"
)

// Outcome is the result of a TriggerSync call.
type Outcome int

const (
	// OutcomeSynced means the queue was drained and the remote reconciled.
	OutcomeSynced Outcome = iota
	// OutcomeOffline means no attempt was made because the monitor is offline.
	OutcomeOffline
	// OutcomeBusy means another attempt was already running.
	OutcomeBusy
	// OutcomeFailed means the attempt ran and failed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSynced:
		return "synced"
	case OutcomeOffline:
		return "offline"
	case OutcomeBusy:
		return "busy"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrTimeout is the failure recorded when an attempt outlives the
	// sync timeout. It is treated like any other network failure.
	ErrTimeout = errors.New("sync: network timeout")

	// ErrMaxRetriesExceeded is recorded once automatic retries give up.
	// Queued operations are kept.
	ErrMaxRetriesExceeded = errors.New("sync: max retries exceeded")

	// ErrOffline is returned by Sync when the monitor reports offline.
	ErrOffline = errors.New("sync: offline")
)

// SyncError wraps the failure of one attempt.
type SyncError struct {
	Attempt int
	Err     error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// State is a point-in-time view of the engine.
type State struct {
	Phase        Phase
	IsOnline     bool
	IsSyncing    bool
	LastSyncTime *time.Time
	PendingOps   []schema.Operation
	SyncError    error
	StorageError error
	// Retry is the number of automatic retries already scheduled in the
	// current failure streak.
	Retry int
}

// Pending returns the number of queued operations.
func (s State) Pending() int {
	return len(s.PendingOps)
}
