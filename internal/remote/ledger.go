package remote

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/steveyegge/localsync/internal/clock"
	"github.com/steveyegge/localsync/internal/conflict"
	"github.com/steveyegge/localsync/internal/schema"
	"github.com/steveyegge/localsync/internal/storage"
)

// maxRemembered bounds the set of applied operation ids kept for dedupe.
const maxRemembered = 10000

// LedgerOptions configures a Ledger.
type LedgerOptions struct {
	Clock  clock.Clock
	Logger *log.Logger
	// Store, when set, persists the ledger after every applied operation.
	Store *storage.Store
}

// Ledger is an in-process Authority. Every operation payload carries the
// full record state after the mutation, so applying it is a per-record
// last-writer-wins assignment.
//
// Changes to records that no longer exist are acknowledged without effect:
// a removal on the authority wins over later edits made elsewhere.
type Ledger struct {
	clock  clock.Clock
	logger *log.Logger
	store  *storage.Store

	mu      sync.Mutex
	snap    schema.Snapshot
	applied map[string]struct{}
	order   []string
}

// NewLedger returns a ledger, loading its state from opts.Store if set.
func NewLedger(opts LedgerOptions) *Ledger {
	l := &Ledger{
		clock:   clock.OrReal(opts.Clock),
		logger:  opts.Logger,
		store:   opts.Store,
		applied: make(map[string]struct{}),
	}
	if l.logger == nil {
		l.logger = log.New(os.Stderr, "[ledger] ", log.LstdFlags)
	}
	if l.store != nil {
		l.snap = l.store.Load()
	} else {
		l.snap = schema.NewSnapshot(l.clock.Now())
	}
	return l
}

// Fetch implements Authority.
func (l *Ledger) Fetch(ctx context.Context) (schema.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return schema.Snapshot{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap.Clone(), nil
}

// Apply implements Authority.
func (l *Ledger) Apply(ctx context.Context, op schema.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if op.Type != schema.OpRemove {
		if err := op.Payload.Fields.Validate(); err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrRejected, op.Payload.ID, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.applied[op.ID]; seen {
		return nil
	}

	changed := l.applyLocked(op)
	l.rememberLocked(op.ID)
	if !changed {
		return nil
	}

	l.snap.LastModified = l.clock.Now()
	l.snap.Normalize()
	if l.store != nil {
		if err := l.store.SaveNow(l.snap); err != nil {
			l.logger.Printf("WARNING: failed to persist ledger: %v", err)
		}
	}
	return nil
}

func (l *Ledger) applyLocked(op schema.Operation) bool {
	idx := l.snap.Find(op.Payload.ID)

	switch op.Type {
	case schema.OpRemove:
		if idx < 0 {
			return false
		}
		l.snap.Records = append(l.snap.Records[:idx], l.snap.Records[idx+1:]...)
		return true

	case schema.OpAdd:
		if idx < 0 {
			l.snap.Records = append(l.snap.Records, op.Payload.Clone())
			if op.Payload.ID >= l.snap.NextID {
				l.snap.NextID = op.Payload.ID + 1
			}
			return true
		}
		return l.resolveLocked(idx, op.Payload)

	default:
		if idx < 0 {
			l.logger.Printf("Ignoring %s for missing record %d", op.Type, op.Payload.ID)
			return false
		}
		return l.resolveLocked(idx, op.Payload)
	}
}

func (l *Ledger) resolveLocked(idx int, incoming schema.Record) bool {
	existing := l.snap.Records[idx]
	winner := conflict.ResolveRecord(incoming, existing)
	if cmp.Equal(winner, existing) {
		return false
	}
	l.snap.Records[idx] = winner.Clone()
	return true
}

func (l *Ledger) rememberLocked(id string) {
	l.applied[id] = struct{}{}
	l.order = append(l.order, id)
	if len(l.order) > maxRemembered {
		delete(l.applied, l.order[0])
		l.order = l.order[1:]
	}
}

// Seed replaces the ledger contents. Tests and the serve command use it to
// start from a known state.
func (l *Ledger) Seed(snap schema.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap = snap.Clone()
	l.snap.Normalize()
}

// Applied returns how many distinct operations the ledger remembers.
func (l *Ledger) Applied() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.applied)
}
