// Package engine replays queued operations against the remote authority and
// reconciles the local collection with the authority's snapshot.
//
// # Attempts
//
// At most one attempt runs at a time. An attempt drains the queue in FIFO
// order, stopping at the first failure, then fetches the remote snapshot and
// hands the resolved result to the local side. Every attempt races a
// timeout; when the timeout wins the attempt's context is cancelled and its
// result is ignored.
//
// # Retries
//
// A failed attempt schedules an automatic retry after BaseDelay, doubling
// on each consecutive failure, up to MaxRetries retries. After that the
// engine records ErrMaxRetriesExceeded, alerts the user, and waits for the
// next trigger (a new mutation, a reconnect, or an explicit sync). Queued
// operations are never discarded by this path.
//
// Separately, an operation the authority rejects outright is dropped, and
// so is one the authority has answered with an error MaxOpRetries times
// across attempts. Transport failures, timeouts and cancellation never
// count toward that budget: an outage leaves the queue untouched.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/localsync/internal/clock"
	"github.com/steveyegge/localsync/internal/conflict"
	"github.com/steveyegge/localsync/internal/observer"
	"github.com/steveyegge/localsync/internal/queue"
	"github.com/steveyegge/localsync/internal/remote"
	"github.com/steveyegge/localsync/internal/schema"
)

// Defaults applied by New.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultBaseDelay    = time.Second
	DefaultMaxRetries   = 3
	DefaultMaxOpRetries = 5
	DefaultOnlineDelay  = 500 * time.Millisecond
	DefaultInitialDelay = time.Second
)

// Alert messages delivered through Config.OnAlert.
const (
	AlertGaveUp   = "Failed to sync changes. Some data may not be saved."
	AlertDropped  = "A change could not be synced and was discarded."
	AlertRejected = "A change was rejected by the server and discarded."
)

// Strategy selects how the remote snapshot is combined with local state.
type Strategy string

const (
	// StrategyMerge resolves each record independently.
	StrategyMerge Strategy = "merge"
	// StrategySnapshot keeps whichever whole snapshot is newer.
	StrategySnapshot Strategy = "snapshot"
)

// Local is the engine's view of the local collection.
type Local interface {
	// Snapshot returns a copy of the current collection.
	Snapshot() schema.Snapshot
	// ReconcileWith calls resolve with the current collection while
	// holding the local write lock and installs the result if resolve
	// reports a change. Records with a queued local removal must stay out
	// of the installed result.
	ReconcileWith(resolve func(local schema.Snapshot) (schema.Snapshot, bool))
	// RemovalOwner returns the id of the queued remove operation that
	// deleted record id locally, if any.
	RemovalOwner(id int64) (opID string, ok bool)
}

// Connectivity is the engine's view of the connectivity monitor.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) *observer.Subscription
}

// Config configures an Engine. Authority, Local, Queue and Monitor are
// required.
type Config struct {
	Authority remote.Authority
	Local     Local
	Queue     *queue.Queue
	Monitor   Connectivity
	Clock     clock.Clock
	Logger    *log.Logger
	Metrics   *Metrics

	Timeout      time.Duration
	BaseDelay    time.Duration
	MaxRetries   int
	MaxOpRetries int
	OnlineDelay  time.Duration
	InitialDelay time.Duration
	Strategy     Strategy

	// OnAlert receives user-facing messages.
	OnAlert func(message string)
}

// Engine is the sync engine.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	cfg    Config
	clock  clock.Clock
	logger *log.Logger
	subs   *observer.List[State]

	mu         sync.Mutex
	syncing    bool
	phase      Phase
	retry      int
	lastSync   *time.Time
	syncErr    error
	storageErr error
	retryTimer clock.Timer
	kickTimer  clock.Timer
	running    bool
	monitorSub *observer.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a stopped engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Authority == nil:
		return nil, fmt.Errorf("engine: authority is required")
	case cfg.Local == nil:
		return nil, fmt.Errorf("engine: local store is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("engine: queue is required")
	case cfg.Monitor == nil:
		return nil, fmt.Errorf("engine: connectivity monitor is required")
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxOpRetries <= 0 {
		cfg.MaxOpRetries = DefaultMaxOpRetries
	}
	if cfg.OnlineDelay <= 0 {
		cfg.OnlineDelay = DefaultOnlineDelay
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyMerge
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		clock:  clock.OrReal(cfg.Clock),
		logger: cfg.Logger,
		subs:   observer.New[State](cfg.Logger),
		phase:  PhaseIdle,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Enqueue adds op to the queue. It does not start a sync; callers use Kick.
func (e *Engine) Enqueue(op schema.Operation) {
	e.cfg.Queue.Enqueue(op)
	e.cfg.Metrics.depth(e.cfg.Queue.Len())
	e.publish()
}

// Status returns the current state.
func (e *Engine) Status() State {
	e.mu.Lock()
	st := State{
		Phase:        e.phase,
		IsSyncing:    e.syncing,
		SyncError:    e.syncErr,
		StorageError: e.storageErr,
		Retry:        e.retry,
	}
	if e.lastSync != nil {
		t := *e.lastSync
		st.LastSyncTime = &t
	}
	e.mu.Unlock()

	st.IsOnline = e.cfg.Monitor.IsOnline()
	st.PendingOps = e.cfg.Queue.Peek()
	return st
}

// Subscribe registers fn to receive the state after every change.
func (e *Engine) Subscribe(fn func(State)) *observer.Subscription {
	return e.subs.Subscribe(fn)
}

// ReportStorageError records the latest durable store failure. A nil err
// clears it.
func (e *Engine) ReportStorageError(err error) {
	e.mu.Lock()
	e.storageErr = err
	e.mu.Unlock()
	e.publish()
}

// TriggerSync runs one attempt now. It returns OutcomeOffline or
// OutcomeBusy without doing anything when offline or already syncing.
// A failed attempt returns OutcomeFailed with the cause, and schedules a
// retry per the backoff policy.
func (e *Engine) TriggerSync(ctx context.Context) (Outcome, error) {
	if !e.cfg.Monitor.IsOnline() {
		e.cfg.Metrics.outcome(OutcomeOffline)
		return OutcomeOffline, nil
	}

	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		e.cfg.Metrics.outcome(OutcomeBusy)
		return OutcomeBusy, nil
	}
	e.syncing = true
	e.phase = PhaseSyncing
	e.syncErr = nil
	attemptNo := e.retry + 1
	e.mu.Unlock()

	e.publish()
	e.cfg.Metrics.attempt()

	start := e.clock.Now()
	err := e.runWithTimeout(ctx)
	e.cfg.Metrics.observe(e.clock.Now().Sub(start).Seconds())

	if err != nil {
		e.fail(attemptNo, err)
		e.cfg.Metrics.outcome(OutcomeFailed)
		return OutcomeFailed, err
	}
	e.succeed()
	e.cfg.Metrics.outcome(OutcomeSynced)
	return OutcomeSynced, nil
}

// Sync is TriggerSync for callers that only care about the error. Offline
// yields ErrOffline; a busy engine yields nil.
func (e *Engine) Sync(ctx context.Context) error {
	out, err := e.TriggerSync(ctx)
	if out == OutcomeOffline {
		return ErrOffline
	}
	return err
}

// Kick schedules an asynchronous sync as soon as possible. Kicks that
// arrive while one is already scheduled are coalesced.
func (e *Engine) Kick() {
	e.scheduleKick(0)
}

func (e *Engine) scheduleKick(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx.Err() != nil {
		return // stopped
	}
	if e.kickTimer != nil {
		if d == 0 {
			return
		}
		e.kickTimer.Stop()
	}
	ctx := e.ctx
	var t clock.Timer
	t = e.clock.AfterFunc(d, func() {
		e.mu.Lock()
		if e.kickTimer == t {
			e.kickTimer = nil
		}
		e.mu.Unlock()
		_, _ = e.TriggerSync(ctx)
	})
	e.kickTimer = t
}

// Start subscribes to connectivity changes and schedules the initial sync
// when online.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	sub := e.cfg.Monitor.Subscribe(e.onConnectivity)

	e.mu.Lock()
	e.monitorSub = sub
	e.mu.Unlock()

	if e.cfg.Monitor.IsOnline() {
		e.scheduleKick(e.cfg.InitialDelay)
	}
	e.publish()
	return nil
}

// Stop cancels pending timers, unsubscribes from the monitor and cancels any
// in-flight attempt. It is safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	sub := e.monitorSub
	e.monitorSub = nil
	e.stopTimersLocked()
	e.cancel()
	e.mu.Unlock()

	sub.Unsubscribe()
}

// Reset clears sync state and discards every queued operation.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.stopTimersLocked()
	e.retry = 0
	e.syncErr = nil
	e.storageErr = nil
	e.lastSync = nil
	if !e.syncing {
		e.phase = PhaseIdle
	}
	e.mu.Unlock()

	e.cfg.Queue.Clear()
	e.cfg.Metrics.depth(0)
	e.publish()
}

func (e *Engine) onConnectivity(online bool) {
	if online {
		e.logger.Printf("Back online, syncing in %s", e.cfg.OnlineDelay)
		e.scheduleKick(e.cfg.OnlineDelay)
		e.publish()
		return
	}

	e.mu.Lock()
	e.stopTimersLocked()
	e.mu.Unlock()
	e.publish()
}

func (e *Engine) stopTimersLocked() {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	if e.kickTimer != nil {
		e.kickTimer.Stop()
		e.kickTimer = nil
	}
}

// runWithTimeout runs one attempt, returning ErrTimeout if the clock
// reaches the timeout first.
func (e *Engine) runWithTimeout(ctx context.Context) error {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	expired := make(chan struct{})
	timer := e.clock.AfterFunc(e.cfg.Timeout, func() { close(expired) })
	defer timer.Stop()

	done := make(chan error, 1)
	go func() { done <- e.attempt(actx) }()

	select {
	case err := <-done:
		return err
	case <-expired:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) attempt(ctx context.Context) error {
	if err := e.drain(ctx); err != nil {
		return err
	}

	remoteSnap, err := e.cfg.Authority.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch remote snapshot: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.cfg.Local.ReconcileWith(func(local schema.Snapshot) (schema.Snapshot, bool) {
		if ctx.Err() != nil {
			return local, false
		}
		return e.resolve(local, remoteSnap)
	})
	return nil
}

func (e *Engine) drain(ctx context.Context) error {
	defer func() { e.cfg.Metrics.depth(e.cfg.Queue.Len()) }()

	for _, op := range e.cfg.Queue.Peek() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if op.Type == schema.OpRemove && e.alreadyRemoved(op) {
			e.cfg.Queue.Ack(op.ID)
			e.cfg.Metrics.skip()
			continue
		}

		err := e.cfg.Authority.Apply(ctx, op)
		if err == nil {
			e.cfg.Queue.Ack(op.ID)
			e.cfg.Metrics.replay()
			continue
		}

		if remote.IsRejected(err) {
			e.logger.Printf("WARNING: dropping rejected %s for record %d: %v", op.Type, op.Payload.ID, err)
			e.cfg.Queue.Drop(op.ID)
			e.cfg.Metrics.drop("rejected")
			e.alert(AlertRejected)
			continue
		}

		if remote.IsTransport(err) || ctx.Err() != nil {
			return fmt.Errorf("failed to replay %s for record %d: %w", op.Type, op.Payload.ID, err)
		}
		if n := e.cfg.Queue.IncrementRetry(op.ID); n >= e.cfg.MaxOpRetries {
			e.logger.Printf("WARNING: dropping %s for record %d after %d failures: %v", op.Type, op.Payload.ID, n, err)
			e.cfg.Queue.Drop(op.ID)
			e.cfg.Metrics.drop("max_retries")
			e.alert(AlertDropped)
		}
		return fmt.Errorf("failed to replay %s for record %d: %w", op.Type, op.Payload.ID, err)
	}
	return nil
}

// alreadyRemoved reports whether a queued remove can be skipped: the
// record is absent locally and no pending local removal owns it.
func (e *Engine) alreadyRemoved(op schema.Operation) bool {
	if e.cfg.Local.Snapshot().Has(op.Payload.ID) {
		return false
	}
	owner, ok := e.cfg.Local.RemovalOwner(op.Payload.ID)
	return !ok || owner != op.ID
}

func (e *Engine) resolve(local, remoteSnap schema.Snapshot) (schema.Snapshot, bool) {
	if e.cfg.Strategy == StrategySnapshot {
		winner, side := conflict.ResolveSnapshots(local, remoteSnap)
		if side == conflict.Remote {
			e.logger.Printf("Remote snapshot is newer, replacing local state")
		}
		return winner, side == conflict.Remote
	}

	merged, changed := conflict.Merge(local, remoteSnap)
	if changed {
		e.logger.Printf("Merged remote changes (%d records)", len(merged.Records))
	}
	return merged, changed
}

func (e *Engine) succeed() {
	e.mu.Lock()
	now := e.clock.Now()
	e.syncing = false
	e.phase = PhaseSynced
	e.lastSync = &now
	e.retry = 0
	e.syncErr = nil
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.mu.Unlock()

	e.logger.Printf("Sync completed")
	e.publish()

	if e.cfg.Queue.Len() > 0 && e.cfg.Monitor.IsOnline() {
		e.Kick()
	}
}

func (e *Engine) fail(attemptNo int, err error) {
	e.mu.Lock()
	e.syncing = false
	e.phase = PhaseError
	e.syncErr = &SyncError{Attempt: attemptNo, Err: err}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}

	gaveUp := false
	if e.retry < e.cfg.MaxRetries && e.cfg.Monitor.IsOnline() && !errors.Is(err, context.Canceled) {
		e.retry++
		delay := e.cfg.BaseDelay << (e.retry - 1)
		ctx := e.ctx
		var t clock.Timer
		t = e.clock.AfterFunc(delay, func() {
			e.mu.Lock()
			if e.retryTimer == t {
				e.retryTimer = nil
			}
			e.mu.Unlock()
			_, _ = e.TriggerSync(ctx)
		})
		e.retryTimer = t
		e.logger.Printf("Sync failed (attempt %d), retrying in %s: %v", attemptNo, delay, err)
	} else {
		gaveUp = e.retry >= e.cfg.MaxRetries
		e.retry = 0
		if gaveUp {
			e.syncErr = &SyncError{Attempt: attemptNo, Err: fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)}
		}
		e.logger.Printf("Sync failed (attempt %d): %v", attemptNo, err)
	}
	e.mu.Unlock()

	if gaveUp {
		e.alert(AlertGaveUp)
	}
	e.publish()
}

func (e *Engine) alert(msg string) {
	if e.cfg.OnAlert != nil {
		e.cfg.OnAlert(msg)
	}
}

func (e *Engine) publish() {
	e.subs.Notify(e.Status())
}
