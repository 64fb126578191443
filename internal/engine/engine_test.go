package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/steveyegge/localsync/internal/clock"
	"github.com/steveyegge/localsync/internal/connectivity"
	"github.com/steveyegge/localsync/internal/queue"
	"github.com/steveyegge/localsync/internal/remote"
	"github.com/steveyegge/localsync/internal/schema"
	"go.uber.org/goleak"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

type fakeLocal struct {
	mu         sync.Mutex
	snap       schema.Snapshot
	owners     map[int64]string
	reconciled int
}

func newFakeLocal(records ...schema.Record) *fakeLocal {
	snap := schema.NewSnapshot(t0)
	snap.Records = append(snap.Records, records...)
	snap.Normalize()
	return &fakeLocal{snap: snap, owners: map[int64]string{}}
}

func (l *fakeLocal) Snapshot() schema.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap.Clone()
}

func (l *fakeLocal) ReconcileWith(resolve func(schema.Snapshot) (schema.Snapshot, bool)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if next, changed := resolve(l.snap.Clone()); changed {
		l.snap = next
		l.reconciled++
	}
}

func (l *fakeLocal) RemovalOwner(id int64) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.owners[id]
	return owner, ok
}

// recordingAuthority applies operations through fn and records their ids.
type recordingAuthority struct {
	mu      sync.Mutex
	applied []string
	calls   int
	fn      func(ctx context.Context, op schema.Operation) error
	remote  schema.Snapshot
}

func (a *recordingAuthority) Fetch(ctx context.Context) (schema.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.remote.Records == nil {
		return schema.NewSnapshot(time.Time{}), nil
	}
	return a.remote.Clone(), nil
}

func (a *recordingAuthority) Apply(ctx context.Context, op schema.Operation) error {
	a.mu.Lock()
	a.calls++
	fn := a.fn
	a.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, op); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.applied = append(a.applied, op.ID)
	a.mu.Unlock()
	return nil
}

func (a *recordingAuthority) Applied() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.applied...)
}

func (a *recordingAuthority) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type harness struct {
	engine  *Engine
	clock   *clock.Fake
	local   *fakeLocal
	auth    *recordingAuthority
	queue   *queue.Queue
	monitor *connectivity.Monitor
	alerts  *[]string
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	fake := clock.NewFake(t0)
	h := &harness{
		clock:   fake,
		local:   newFakeLocal(),
		auth:    &recordingAuthority{},
		queue:   queue.New(),
		monitor: connectivity.New(connectivity.Options{Initial: true, Logger: quiet()}),
		alerts:  &[]string{},
	}
	var alertMu sync.Mutex
	cfg := Config{
		Authority: h.auth,
		Local:     h.local,
		Queue:     h.queue,
		Monitor:   h.monitor,
		Clock:     fake,
		Logger:    quiet(),
		OnAlert: func(msg string) {
			alertMu.Lock()
			defer alertMu.Unlock()
			*h.alerts = append(*h.alerts, msg)
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.engine = e
	t.Cleanup(e.Stop)
	return h
}

func addOp(id int64, text string) schema.Operation {
	return schema.NewOperation(schema.OpAdd, schema.Record{
		ID:        id,
		Fields:    schema.Fields{Text: text},
		CreatedAt: t0,
		UpdatedAt: t0,
		Version:   1,
	}, t0)
}

func opIDs(ops []schema.Operation) []string {
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	return ids
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metrics:
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func TestNew_RequiresDependencies(t *testing.T) {
	mon := connectivity.New(connectivity.Options{Logger: quiet()})
	full := Config{Authority: remote.AuthorityFunc{}, Local: newFakeLocal(), Queue: queue.New(), Monitor: mon}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no authority", func(c *Config) { c.Authority = nil }},
		{"no local", func(c *Config) { c.Local = nil }},
		{"no queue", func(c *Config) { c.Queue = nil }},
		{"no monitor", func(c *Config) { c.Monitor = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := full
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New() succeeded")
			}
		})
	}
}

func TestTriggerSync_Offline(t *testing.T) {
	h := newHarness(t, nil)
	h.monitor.Notify(false)
	h.engine.Enqueue(addOp(1, "a"))

	out, err := h.engine.TriggerSync(t.Context())
	if out != OutcomeOffline || err != nil {
		t.Fatalf("TriggerSync() = %v, %v; want offline, nil", out, err)
	}
	if h.auth.Calls() != 0 {
		t.Errorf("authority called %d times while offline", h.auth.Calls())
	}
	if !errors.Is(h.engine.Sync(t.Context()), ErrOffline) {
		t.Error("Sync() did not report ErrOffline")
	}
	if h.queue.Len() != 1 {
		t.Errorf("queue length = %d, want 1", h.queue.Len())
	}
}

func TestTriggerSync_DrainsInOrder(t *testing.T) {
	h := newHarness(t, nil)
	ops := []schema.Operation{addOp(1, "a"), addOp(2, "b"), addOp(3, "c")}
	for _, op := range ops {
		h.engine.Enqueue(op)
	}

	out, err := h.engine.TriggerSync(t.Context())
	if out != OutcomeSynced || err != nil {
		t.Fatalf("TriggerSync() = %v, %v", out, err)
	}
	if diff := cmp.Diff(opIDs(ops), h.auth.Applied()); diff != "" {
		t.Errorf("replay order mismatch (-want +got):\n%s", diff)
	}

	st := h.engine.Status()
	if st.Phase != PhaseSynced || st.IsSyncing || st.Pending() != 0 || st.SyncError != nil {
		t.Errorf("Status() = %+v", st)
	}
	if st.LastSyncTime == nil || !st.LastSyncTime.Equal(t0) {
		t.Errorf("LastSyncTime = %v, want %v", st.LastSyncTime, t0)
	}
	if h.clock.PendingCount() != 0 {
		t.Errorf("timers left after success: %v", h.clock.Pending())
	}
}

func TestTriggerSync_MergesRemote(t *testing.T) {
	h := newHarness(t, nil)
	h.local = newFakeLocal(schema.Record{ID: 1, Fields: schema.Fields{Text: "mine"}, UpdatedAt: t0, Version: 1})
	h.engine.cfg.Local = h.local

	remoteSnap := schema.NewSnapshot(t0)
	remoteSnap.Records = []schema.Record{
		{ID: 1, Fields: schema.Fields{Text: "old"}, UpdatedAt: t0.Add(-time.Hour), Version: 1},
		{ID: 2, Fields: schema.Fields{Text: "theirs"}, UpdatedAt: t0, Version: 1},
	}
	remoteSnap.NextID = 3
	h.auth.remote = remoteSnap

	if _, err := h.engine.TriggerSync(t.Context()); err != nil {
		t.Fatal(err)
	}

	got := h.local.Snapshot()
	var texts []string
	for _, r := range got.Records {
		texts = append(texts, r.Text)
	}
	if diff := cmp.Diff([]string{"mine", "theirs"}, texts); diff != "" {
		t.Errorf("merged records mismatch (-want +got):\n%s", diff)
	}
	if got.NextID != 3 {
		t.Errorf("NextID = %d, want 3", got.NextID)
	}
}

func TestTriggerSync_SnapshotStrategy(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Strategy = StrategySnapshot })
	h.local = newFakeLocal(schema.Record{ID: 1, Fields: schema.Fields{Text: "mine"}, UpdatedAt: t0, Version: 1})
	h.engine.cfg.Local = h.local

	remoteSnap := schema.NewSnapshot(t0.Add(time.Minute))
	remoteSnap.Records = []schema.Record{{ID: 9, Fields: schema.Fields{Text: "theirs"}, UpdatedAt: t0, Version: 1}}
	remoteSnap.Normalize()
	h.auth.remote = remoteSnap

	if _, err := h.engine.TriggerSync(t.Context()); err != nil {
		t.Fatal(err)
	}
	got := h.local.Snapshot()
	if len(got.Records) != 1 || got.Records[0].ID != 9 {
		t.Errorf("records = %+v, want remote snapshot", got.Records)
	}
}

func TestTriggerSync_SingleFlight(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	h.auth.fn = func(ctx context.Context, op schema.Operation) error {
		close(started)
		<-release
		return nil
	}
	h.engine.Enqueue(addOp(1, "a"))

	result := make(chan Outcome, 1)
	go func() {
		out, _ := h.engine.TriggerSync(context.Background())
		result <- out
	}()
	<-started

	if !h.engine.Status().IsSyncing {
		t.Error("IsSyncing = false during attempt")
	}
	out, err := h.engine.TriggerSync(t.Context())
	if out != OutcomeBusy || err != nil {
		t.Errorf("concurrent TriggerSync() = %v, %v; want busy", out, err)
	}

	close(release)
	if out := <-result; out != OutcomeSynced {
		t.Errorf("first TriggerSync() = %v, want synced", out)
	}
	if h.auth.Calls() != 1 {
		t.Errorf("authority calls = %d, want 1", h.auth.Calls())
	}
}

func TestTriggerSync_Backoff(t *testing.T) {
	h := newHarness(t, nil)
	h.auth.fn = func(context.Context, schema.Operation) error {
		return &remote.StatusError{Code: 503}
	}
	h.engine.Enqueue(addOp(1, "a"))

	out, err := h.engine.TriggerSync(t.Context())
	if out != OutcomeFailed || !errors.Is(err, remote.ErrNetwork) {
		t.Fatalf("TriggerSync() = %v, %v", out, err)
	}

	steps := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, d := range steps {
		if diff := cmp.Diff([]time.Duration{d}, h.clock.Pending()); diff != "" {
			t.Fatalf("retry %d schedule mismatch (-want +got):\n%s", i+1, diff)
		}
		if got := h.engine.Status().Retry; got != i+1 {
			t.Errorf("Retry = %d, want %d", got, i+1)
		}
		h.clock.Advance(d)
	}

	if n := h.clock.PendingCount(); n != 0 {
		t.Errorf("retry scheduled after giving up: %v", h.clock.Pending())
	}
	if h.auth.Calls() != 4 {
		t.Errorf("attempts = %d, want 4", h.auth.Calls())
	}

	st := h.engine.Status()
	if st.Phase != PhaseError || !errors.Is(st.SyncError, ErrMaxRetriesExceeded) {
		t.Errorf("Status() = phase %s, err %v", st.Phase, st.SyncError)
	}
	if st.Pending() != 1 {
		t.Errorf("queue length = %d, want 1 (operations kept)", st.Pending())
	}
	if diff := cmp.Diff([]string{AlertGaveUp}, *h.alerts); diff != "" {
		t.Errorf("alerts mismatch (-want +got):\n%s", diff)
	}

	// A fresh trigger starts a new streak.
	h.auth.fn = nil
	if out, _ := h.engine.TriggerSync(t.Context()); out != OutcomeSynced {
		t.Errorf("TriggerSync() after give-up = %v", out)
	}
}

func TestTriggerSync_OfflineFailureDoesNotRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.auth.fn = func(context.Context, schema.Operation) error {
		h.monitor.Notify(false)
		return remote.ErrNetwork
	}
	h.engine.Enqueue(addOp(1, "a"))

	if out, _ := h.engine.TriggerSync(t.Context()); out != OutcomeFailed {
		t.Fatalf("TriggerSync() = %v", out)
	}
	if h.clock.PendingCount() != 0 {
		t.Errorf("retry scheduled while offline: %v", h.clock.Pending())
	}
}

func TestTriggerSync_Timeout(t *testing.T) {
	h := newHarness(t, nil)
	h.auth.fn = func(ctx context.Context, op schema.Operation) error {
		<-ctx.Done()
		return ctx.Err()
	}
	h.engine.Enqueue(addOp(1, "a"))

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := h.engine.TriggerSync(context.Background())
		done <- result{out, err}
	}()

	if !h.clock.WaitForTimers(1, time.Second) {
		t.Fatal("timeout timer never scheduled")
	}
	h.clock.Advance(DefaultTimeout)

	r := <-done
	if r.out != OutcomeFailed || !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("TriggerSync() = %v, %v; want failed timeout", r.out, r.err)
	}
	st := h.engine.Status()
	if !errors.Is(st.SyncError, ErrTimeout) || st.IsSyncing {
		t.Errorf("Status() = %+v", st)
	}
	if diff := cmp.Diff([]time.Duration{time.Second}, h.clock.Pending()); diff != "" {
		t.Errorf("retry schedule mismatch (-want +got):\n%s", diff)
	}
}

func TestTriggerSync_DropsPoisonOperation(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxOpRetries = 2 })
	poison := addOp(1, "a")
	h.auth.fn = func(_ context.Context, op schema.Operation) error {
		if op.ID == poison.ID {
			return &remote.StatusError{Code: 500, Message: "cannot apply"}
		}
		return nil
	}
	h.engine.Enqueue(poison)
	h.engine.Enqueue(addOp(2, "b"))

	for i := 0; i < 2; i++ {
		if out, _ := h.engine.TriggerSync(t.Context()); out != OutcomeFailed {
			t.Fatalf("attempt %d = %v, want failed", i+1, out)
		}
	}
	if _, ok := h.queue.Find(poison.ID); ok {
		t.Error("poison operation still queued")
	}
	if diff := cmp.Diff([]string{AlertDropped}, *h.alerts); diff != "" {
		t.Errorf("alerts mismatch (-want +got):\n%s", diff)
	}

	if out, _ := h.engine.TriggerSync(t.Context()); out != OutcomeSynced {
		t.Errorf("TriggerSync() after drop = %v", out)
	}
	if h.queue.Len() != 0 {
		t.Errorf("queue length = %d, want 0", h.queue.Len())
	}
}

func TestTriggerSync_OutageKeepsOperation(t *testing.T) {
	h := newHarness(t, nil)
	h.auth.fn = func(context.Context, schema.Operation) error {
		return fmt.Errorf("%w: connection refused", remote.ErrNetwork)
	}
	op := addOp(1, "a")
	h.engine.Enqueue(op)

	// Two full backoff cycles apply the operation more often than the
	// per-operation budget allows.
	for cycle := 1; cycle <= 2; cycle++ {
		if out, _ := h.engine.TriggerSync(t.Context()); out != OutcomeFailed {
			t.Fatalf("cycle %d: TriggerSync() = %v", cycle, out)
		}
		for _, d := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
			h.clock.Advance(d)
		}
		if _, ok := h.queue.Find(op.ID); !ok {
			t.Fatalf("cycle %d: operation dropped after %d applies", cycle, h.auth.Calls())
		}
	}
	if h.auth.Calls() <= DefaultMaxOpRetries {
		t.Fatalf("applies = %d, want more than %d", h.auth.Calls(), DefaultMaxOpRetries)
	}
	if diff := cmp.Diff([]string{AlertGaveUp, AlertGaveUp}, *h.alerts); diff != "" {
		t.Errorf("alerts mismatch (-want +got):\n%s", diff)
	}

	h.auth.fn = nil
	if out, _ := h.engine.TriggerSync(t.Context()); out != OutcomeSynced {
		t.Fatalf("TriggerSync() after outage = %v", out)
	}
	if diff := cmp.Diff([]string{op.ID}, h.auth.Applied()); diff != "" {
		t.Errorf("applied mismatch (-want +got):\n%s", diff)
	}
}

func TestTriggerSync_RejectedOperationDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, func(c *Config) { c.Metrics = NewMetrics(reg) })
	bad, good := addOp(1, "a"), addOp(2, "b")
	h.auth.fn = func(_ context.Context, op schema.Operation) error {
		if op.ID == bad.ID {
			return &remote.StatusError{Code: 422, Message: "invalid"}
		}
		return nil
	}
	h.engine.Enqueue(bad)
	h.engine.Enqueue(good)

	if out, err := h.engine.TriggerSync(t.Context()); out != OutcomeSynced {
		t.Fatalf("TriggerSync() = %v, %v", out, err)
	}
	if diff := cmp.Diff([]string{good.ID}, h.auth.Applied()); diff != "" {
		t.Errorf("applied mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{AlertRejected}, *h.alerts); diff != "" {
		t.Errorf("alerts mismatch (-want +got):\n%s", diff)
	}
	if got := counterValue(t, reg, "localsync_ops_dropped_total", map[string]string{"reason": "rejected"}); got != 1 {
		t.Errorf("dropped{rejected} = %v, want 1", got)
	}
}

func TestTriggerSync_SkipsRemovalOfMissingRecord(t *testing.T) {
	h := newHarness(t, nil)
	stale := schema.NewOperation(schema.OpRemove, schema.Record{ID: 7}, t0)
	owned := schema.NewOperation(schema.OpRemove, schema.Record{ID: 8}, t0)
	h.local.owners[8] = owned.ID
	h.engine.Enqueue(stale)
	h.engine.Enqueue(owned)

	if _, err := h.engine.TriggerSync(t.Context()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{owned.ID}, h.auth.Applied()); diff != "" {
		t.Errorf("applied mismatch (-want +got):\n%s", diff)
	}
	if h.queue.Len() != 0 {
		t.Errorf("queue length = %d, want 0", h.queue.Len())
	}
}

func TestTriggerSync_FollowUpDrain(t *testing.T) {
	h := newHarness(t, nil)
	late := addOp(2, "late")
	var once sync.Once
	h.auth.fn = func(context.Context, schema.Operation) error {
		once.Do(func() { h.engine.Enqueue(late) })
		return nil
	}
	first := addOp(1, "first")
	h.engine.Enqueue(first)

	if out, _ := h.engine.TriggerSync(t.Context()); out != OutcomeSynced {
		t.Fatalf("TriggerSync() = %v", out)
	}
	if diff := cmp.Diff([]time.Duration{0}, h.clock.Pending()); diff != "" {
		t.Fatalf("follow-up not scheduled (-want +got):\n%s", diff)
	}

	h.clock.Advance(0)
	if diff := cmp.Diff([]string{first.ID, late.ID}, h.auth.Applied()); diff != "" {
		t.Errorf("applied mismatch (-want +got):\n%s", diff)
	}
}

func TestKick_Coalesces(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.Enqueue(addOp(1, "a"))

	h.engine.Kick()
	h.engine.Kick()
	h.engine.Kick()
	if n := h.clock.PendingCount(); n != 1 {
		t.Fatalf("PendingCount() = %d, want 1", n)
	}
	h.clock.Advance(0)
	if h.auth.Calls() != 1 {
		t.Errorf("authority calls = %d, want 1", h.auth.Calls())
	}
}

func TestStart_SchedulesAndReactsToConnectivity(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.Enqueue(addOp(1, "a"))

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Start(); err == nil {
		t.Error("second Start succeeded")
	}
	if diff := cmp.Diff([]time.Duration{DefaultInitialDelay}, h.clock.Pending()); diff != "" {
		t.Fatalf("initial sync schedule mismatch (-want +got):\n%s", diff)
	}

	h.monitor.Notify(false)
	if h.clock.PendingCount() != 0 {
		t.Errorf("timers survive going offline: %v", h.clock.Pending())
	}
	h.engine.Kick()
	h.clock.Advance(0)
	if h.auth.Calls() != 0 {
		t.Error("synced while offline")
	}

	h.monitor.Notify(true)
	if diff := cmp.Diff([]time.Duration{DefaultOnlineDelay}, h.clock.Pending()); diff != "" {
		t.Fatalf("reconnect schedule mismatch (-want +got):\n%s", diff)
	}
	h.clock.Advance(DefaultOnlineDelay)
	if h.queue.Len() != 0 {
		t.Errorf("queue length = %d after reconnect sync", h.queue.Len())
	}

	h.engine.Stop()
	h.engine.Stop()
	h.engine.Kick()
	if h.clock.PendingCount() != 0 {
		t.Errorf("Kick scheduled after Stop: %v", h.clock.Pending())
	}
}

func TestReset(t *testing.T) {
	h := newHarness(t, nil)
	h.auth.fn = func(context.Context, schema.Operation) error { return remote.ErrNetwork }
	h.engine.Enqueue(addOp(1, "a"))
	h.engine.TriggerSync(t.Context())
	h.engine.ReportStorageError(errors.New("disk full"))

	h.engine.Reset()

	st := h.engine.Status()
	if st.Phase != PhaseIdle || st.Pending() != 0 || st.SyncError != nil || st.StorageError != nil || st.Retry != 0 {
		t.Errorf("Status() after Reset = %+v", st)
	}
	if h.clock.PendingCount() != 0 {
		t.Errorf("retry survives Reset: %v", h.clock.Pending())
	}
}

func TestSubscribe_SeesPhases(t *testing.T) {
	h := newHarness(t, nil)
	var phases []Phase
	h.engine.Subscribe(func(s State) { phases = append(phases, s.Phase) })

	h.engine.Enqueue(addOp(1, "a"))
	h.engine.TriggerSync(t.Context())

	want := []Phase{PhaseIdle, PhaseSyncing, PhaseSynced}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Errorf("phases mismatch (-want +got):\n%s", diff)
	}
}

func TestReportStorageError(t *testing.T) {
	h := newHarness(t, nil)
	cause := errors.New("quota")
	h.engine.ReportStorageError(cause)
	if got := h.engine.Status().StorageError; !errors.Is(got, cause) {
		t.Errorf("StorageError = %v", got)
	}
	h.engine.ReportStorageError(nil)
	if got := h.engine.Status().StorageError; got != nil {
		t.Errorf("StorageError after clear = %v", got)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, func(c *Config) { c.Metrics = NewMetrics(reg) })
	h.engine.Enqueue(addOp(1, "a"))
	h.engine.Enqueue(addOp(2, "b"))
	h.engine.Enqueue(schema.NewOperation(schema.OpRemove, schema.Record{ID: 99}, t0))

	h.engine.TriggerSync(t.Context())
	h.monitor.Notify(false)
	h.engine.TriggerSync(t.Context())

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"localsync_sync_attempts_total", nil, 1},
		{"localsync_ops_replayed_total", nil, 2},
		{"localsync_ops_skipped_total", nil, 1},
		{"localsync_sync_outcomes_total", map[string]string{"outcome": "synced"}, 1},
		{"localsync_sync_outcomes_total", map[string]string{"outcome": "offline"}, 1},
		{"localsync_queue_depth", nil, 0},
	}
	for _, tt := range tests {
		if got := counterValue(t, reg, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestEngine_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mon := connectivity.New(connectivity.Options{Initial: true, Logger: quiet()})
	q := queue.New()
	e, err := New(Config{
		Authority: &recordingAuthority{fn: func(ctx context.Context, op schema.Operation) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Millisecond):
				return nil
			}
		}},
		Local:        newFakeLocal(),
		Queue:        q,
		Monitor:      mon,
		Logger:       quiet(),
		InitialDelay: time.Millisecond,
		Timeout:      time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	for i := int64(1); i <= 5; i++ {
		e.Enqueue(addOp(i, "x"))
		e.Kick()
	}

	deadline := time.Now().Add(2 * time.Second)
	for q.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	e.Stop()
	for e.Status().IsSyncing && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0", q.Len())
	}
}
