package todos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/localsync/internal/clock"
	"github.com/steveyegge/localsync/internal/connectivity"
	"github.com/steveyegge/localsync/internal/engine"
	"github.com/steveyegge/localsync/internal/queue"
	"github.com/steveyegge/localsync/internal/remote"
	"github.com/steveyegge/localsync/internal/schema"
	"github.com/steveyegge/localsync/internal/storage"
)

// blockingFetch serves a ledger and can hold the next Fetch until released.
type blockingFetch struct {
	ledger *remote.Ledger

	mu       sync.Mutex
	gate     chan struct{}
	fetching chan struct{}
}

func (b *blockingFetch) holdNext() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()
	return func() { close(gate) }
}

func (b *blockingFetch) Fetch(ctx context.Context) (schema.Snapshot, error) {
	b.mu.Lock()
	gate := b.gate
	b.gate = nil
	b.mu.Unlock()

	if gate != nil {
		b.fetching <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return schema.Snapshot{}, ctx.Err()
		}
	}
	return b.ledger.Fetch(ctx)
}

func (b *blockingFetch) Apply(ctx context.Context, op schema.Operation) error {
	return b.ledger.Apply(ctx, op)
}

type syncedFixture struct {
	c      *Collection
	clock  *clock.Fake
	queue  *queue.Queue
	engine *engine.Engine
	auth   *blockingFetch
}

func newSyncedFixture(t *testing.T) *syncedFixture {
	t.Helper()
	fake := clock.NewFake(t0)
	q := queue.New()
	monitor := connectivity.New(connectivity.Options{Initial: true, Logger: quiet()})
	c := New(Options{
		Store:  storage.New(storage.NewMemoryBackend(), storage.Options{Clock: fake, Logger: quiet()}),
		Queue:  q,
		Online: monitor.IsOnline,
		Clock:  fake,
		Logger: quiet(),
	})
	auth := &blockingFetch{
		ledger:   remote.NewLedger(remote.LedgerOptions{Clock: fake, Logger: quiet()}),
		fetching: make(chan struct{}, 1),
	}
	e, err := engine.New(engine.Config{
		Authority: auth,
		Local:     c,
		Queue:     q,
		Monitor:   monitor,
		Clock:     fake,
		Logger:    quiet(),
	})
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	c.SetSyncer(e)
	t.Cleanup(e.Stop)
	return &syncedFixture{c: c, clock: fake, queue: q, engine: e, auth: auth}
}

func (f *syncedFixture) mustSync(t *testing.T) {
	t.Helper()
	if out, err := f.engine.TriggerSync(t.Context()); out != engine.OutcomeSynced {
		t.Fatalf("TriggerSync() = %v, %v", out, err)
	}
}

func (f *syncedFixture) remoteRecords(t *testing.T) []schema.Record {
	t.Helper()
	snap, err := f.auth.ledger.Fetch(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	return snap.Records
}

func TestMutationDuringFetch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Collection, id int64) error
		check  func(t *testing.T, local *Collection, remote []schema.Record, id int64)
	}{
		{
			name:   "remove",
			mutate: func(c *Collection, id int64) error { return c.Remove(id) },
			check: func(t *testing.T, local *Collection, remote []schema.Record, id int64) {
				if _, err := local.Get(id); !errors.Is(err, ErrNotFound) {
					t.Errorf("local Get() error = %v, want removed", err)
				}
				if len(remote) != 0 {
					t.Errorf("remote records = %+v, want none", remote)
				}
			},
		},
		{
			name: "toggle",
			mutate: func(c *Collection, id int64) error {
				_, err := c.Toggle(id)
				return err
			},
			check: func(t *testing.T, local *Collection, remote []schema.Record, id int64) {
				rec, err := local.Get(id)
				if err != nil || !rec.Completed {
					t.Errorf("local Get() = %+v, %v; want completed", rec, err)
				}
				if len(remote) != 1 || !remote[0].Completed {
					t.Errorf("remote records = %+v, want one completed", remote)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSyncedFixture(t)
			rec, err := f.c.Add(schema.Fields{Text: "shared"})
			if err != nil {
				t.Fatal(err)
			}
			f.mustSync(t)

			release := f.auth.holdNext()
			done := make(chan engine.Outcome, 1)
			go func() {
				out, _ := f.engine.TriggerSync(context.Background())
				done <- out
			}()
			<-f.auth.fetching

			// Later than the synced copy, and fires the kick left by Add.
			f.clock.Advance(time.Second)
			if err := tt.mutate(f.c, rec.ID); err != nil {
				t.Fatal(err)
			}
			release()
			if out := <-done; out != engine.OutcomeSynced {
				t.Fatalf("in-flight TriggerSync() = %v", out)
			}
			if f.queue.Len() != 1 {
				t.Fatalf("queue length = %d, want the mutation pending", f.queue.Len())
			}

			f.mustSync(t)
			if f.queue.Len() != 0 {
				t.Errorf("queue length after follow-up sync = %d", f.queue.Len())
			}
			tt.check(t, f.c, f.remoteRecords(t), rec.ID)
		})
	}
}
