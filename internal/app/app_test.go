package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/localsync/internal/clock"
	"github.com/steveyegge/localsync/internal/config"
	"github.com/steveyegge/localsync/internal/engine"
	"github.com/steveyegge/localsync/internal/logging"
	"github.com/steveyegge/localsync/internal/notify"
	"github.com/steveyegge/localsync/internal/remote"
	"github.com/steveyegge/localsync/internal/schema"
	"github.com/steveyegge/localsync/internal/storage"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	a, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Sync.Strategy = "crdt"
	if _, err := New(cfg, WithLogger(logging.Discard())); !errors.Is(err, config.ErrUnknownStrategy) {
		t.Errorf("New() error = %v, want ErrUnknownStrategy", err)
	}
}

func TestOfflineOnly(t *testing.T) {
	a := newTestApp(t, memoryConfig(), WithClock(clock.NewFake(t0)))

	if a.Monitor.IsOnline() {
		t.Fatal("app without a remote started online")
	}
	if a.Feed != nil {
		t.Error("feed created without feed.addr")
	}
	if _, err := a.Todos.Add(schema.Fields{Text: "offline"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if a.Queue.Len() != 1 {
		t.Errorf("queue length = %d, want 1", a.Queue.Len())
	}
	if err := a.Engine.Sync(t.Context()); !errors.Is(err, engine.ErrOffline) {
		t.Errorf("Sync() error = %v, want ErrOffline", err)
	}
}

func TestSyncsWithAuthority(t *testing.T) {
	clk := clock.NewFake(t0)
	ledger := remote.NewLedger(remote.LedgerOptions{Clock: clk, Logger: logging.Discard().For("ledger")})
	a := newTestApp(t, memoryConfig(), WithClock(clk), WithAuthority(ledger))

	if !a.Monitor.IsOnline() {
		t.Fatal("app with an authority started offline")
	}
	rec, err := a.Todos.Add(schema.Fields{Text: "ship it"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// The add kicks a sync on the next tick.
	clk.Advance(0)

	if a.Queue.Len() != 0 {
		t.Errorf("queue length after sync = %d", a.Queue.Len())
	}
	if ledger.Applied() != 1 {
		t.Errorf("ledger applied %d ops, want 1", ledger.Applied())
	}
	remoteSnap, _ := ledger.Fetch(t.Context())
	if len(remoteSnap.Records) != 1 || remoteSnap.Records[0].ID != rec.ID {
		t.Errorf("remote todos = %+v", remoteSnap.Records)
	}
	if got := a.Engine.Status().Phase; got != engine.PhaseSynced {
		t.Errorf("Phase = %q, want synced", got)
	}
}

func TestAlertBecomesNotification(t *testing.T) {
	clk := clock.NewFake(t0)
	failing := remote.AuthorityFunc{
		ApplyFunc: func(context.Context, schema.Operation) error {
			return fmt.Errorf("%w: connection refused", remote.ErrNetwork)
		},
	}
	cfg := memoryConfig()
	cfg.Sync.MaxRetries = 1
	a := newTestApp(t, cfg, WithClock(clk), WithAuthority(failing))

	if _, err := a.Todos.Add(schema.Fields{Text: "doomed"}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(0)           // first attempt fails, retry scheduled
	clk.Advance(time.Second) // retry fails, engine gives up

	n, ok := a.Notifier.Current()
	if !ok {
		t.Fatal("no notification after giving up")
	}
	if n.Message != engine.AlertGaveUp || n.Level != notify.LevelError {
		t.Errorf("notification = %+v", n)
	}
	if a.Queue.Len() != 1 {
		t.Errorf("queue length = %d, want the change kept", a.Queue.Len())
	}
}

func TestPersistsAcrossRestart(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Dir = t.TempDir()

	first, err := New(cfg, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Todos.Add(schema.Fields{Text: "remember me"}); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second := newTestApp(t, cfg)
	todos := second.Todos.List()
	if len(todos) != 1 || todos[0].Text != "remember me" {
		t.Errorf("todos after restart = %+v", todos)
	}
	if second.Queue.Len() != 1 {
		t.Errorf("pending ops after restart = %d, want 1", second.Queue.Len())
	}
}

func TestUnavailableBackendFallsBack(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Storage.Dir = filepath.Join(blocker, "data")

	a := newTestApp(t, cfg, WithClock(clock.NewFake(t0)))

	if _, ok := a.Backend.(*storage.MemoryBackend); !ok {
		t.Errorf("Backend = %T, want memory fallback", a.Backend)
	}
	if !storage.IsUnavailable(a.Engine.Status().StorageError) {
		t.Errorf("StorageError = %v", a.Engine.Status().StorageError)
	}
	n, ok := a.Notifier.Current()
	if !ok || n.Level != notify.LevelWarning {
		t.Errorf("notification = %+v, %v", n, ok)
	}
	if _, err := a.Todos.Add(schema.Fields{Text: "still works"}); err != nil {
		t.Errorf("Add() on fallback error = %v", err)
	}
}

func TestStorageMessage(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		want  string
		level notify.Level
	}{
		{"truncated", &storage.TruncatedError{Kept: 100, Dropped: 4}, "Storage is full. Only the 100 most recent items were kept.", notify.LevelWarning},
		{"quota", fmt.Errorf("put: %w", storage.ErrQuotaExceeded), "Storage is full. Your latest changes could not be saved.", notify.LevelError},
		{"unavailable", storage.ErrUnavailable, "Storage is unavailable. Changes will be lost when you quit.", notify.LevelWarning},
		{"corrupted", storage.ErrCorrupted, "Saved data was unreadable and has been reset.", notify.LevelWarning},
		{"other", errors.New("disk on fire"), "Failed to save changes.", notify.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, level := StorageMessage(tt.err)
			if msg != tt.want || level != tt.level {
				t.Errorf("StorageMessage() = %q, %q; want %q, %q", msg, level, tt.want, tt.level)
			}
		})
	}
}

func TestStartClose(t *testing.T) {
	cfg := memoryConfig()
	cfg.Feed.Addr = "127.0.0.1:0"
	a := newTestApp(t, cfg)

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := a.Start(); err == nil {
		t.Error("second Start() succeeded")
	}
	if a.Feed == nil || a.Feed.Addr() == "" {
		t.Fatal("feed not listening")
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
