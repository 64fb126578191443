// Package storage persists the record collection as one versioned JSON
// document per namespace.
//
// A Store sits on top of a Backend (memory, file or SQLite). It migrates
// legacy documents on read, trims to the newest records when a write hits
// the backend quota, deletes blobs it cannot decode, and debounces bursts
// of saves into a single trailing write. When the backend is unavailable
// the store keeps the latest snapshot in memory so the process keeps
// working without persistence.
//
// None of these failures are returned to the caller of Load or Save.
// They are delivered to Options.OnError instead.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/localsync/internal/clock"
	"github.com/steveyegge/localsync/internal/schema"
)

// Defaults applied by New.
const (
	DefaultNamespace   = "todo-app-data"
	DefaultDebounce    = 300 * time.Millisecond
	DefaultKeepOnQuota = 100
)

// ErrWatchUnsupported is returned by Store.Watch when the backend cannot
// report external changes.
var ErrWatchUnsupported = errors.New("storage: backend does not support watching")

// Watchable is implemented by backends that can report changes made by
// other processes.
type Watchable interface {
	Watch(ctx context.Context, key string, fn func(Event)) error
}

// Options configures a Store.
type Options struct {
	// Namespace is the backend key holding the snapshot.
	Namespace string
	// Debounce is the trailing-edge delay applied by Save.
	Debounce time.Duration
	// KeepOnQuota is how many of the newest records survive quota recovery.
	KeepOnQuota int
	Clock       clock.Clock
	Logger      *log.Logger
	// OnError receives every recovered failure.
	OnError func(error)
}

// Store is the durable store for one namespace.
//
// Thread-safety: all methods are safe for concurrent use.
type Store struct {
	backend Backend
	opts    Options
	clock   clock.Clock
	logger  *log.Logger

	writeMu sync.Mutex // held across encode and Put

	mu         sync.Mutex
	pending    *schema.Snapshot
	pendingGen uint64
	gen        uint64 // bumped by every Save, SaveNow and Clear
	written    uint64 // generation of the newest write started
	timer      clock.Timer
	memoryOnly bool
	last       *schema.Snapshot // latest snapshot written or held in memory
	closed     bool
}

// New returns a store writing to backend. A nil backend yields a
// memory-only store.
func New(backend Backend, opts Options) *Store {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.KeepOnQuota <= 0 {
		opts.KeepOnQuota = DefaultKeepOnQuota
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[storage] ", log.LstdFlags)
	}

	return &Store{
		backend:    backend,
		opts:       opts,
		clock:      clock.OrReal(opts.Clock),
		logger:     opts.Logger,
		memoryOnly: backend == nil,
	}
}

// Namespace returns the key the snapshot is stored under.
func (s *Store) Namespace() string {
	return s.opts.Namespace
}

// MemoryOnly reports whether the store has given up on its backend.
func (s *Store) MemoryOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memoryOnly
}

// Load returns the persisted snapshot, or a fresh empty one when nothing
// usable is stored. Load never fails.
func (s *Store) Load() schema.Snapshot {
	now := s.clock.Now()

	s.mu.Lock()
	if s.memoryOnly {
		defer s.mu.Unlock()
		if s.last != nil {
			return s.last.Clone()
		}
		return schema.NewSnapshot(now)
	}
	s.mu.Unlock()

	data, err := s.backend.Get(s.opts.Namespace)
	switch {
	case errors.Is(err, ErrNotFound):
		return schema.NewSnapshot(now)
	case errors.Is(err, ErrUnavailable):
		s.enterMemoryOnly(err)
		return schema.NewSnapshot(now)
	case err != nil:
		s.report(fmt.Errorf("failed to load %s: %w", s.opts.Namespace, err))
		return schema.NewSnapshot(now)
	}

	snap, migrated, err := Decode(data, now)
	if err != nil {
		s.logger.Printf("WARNING: discarding unreadable data in %s: %v", s.opts.Namespace, err)
		if derr := s.backend.Delete(s.opts.Namespace); derr != nil {
			s.logger.Printf("WARNING: failed to delete corrupted data: %v", derr)
		}
		s.report(err)
		return schema.NewSnapshot(now)
	}
	if migrated {
		s.logger.Printf("Migrated legacy data in %s (%d records)", s.opts.Namespace, len(snap.Records))
	}
	return snap
}

// Save schedules snap to be written after the debounce delay. A later Save
// before the delay elapses replaces snap and restarts the delay.
func (s *Store) Save(snap schema.Snapshot) {
	c := snap.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.gen++
	s.pending = &c
	s.pendingGen = s.gen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(s.opts.Debounce, s.flushPending)
}

// Pending reports whether a debounced write is waiting.
func (s *Store) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Flush writes any pending snapshot immediately.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	p, gen := s.pending, s.pendingGen
	s.pending = nil
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	return s.write(*p, gen)
}

func (s *Store) flushPending() {
	s.mu.Lock()
	p, gen := s.pending, s.pendingGen
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	if p != nil {
		_ = s.write(*p, gen)
	}
}

// SaveNow stamps snap with the current schema version and time and writes
// it synchronously. Failures are reported through OnError and returned.
//
// When the backend rejects the write for size, only the newest
// KeepOnQuota records are written; a successful trimmed write reports a
// *TruncatedError.
func (s *Store) SaveNow(snap schema.Snapshot) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	return s.write(snap, gen)
}

// write persists snap unless a newer generation has already been written.
// Writes are serialised, so an older snapshot never lands after a newer one.
func (s *Store) write(snap schema.Snapshot, gen uint64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap = snap.Clone()
	snap.Version = schema.CurrentVersion
	snap.LastModified = s.clock.Now()
	snap.Normalize()

	s.mu.Lock()
	if gen < s.written {
		s.mu.Unlock()
		return nil
	}
	s.written = gen
	s.last = &snap
	memoryOnly := s.memoryOnly
	s.mu.Unlock()

	if memoryOnly {
		return nil
	}

	data, err := Encode(snap)
	if err != nil {
		if derr := s.backend.Delete(s.opts.Namespace); derr != nil {
			s.logger.Printf("WARNING: failed to delete data after encode failure: %v", derr)
		}
		s.report(err)
		return err
	}

	err = s.backend.Put(s.opts.Namespace, data)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnavailable):
		s.enterMemoryOnly(err)
		return err
	case !errors.Is(err, ErrQuotaExceeded):
		err = fmt.Errorf("failed to save %s: %w", s.opts.Namespace, err)
		s.report(err)
		return err
	}

	return s.saveTrimmed(snap, err)
}

func (s *Store) saveTrimmed(snap schema.Snapshot, cause error) error {
	keep := s.opts.KeepOnQuota
	trimmed := snap.Tail(keep)
	dropped := len(snap.Records) - len(trimmed.Records)
	s.logger.Printf("WARNING: %v; retrying with the last %d records", cause, keep)

	data, err := Encode(trimmed)
	if err == nil {
		err = s.backend.Put(s.opts.Namespace, data)
	}
	if err != nil {
		err = fmt.Errorf("%w: failed to save after trimming: %v", ErrQuotaExceeded, err)
		s.report(err)
		return err
	}

	terr := &TruncatedError{Kept: len(trimmed.Records), Dropped: dropped}
	s.report(terr)
	return terr
}

// Clear cancels any pending write and deletes the persisted snapshot.
func (s *Store) Clear() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.written = s.gen
	s.pending = nil
	s.last = nil
	memoryOnly := s.memoryOnly
	s.mu.Unlock()

	if memoryOnly {
		return nil
	}
	if err := s.backend.Delete(s.opts.Namespace); err != nil {
		err = fmt.Errorf("failed to clear %s: %w", s.opts.Namespace, err)
		s.report(err)
		return err
	}
	return nil
}

// Close flushes any pending write. Later Saves are ignored. Close does not
// close the backend, which may be shared.
func (s *Store) Close() error {
	err := s.Flush()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return err
}

// Watch calls fn whenever another writer changes the namespace, until ctx
// is done. It returns ErrWatchUnsupported for backends that cannot watch.
func (s *Store) Watch(ctx context.Context, fn func()) error {
	w, ok := s.backend.(Watchable)
	if !ok || s.MemoryOnly() {
		return ErrWatchUnsupported
	}
	return w.Watch(ctx, s.opts.Namespace, func(Event) { fn() })
}

func (s *Store) enterMemoryOnly(cause error) {
	s.mu.Lock()
	already := s.memoryOnly
	s.memoryOnly = true
	s.mu.Unlock()

	if already {
		return
	}
	s.logger.Printf("WARNING: storage unavailable, keeping data in memory only: %v", cause)
	s.report(cause)
}

func (s *Store) report(err error) {
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}
