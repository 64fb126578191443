// Package todos is the reactive, single-writer view of the record
// collection that the rest of the program reads and mutates.
//
// Every mutation updates memory first, then notifies subscribers, schedules
// a debounced durable write, and enqueues an operation for the sync engine.
// Reads never touch storage or the network.
package todos

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/localsync/internal/clock"
	"github.com/steveyegge/localsync/internal/observer"
	"github.com/steveyegge/localsync/internal/queue"
	"github.com/steveyegge/localsync/internal/schema"
	"github.com/steveyegge/localsync/internal/storage"
	"github.com/steveyegge/localsync/internal/tree"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("todos: record not found")

	// ErrInvalid wraps validation failures.
	ErrInvalid = errors.New("todos: invalid input")
)

// Syncer receives the operations produced by mutations. *engine.Engine
// implements it.
type Syncer interface {
	Enqueue(op schema.Operation)
	Kick()
	Reset()
}

// Options configures a Collection.
type Options struct {
	// Store persists the collection. Nil keeps it in memory.
	Store *storage.Store
	// Queue is consulted to rebuild removal owners, and receives operations
	// directly while no Syncer is attached.
	Queue *queue.Queue
	// Online gates Kick. Nil means always online.
	Online func() bool
	Clock  clock.Clock
	Logger *log.Logger
}

// Collection is the façade over the record collection.
//
// Thread-safety: all methods are safe for concurrent use. Subscribers are
// called synchronously and must not mutate the collection from the callback.
type Collection struct {
	store  *storage.Store
	queue  *queue.Queue
	online func() bool
	clock  clock.Clock
	logger *log.Logger
	subs   *observer.List[schema.Snapshot]

	writeMu sync.Mutex // serialises mutations so deliveries follow state order

	mu     sync.Mutex
	snap   schema.Snapshot
	owners map[int64]string // record id -> id of the queued remove
	syncer Syncer
}

// New loads the collection from opts.Store.
func New(opts Options) *Collection {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[todos] ", log.LstdFlags)
	}
	c := &Collection{
		store:  opts.Store,
		queue:  opts.Queue,
		online: opts.Online,
		clock:  clock.OrReal(opts.Clock),
		logger: opts.Logger,
		subs:   observer.New[schema.Snapshot](opts.Logger),
		owners: make(map[int64]string),
	}
	if c.store == nil {
		c.store = storage.New(nil, storage.Options{Clock: opts.Clock, Logger: opts.Logger})
	}
	c.snap = c.store.Load()

	if c.queue != nil {
		for _, op := range c.queue.Peek() {
			if op.Type == schema.OpRemove {
				c.owners[op.Payload.ID] = op.ID
			}
		}
	}
	return c
}

// SetSyncer attaches the sync engine. Operations produced before a syncer
// is attached go straight to the queue.
func (c *Collection) SetSyncer(s Syncer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncer = s
}

// Subscribe registers fn to receive a copy of the collection after every
// change.
func (c *Collection) Subscribe(fn func(schema.Snapshot)) *observer.Subscription {
	return c.subs.Subscribe(fn)
}

// Snapshot returns a copy of the whole collection.
func (c *Collection) Snapshot() schema.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.Clone()
}

// List returns a copy of every record in insertion order.
func (c *Collection) List() []schema.Record {
	return c.Snapshot().Records
}

// Get returns the record with the given id.
func (c *Collection) Get(id int64) (schema.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.snap.Find(id)
	if i < 0 {
		return schema.Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return c.snap.Records[i].Clone(), nil
}

// Add creates a record. Its id is never lower than any id handed out
// before, even if that record has since been removed.
func (c *Collection) Add(fields schema.Fields) (schema.Record, error) {
	if err := fields.Validate(); err != nil {
		return schema.Record{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	fields = fields.Normalized()

	var rec schema.Record
	err := c.mutate(func(snap *schema.Snapshot, now time.Time) (schema.Operation, error) {
		if fields.ParentID != nil && !snap.Has(*fields.ParentID) {
			return schema.Operation{}, fmt.Errorf("%w: parent %d", ErrNotFound, *fields.ParentID)
		}
		id := snap.NextID
		if max := snap.MaxID(); id <= max {
			id = max + 1
		}
		rec = schema.Record{
			ID:        id,
			Fields:    fields,
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		}.Clone()
		snap.Records = append(snap.Records, rec)
		snap.NextID = id + 1
		return schema.NewOperation(schema.OpAdd, rec, now), nil
	})
	return rec, err
}

// Toggle flips the completion flag of a record.
func (c *Collection) Toggle(id int64) (schema.Record, error) {
	var rec schema.Record
	err := c.mutate(func(snap *schema.Snapshot, now time.Time) (schema.Operation, error) {
		i := snap.Find(id)
		if i < 0 {
			return schema.Operation{}, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		r := &snap.Records[i]
		r.Completed = !r.Completed
		r.Touch(now)
		rec = r.Clone()
		return schema.NewOperation(schema.OpToggle, rec, now), nil
	})
	return rec, err
}

// Update applies patch to a record. An empty patch returns the record
// unchanged and produces no operation.
func (c *Collection) Update(id int64, patch schema.Patch) (schema.Record, error) {
	if err := patch.Validate(); err != nil {
		return schema.Record{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if patch.IsEmpty() {
		return c.Get(id)
	}

	var rec schema.Record
	err := c.mutate(func(snap *schema.Snapshot, now time.Time) (schema.Operation, error) {
		i := snap.Find(id)
		if i < 0 {
			return schema.Operation{}, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		if patch.ParentID != nil && !patch.ClearParent {
			if err := checkParent(snap.Records, id, *patch.ParentID); err != nil {
				return schema.Operation{}, err
			}
		}
		next, err := patch.Apply(snap.Records[i])
		if err != nil {
			return schema.Operation{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		next.Touch(now)
		snap.Records[i] = next
		rec = next.Clone()
		return schema.NewOperation(schema.OpUpdate, rec, now), nil
	})
	return rec, err
}

// Remove deletes a record. Its children are kept and become roots.
func (c *Collection) Remove(id int64) error {
	return c.mutate(func(snap *schema.Snapshot, now time.Time) (schema.Operation, error) {
		i := snap.Find(id)
		if i < 0 {
			return schema.Operation{}, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		removed := snap.Records[i]
		snap.Records = append(snap.Records[:i:i], snap.Records[i+1:]...)
		op := schema.NewOperation(schema.OpRemove, removed, now)
		c.owners[id] = op.ID
		return op, nil
	})
}

// RemovalOwner returns the id of the queued remove that deleted record id
// locally. Owners whose operation has left the queue are forgotten.
func (c *Collection) RemovalOwner(id int64) (string, bool) {
	// A remove is queued after its owner is recorded; wait for any
	// mutation in flight so it is not pruned early.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	owner, ok := c.owners[id]
	if !ok {
		return "", false
	}
	if c.queue != nil {
		if _, queued := c.queue.Find(owner); !queued {
			delete(c.owners, id)
			return "", false
		}
	}
	return owner, true
}

// ForceSave writes the current collection synchronously, bypassing the
// debounce.
func (c *Collection) ForceSave() error {
	c.store.Save(c.Snapshot())
	return c.store.Flush()
}

// Reconcile replaces the collection, persists it and notifies subscribers.
func (c *Collection) Reconcile(snap schema.Snapshot) {
	c.ReconcileWith(func(schema.Snapshot) (schema.Snapshot, bool) {
		return snap.Clone(), true
	})
}

// ReconcileWith calls resolve with the current collection under the write
// lock and installs the result when resolve reports a change. Records whose
// local removal is still queued are kept out of the result.
func (c *Collection) ReconcileWith(resolve func(local schema.Snapshot) (schema.Snapshot, bool)) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	next, changed := resolve(c.snap.Clone())
	if !changed {
		c.mu.Unlock()
		return
	}
	c.dropPendingRemovalsLocked(&next)
	next.Normalize()
	c.snap = next.Clone()
	c.mu.Unlock()

	c.store.Save(next)
	c.subs.Notify(next)
}

// Reload replaces the collection with what the durable store holds. It is
// used when another process changes the store. A debounced local write that
// has not reached the store yet is newer than anything on disk, so Reload
// does nothing while one is pending.
func (c *Collection) Reload() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.store.Pending() {
		return
	}
	snap := c.store.Load()
	c.mu.Lock()
	c.snap = snap.Clone()
	c.mu.Unlock()

	c.logger.Printf("Reloaded %d records from storage", len(snap.Records))
	c.subs.Notify(snap)
}

// Clear deletes every record, the persisted copy and all pending
// operations.
func (c *Collection) Clear() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	snap := schema.NewSnapshot(c.clock.Now())
	c.mu.Lock()
	c.snap = snap.Clone()
	c.owners = make(map[int64]string)
	syncer := c.syncer
	c.mu.Unlock()

	err := c.store.Clear()
	switch {
	case syncer != nil:
		syncer.Reset()
	case c.queue != nil:
		c.queue.Clear()
	}
	c.subs.Notify(snap)
	return err
}

// dropPendingRemovalsLocked removes from snap every record deleted by a
// remove that has not left the queue, and forgets owners that have.
func (c *Collection) dropPendingRemovalsLocked(snap *schema.Snapshot) {
	if len(c.owners) == 0 {
		return
	}
	for id, owner := range c.owners {
		if c.queue != nil {
			if _, queued := c.queue.Find(owner); !queued {
				delete(c.owners, id)
				continue
			}
		}
		if i := snap.Find(id); i >= 0 {
			snap.Records = append(snap.Records[:i:i], snap.Records[i+1:]...)
		}
	}
}

// Children returns the direct children of parentID.
func (c *Collection) Children(parentID int64) []schema.Record {
	return tree.Children(c.List(), parentID)
}

// Descendants returns every record below id.
func (c *Collection) Descendants(id int64) []schema.Record {
	return tree.Descendants(c.List(), id)
}

// Depth returns how many ancestors id has.
func (c *Collection) Depth(id int64) int {
	return tree.Depth(c.List(), id)
}

// Progress counts the completed descendants of id.
func (c *Collection) Progress(id int64) tree.Progress {
	return tree.ProgressOf(c.List(), id)
}

// Roots returns records without a (present) parent.
func (c *Collection) Roots() []schema.Record {
	return tree.Roots(c.List())
}

// Tree returns the collection as a forest.
func (c *Collection) Tree() []*tree.Node {
	return tree.Build(c.List())
}

// mutate runs fn against the live collection under the write lock, then
// fans the result out: subscribers, debounced save, queue, engine kick.
// Nothing is changed when fn fails.
func (c *Collection) mutate(fn func(snap *schema.Snapshot, now time.Time) (schema.Operation, error)) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	now := c.clock.Now()

	c.mu.Lock()
	work := c.snap.Clone()
	op, err := fn(&work, now)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	work.LastModified = now
	work.Normalize()
	c.snap = work
	out := work.Clone()
	syncer := c.syncer
	c.mu.Unlock()

	c.subs.Notify(out)
	c.store.Save(out)

	switch {
	case syncer != nil:
		syncer.Enqueue(op)
		if c.online == nil || c.online() {
			syncer.Kick()
		}
	case c.queue != nil:
		c.queue.Enqueue(op)
	}
	return nil
}

// checkParent rejects parent links that would point at a missing record or
// create a cycle.
func checkParent(records []schema.Record, id, parentID int64) error {
	if parentID == id {
		return fmt.Errorf("%w: %w", ErrInvalid, schema.ErrSelfParent)
	}
	found := false
	for _, r := range records {
		if r.ID == parentID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: parent %d", ErrNotFound, parentID)
	}
	for _, d := range tree.Descendants(records, id) {
		if d.ID == parentID {
			return fmt.Errorf("%w: record %d is a descendant of %d", ErrInvalid, parentID, id)
		}
	}
	return nil
}
