// Package queue holds operations waiting to be confirmed by the remote
// authority, in the order they were made.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/steveyegge/localsync/internal/schema"
	"github.com/steveyegge/localsync/internal/storage"
)

// Queue is a FIFO of pending operations. When opened over a backend every
// change is written through as a JSON list; write failures are logged and
// the in-memory queue stays authoritative.
//
// Thread-safety: all methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	ops     []schema.Operation
	backend storage.Backend
	key     string
	logger  *log.Logger
}

// New returns an empty, in-memory queue.
func New() *Queue {
	return &Queue{logger: log.New(os.Stderr, "[queue] ", log.LstdFlags)}
}

// Open loads the queue persisted under key, or starts empty. Entries that
// fail validation are dropped with a warning.
func Open(backend storage.Backend, key string, logger *log.Logger) (*Queue, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	q := &Queue{backend: backend, key: key, logger: logger}

	data, err := backend.Get(key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return q, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load queue %s: %w", key, err)
	}

	var ops []schema.Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		logger.Printf("WARNING: discarding unreadable queue %s: %v", key, err)
		_ = backend.Delete(key)
		return q, nil
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			logger.Printf("WARNING: dropping invalid queued operation: %v", err)
			continue
		}
		q.ops = append(q.ops, op)
	}
	return q, nil
}

// Enqueue appends op.
func (q *Queue) Enqueue(op schema.Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
	q.persistLocked()
}

// Peek returns a copy of the queue in FIFO order.
func (q *Queue) Peek() []schema.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]schema.Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Ack removes the operation with the given id after it was confirmed (or
// skipped). It reports whether the id was present.
func (q *Queue) Ack(id string) bool {
	return q.remove(id)
}

// Drop removes an operation that will never succeed.
func (q *Queue) Drop(id string) bool {
	return q.remove(id)
}

// IncrementRetry bumps the retry count of id and returns the new count,
// or -1 if the id is not queued.
func (q *Queue) IncrementRetry(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ops {
		if q.ops[i].ID == id {
			q.ops[i].RetryCount++
			q.persistLocked()
			return q.ops[i].RetryCount
		}
	}
	return -1
}

// Find returns the queued operation with the given id.
func (q *Queue) Find(id string) (schema.Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.ID == id {
			return op, true
		}
	}
	return schema.Operation{}, false
}

// Clear removes every operation.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = nil
	q.persistLocked()
}

func (q *Queue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			q.persistLocked()
			return true
		}
	}
	return false
}

func (q *Queue) persistLocked() {
	if q.backend == nil {
		return
	}
	if len(q.ops) == 0 {
		if err := q.backend.Delete(q.key); err != nil {
			q.logger.Printf("WARNING: failed to clear persisted queue: %v", err)
		}
		return
	}
	data, err := json.Marshal(q.ops)
	if err != nil {
		q.logger.Printf("WARNING: failed to encode queue: %v", err)
		return
	}
	if err := q.backend.Put(q.key, data); err != nil {
		q.logger.Printf("WARNING: failed to persist queue: %v", err)
	}
}
