package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpType identifies the kind of mutation an Operation carries.
type OpType string

const (
	OpAdd    OpType = "add"
	OpToggle OpType = "toggle"
	OpUpdate OpType = "update"
	OpRemove OpType = "remove"
)

// Valid reports whether t is a known operation type.
func (t OpType) Valid() bool {
	switch t {
	case OpAdd, OpToggle, OpUpdate, OpRemove:
		return true
	default:
		return false
	}
}

// Operation is a mutation that has not yet been confirmed by the remote
// authority. Only RetryCount changes after creation.
type Operation struct {
	ID         string    `json:"id"`
	Type       OpType    `json:"type"`
	Payload    Record    `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retryCount"`
}

// NewOperation creates an operation with a fresh UUIDv7 id.
func NewOperation(typ OpType, payload Record, now time.Time) Operation {
	return Operation{
		ID:        newOpID(),
		Type:      typ,
		Payload:   payload.Clone(),
		Timestamp: now,
	}
}

// Validate checks that the operation is well formed.
func (op Operation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("operation id is required")
	}
	if !op.Type.Valid() {
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	if op.Payload.ID <= 0 {
		return fmt.Errorf("operation %s: payload id must be positive (got %d)", op.ID, op.Payload.ID)
	}
	return nil
}

// newOpID generates a UUIDv7, falling back to v4 if v7 generation fails.
func newOpID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
