package storage

import (
	"fmt"
	"sync"
)

// Backend is a key/value blob store. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// Put replaces the value for key.
	Put(key string, data []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	Close() error
}

// MemoryBackend keeps values in a map. It is used for tests and for
// processes that opt out of persistence.
type MemoryBackend struct {
	// MaxBytes limits the size of a single value. Zero means unlimited.
	MaxBytes int

	// PutHook, when set, runs before every Put. A non-nil return is
	// returned from Put without storing the value.
	PutHook func(key string, data []byte) error

	// GetHook, when set, runs before every Get.
	GetHook func(key string) error

	mu     sync.Mutex
	data   map[string][]byte
	puts   int
	closed bool
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// Get implements Backend.
func (m *MemoryBackend) Get(key string) ([]byte, error) {
	if m.GetHook != nil {
		if err := m.GetHook(key); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrUnavailable
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put implements Backend.
func (m *MemoryBackend) Put(key string, data []byte) error {
	if m.PutHook != nil {
		if err := m.PutHook(key, data); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrUnavailable
	}
	if m.MaxBytes > 0 && len(data) > m.MaxBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrQuotaExceeded, len(data), m.MaxBytes)
	}
	v := make([]byte, len(data))
	copy(v, data)
	m.data[key] = v
	m.puts++
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrUnavailable
	}
	delete(m.data, key)
	return nil
}

// Close implements Backend. Later calls fail with ErrUnavailable.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Puts returns the number of successful writes.
func (m *MemoryBackend) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
