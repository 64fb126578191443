package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/gofrs/flock"
)

const lockFileName = ".lock"

// FileBackend stores each key as <dir>/<key>.json. Writes go to a temp file
// that is renamed into place while holding an exclusive flock on
// <dir>/.lock, so readers in other processes never see a partial value.
type FileBackend struct {
	// MaxBytes limits the size of a single value. Zero means unlimited.
	MaxBytes int
	Logger   *log.Logger

	mu   sync.Mutex // serialises use of lock within the process
	dir  string
	lock *flock.Flock
}

// NewFileBackend creates dir if needed and returns a backend rooted there.
// A directory that cannot be created is reported as ErrUnavailable.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create data directory %s: %v", ErrUnavailable, dir, err)
	}
	return &FileBackend{
		Logger: log.New(os.Stderr, "[storage] ", log.LstdFlags),
		dir:    dir,
		lock:   flock.New(filepath.Join(dir, lockFileName)),
	}, nil
}

// Dir returns the data directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

// Path returns the file that holds key.
func (b *FileBackend) Path(key string) string {
	return filepath.Join(b.dir, key+".json")
}

// Get implements Backend.
func (b *FileBackend) Get(key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lock.RLock(); err != nil {
		return nil, fmt.Errorf("%w: failed to acquire read lock: %v", ErrUnavailable, err)
	}
	defer func() { _ = b.lock.Unlock() }()

	data, err := os.ReadFile(b.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to read %s: %w", key, err))
	}
	return data, nil
}

// Put implements Backend.
func (b *FileBackend) Put(key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if b.MaxBytes > 0 && len(data) > b.MaxBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrQuotaExceeded, len(data), b.MaxBytes)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lock.Lock(); err != nil {
		return fmt.Errorf("%w: failed to acquire write lock: %v", ErrUnavailable, err)
	}
	defer func() { _ = b.lock.Unlock() }()

	tmp, err := os.CreateTemp(b.dir, "."+key+".*.tmp")
	if err != nil {
		return classify(fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return classify(fmt.Errorf("failed to write %s: %w", key, err))
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return classify(fmt.Errorf("failed to sync %s: %w", key, err))
	}
	if err := tmp.Close(); err != nil {
		return classify(fmt.Errorf("failed to close %s: %w", key, err))
	}
	if err := os.Rename(tmpName, b.Path(key)); err != nil {
		return classify(fmt.Errorf("failed to replace %s: %w", key, err))
	}
	return nil
}

// Delete implements Backend.
func (b *FileBackend) Delete(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lock.Lock(); err != nil {
		return fmt.Errorf("%w: failed to acquire write lock: %v", ErrUnavailable, err)
	}
	defer func() { _ = b.lock.Unlock() }()

	if err := os.Remove(b.Path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classify(fmt.Errorf("failed to delete %s: %w", key, err))
	}
	return nil
}

// Close implements Backend.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lock.Close()
}

// Watch calls fn every time the file holding key is created, modified or
// deleted, until ctx is done. Writes made through this backend are
// reported too.
func (b *FileBackend) Watch(ctx context.Context, key string, fn func(Event)) error {
	if err := checkKey(key); err != nil {
		return err
	}
	w, err := NewWatcher(b.dir)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			if ev.Key == key {
				fn(ev)
			}
		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			b.logger().Printf("WARNING: watch error on %s: %v", b.dir, err)
		}
	}
}

func (b *FileBackend) logger() *log.Logger {
	if b.Logger == nil {
		return log.Default()
	}
	return b.Logger
}

func checkKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("storage: invalid key %q", key)
	}
	return nil
}

// classify maps OS errors onto the storage sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EROFS):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}
