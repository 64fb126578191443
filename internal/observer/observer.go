// Package observer provides an ordered subscriber list.
//
// Subscribers are called in registration order. A panicking subscriber is
// recovered and logged so the remaining subscribers still receive the value.
package observer

import (
	"log"
	"os"
	"sync"
)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the subscriber. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type entry[T any] struct {
	id int64
	fn func(T)
}

// List holds subscribers for values of type T.
type List[T any] struct {
	mu     sync.Mutex
	nextID int64
	subs   []entry[T]
	logger *log.Logger
}

// New creates an empty list. A nil logger logs to stderr.
func New[T any](logger *log.Logger) *List[T] {
	if logger == nil {
		logger = log.New(os.Stderr, "[observer] ", log.LstdFlags)
	}
	return &List[T]{logger: logger}
}

// Subscribe registers fn and returns its unsubscribe handle.
func (l *List[T]) Subscribe(fn func(T)) *Subscription {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, entry[T]{id: id, fn: fn})
	l.mu.Unlock()

	return &Subscription{cancel: func() { l.remove(id) }}
}

// Notify delivers v to every subscriber registered at the time of the call.
func (l *List[T]) Notify(v T) {
	l.mu.Lock()
	subs := make([]entry[T], len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()

	for _, s := range subs {
		l.call(s, v)
	}
}

// Len returns the number of subscribers.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Clear removes every subscriber.
func (l *List[T]) Clear() {
	l.mu.Lock()
	l.subs = nil
	l.mu.Unlock()
}

func (l *List[T]) call(s entry[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Printf("Error in subscriber %d: %v", s.id, r)
		}
	}()
	s.fn(v)
}

func (l *List[T]) remove(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, s := range l.subs {
		if s.id == id {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			return
		}
	}
}
