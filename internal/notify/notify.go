// Package notify holds the single transient message shown to the user.
package notify

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/localsync/internal/clock"
	"github.com/steveyegge/localsync/internal/observer"
)

// DefaultDuration is how long Info, Success, Warning and Error messages stay up.
const DefaultDuration = 3 * time.Second

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is one message. A zero Duration means it stays until
// replaced or cleared.
type Notification struct {
	ID        int64         `json:"id"`
	Message   string        `json:"message"`
	Level     Level         `json:"level"`
	CreatedAt time.Time     `json:"createdAt"`
	Duration  time.Duration `json:"duration"`
}

// Notifier shows at most one notification at a time. A new notification
// replaces the current one and cancels its dismissal.
//
// Thread-safety: all methods are safe for concurrent use.
type Notifier struct {
	clock  clock.Clock
	logger *log.Logger
	subs   *observer.List[*Notification]

	notifyMu sync.Mutex

	mu      sync.Mutex
	seq     int64
	current *Notification
	timer   clock.Timer
}

// New creates a notifier. Nil arguments select the real clock and a stderr
// logger.
func New(c clock.Clock, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &Notifier{
		clock:  clock.OrReal(c),
		logger: logger,
		subs:   observer.New[*Notification](logger),
	}
}

// Subscribe registers fn to receive every change. fn receives nil when the
// notification is dismissed.
func (n *Notifier) Subscribe(fn func(*Notification)) *observer.Subscription {
	return n.subs.Subscribe(fn)
}

// Show displays message at level for d.
func (n *Notifier) Show(message string, level Level, d time.Duration) Notification {
	n.notifyMu.Lock()
	defer n.notifyMu.Unlock()

	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.seq++
	note := Notification{
		ID:        n.seq,
		Message:   message,
		Level:     level,
		CreatedAt: n.clock.Now(),
		Duration:  d,
	}
	n.current = &note
	if d > 0 {
		id := note.ID
		n.timer = n.clock.AfterFunc(d, func() { n.dismiss(id) })
	}
	n.mu.Unlock()

	out := note
	n.subs.Notify(&out)
	return note
}

func (n *Notifier) Info(message string) Notification {
	return n.Show(message, LevelInfo, DefaultDuration)
}

func (n *Notifier) Success(message string) Notification {
	return n.Show(message, LevelSuccess, DefaultDuration)
}

func (n *Notifier) Warning(message string) Notification {
	return n.Show(message, LevelWarning, DefaultDuration)
}

func (n *Notifier) Error(message string) Notification {
	return n.Show(message, LevelError, DefaultDuration)
}

// Current returns the notification on screen, if any.
func (n *Notifier) Current() (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return Notification{}, false
	}
	return *n.current, true
}

// Clear dismisses the current notification.
func (n *Notifier) Clear() {
	n.dismiss(0)
}

// dismiss removes the current notification if its id matches, or
// unconditionally for id 0.
func (n *Notifier) dismiss(id int64) {
	n.notifyMu.Lock()
	defer n.notifyMu.Unlock()

	n.mu.Lock()
	if n.current == nil || (id != 0 && n.current.ID != id) {
		n.mu.Unlock()
		return
	}
	n.current = nil
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.mu.Unlock()

	n.subs.Notify(nil)
}
