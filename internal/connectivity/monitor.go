// Package connectivity tracks whether the remote authority is reachable.
//
// A Monitor combines two sources: Notify, fed by whatever native signal the
// host has, and a periodic Probe. Both go through the same path, so
// subscribers only hear about actual transitions.
package connectivity

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/localsync/internal/clock"
	"github.com/steveyegge/localsync/internal/observer"
)

// Defaults applied by New.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultProbeTimeout = 3 * time.Second
)

// Options configures a Monitor.
type Options struct {
	// Initial is the state assumed before the first probe.
	Initial bool
	// Probe is polled every PollInterval. Nil disables polling.
	Probe        Probe
	PollInterval time.Duration
	ProbeTimeout time.Duration
	Clock        clock.Clock
	Logger       *log.Logger
}

// Monitor is the connectivity monitor.
//
// Thread-safety: all methods are safe for concurrent use.
type Monitor struct {
	opts   Options
	clock  clock.Clock
	logger *log.Logger
	subs   *observer.List[bool]

	notifyMu sync.Mutex // serialises transitions so delivery order matches state order

	mu      sync.Mutex
	online  bool
	running bool
	gen     int
	timer   clock.Timer
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a stopped monitor.
func New(opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Monitor{
		opts:   opts,
		clock:  clock.OrReal(opts.Clock),
		logger: opts.Logger,
		subs:   observer.New[bool](opts.Logger),
		online: opts.Initial,
	}
}

// IsOnline returns the last known state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn to be called with the new state on every
// transition. Callbacks run in registration order; a panicking callback is
// logged and does not affect the others.
func (m *Monitor) Subscribe(fn func(online bool)) *observer.Subscription {
	return m.subs.Subscribe(fn)
}

// Notify reports an observed state. Repeating the current state is a no-op.
func (m *Monitor) Notify(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	if online {
		m.logger.Printf("Connection restored")
	} else {
		m.logger.Printf("Connection lost")
	}
	m.subs.Notify(online)
}

// Start begins polling. The first probe runs immediately.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor already running")
	}
	m.running = true
	m.gen++
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.opts.Probe != nil {
		gen := m.gen
		m.timer = m.clock.AfterFunc(0, func() { m.poll(gen) })
	}
	return nil
}

// Stop cancels polling and any in-flight probe. It is safe to call more
// than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.cancel()
}

// IsRunning returns true if the monitor is polling.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Check probes once and feeds the result through Notify. It returns the
// probed state. Without a probe it returns the current state.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.opts.Probe == nil {
		return m.IsOnline()
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	online := m.opts.Probe.Online(ctx)
	m.Notify(online)
	return online
}

func (m *Monitor) poll(gen int) {
	m.mu.Lock()
	if !m.running || m.gen != gen {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	m.Check(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running && m.gen == gen {
		m.timer = m.clock.AfterFunc(m.opts.PollInterval, func() { m.poll(gen) })
	}
}
