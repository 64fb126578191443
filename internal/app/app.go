// Package app wires the localsync components into one running instance.
//
// Nothing in the other packages is a process-wide singleton; App owns every
// component and hands each one its dependencies explicitly.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/steveyegge/localsync/internal/clock"
	"github.com/steveyegge/localsync/internal/config"
	"github.com/steveyegge/localsync/internal/connectivity"
	"github.com/steveyegge/localsync/internal/engine"
	"github.com/steveyegge/localsync/internal/logging"
	"github.com/steveyegge/localsync/internal/notify"
	"github.com/steveyegge/localsync/internal/queue"
	"github.com/steveyegge/localsync/internal/remote"
	"github.com/steveyegge/localsync/internal/schema"
	"github.com/steveyegge/localsync/internal/statusfeed"
	"github.com/steveyegge/localsync/internal/storage"
	"github.com/steveyegge/localsync/internal/todos"
)

// SQLiteFile is the database name used by the sqlite backend.
const SQLiteFile = "todosync.db"

var errNoRemote = fmt.Errorf("%w: no remote configured", remote.ErrNetwork)

// Option customises New.
type Option func(*options)

type options struct {
	clock     clock.Clock
	authority remote.Authority
	probe     connectivity.Probe
	logger    *logging.Logger
	registry  *prometheus.Registry
	backend   storage.Backend
}

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithAuthority replaces the HTTP client built from remote.url.
func WithAuthority(a remote.Authority) Option { return func(o *options) { o.authority = a } }

// WithProbe replaces the HTTP health probe.
func WithProbe(p connectivity.Probe) Option { return func(o *options) { o.probe = p } }

// WithLogger replaces the logger built from the log settings.
func WithLogger(l *logging.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option { return func(o *options) { o.registry = reg } }

// WithBackend replaces the backend selected by storage.backend.
func WithBackend(b storage.Backend) Option { return func(o *options) { o.backend = b } }

// App is a fully wired instance.
type App struct {
	Config    *config.Config
	Logger    *logging.Logger
	Registry  *prometheus.Registry
	Backend   storage.Backend
	Store     *storage.Store
	Queue     *queue.Queue
	Authority remote.Authority
	Monitor   *connectivity.Monitor
	Engine    *engine.Engine
	Notifier  *notify.Notifier
	Todos     *todos.Collection
	// Feed is nil unless feed.addr is set.
	Feed *statusfeed.Server

	detachFeed func()

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds every component from cfg. Storage problems never fail New:
// an unusable backend degrades to memory-only operation and is reported
// through the notifier once the app is up.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: o.logger, Registry: o.registry}
	if a.Logger == nil {
		a.Logger = logging.New(logging.Config{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
	}
	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
	}

	a.Notifier = notify.New(o.clock, a.Logger.For("notify"))

	var startupErr error
	a.Backend = o.backend
	if a.Backend == nil {
		a.Backend, startupErr = openBackend(cfg, a.Logger)
	}

	a.Store = storage.New(a.Backend, storage.Options{
		Namespace:   cfg.Storage.Namespace,
		Debounce:    cfg.Storage.Debounce,
		KeepOnQuota: cfg.Storage.KeepOnQuota,
		Clock:       o.clock,
		Logger:      a.Logger.For("storage"),
		OnError:     a.reportStorageError,
	})

	q, err := queue.Open(a.Backend, cfg.Storage.Namespace+".queue", a.Logger.For("queue"))
	if err != nil {
		a.Logger.Printf("WARNING: pending changes could not be loaded, starting with an empty queue: %v", err)
		q = queue.New()
	}
	a.Queue = q

	a.Authority = o.authority
	if a.Authority == nil && cfg.Remote.URL != "" {
		a.Authority = remote.NewClient(cfg.Remote.URL, cfg.Remote.RequestTimeout)
	}

	probe := o.probe
	if probe == nil {
		if u := cfg.ProbeURL(); u != "" {
			probe = connectivity.HTTPProbe{URL: u}
		} else if a.Authority == nil {
			probe = connectivity.Static(false)
		}
	}
	a.Monitor = connectivity.New(connectivity.Options{
		Initial:      a.Authority != nil,
		Probe:        probe,
		PollInterval: cfg.Connectivity.PollInterval,
		ProbeTimeout: cfg.Remote.RequestTimeout,
		Clock:        o.clock,
		Logger:       a.Logger.For("connectivity"),
	})

	a.Todos = todos.New(todos.Options{
		Store:  a.Store,
		Queue:  a.Queue,
		Online: a.Monitor.IsOnline,
		Clock:  o.clock,
		Logger: a.Logger.For("todos"),
	})

	authority := a.Authority
	if authority == nil {
		authority = remote.AuthorityFunc{
			FetchFunc: func(context.Context) (schema.Snapshot, error) { return schema.Snapshot{}, errNoRemote },
			ApplyFunc: func(context.Context, schema.Operation) error { return errNoRemote },
		}
	}
	a.Engine, err = engine.New(engine.Config{
		Authority:    authority,
		Local:        a.Todos,
		Queue:        a.Queue,
		Monitor:      a.Monitor,
		Clock:        o.clock,
		Logger:       a.Logger.For("sync"),
		Metrics:      engine.NewMetrics(a.Registry),
		Timeout:      cfg.Sync.Timeout,
		BaseDelay:    cfg.Sync.BaseDelay,
		MaxRetries:   cfg.Sync.MaxRetries,
		MaxOpRetries: cfg.Sync.MaxOpRetries,
		OnlineDelay:  cfg.Sync.OnlineDelay,
		InitialDelay: cfg.Sync.InitialDelay,
		Strategy:     engine.Strategy(cfg.Sync.Strategy),
		OnAlert: func(msg string) {
			a.Notifier.Show(msg, notify.LevelError, cfg.Notify.Duration)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}
	a.Todos.SetSyncer(a.Engine)

	if cfg.Feed.Addr != "" {
		a.Feed = statusfeed.NewServer(statusfeed.Config{
			Addr:     cfg.Feed.Addr,
			Gatherer: a.Registry,
			Logger:   a.Logger.For("feed"),
		})
	}

	if startupErr != nil {
		a.reportStorageError(startupErr)
	}
	return a, nil
}

// Start begins connectivity polling, the sync engine and the feed.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errors.New("app already started")
	}
	if a.Feed != nil {
		a.detachFeed = a.Feed.Attach(a.Engine, a.Notifier, a.Todos)
		if err := a.Feed.Start(); err != nil {
			a.detachFeed()
			a.detachFeed = nil
			return err
		}
	}
	if err := a.Monitor.Start(); err != nil {
		a.stopFeed()
		return err
	}
	if err := a.Engine.Start(); err != nil {
		a.Monitor.Stop()
		a.stopFeed()
		return err
	}
	a.started = true
	return nil
}

func (a *App) stopFeed() error {
	if a.Feed == nil || a.detachFeed == nil {
		return nil
	}
	a.detachFeed()
	a.detachFeed = nil
	return a.Feed.Stop()
}

// Close stops every component, writes pending changes and closes the
// backend. It is safe to call more than once.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	a.Engine.Stop()
	a.Monitor.Stop()

	var errs []error
	if err := a.stopFeed(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.Backend != nil {
		if err := a.Backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
		}
	}
	if err := a.Logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Watch reloads the collection whenever another process writes the store,
// until ctx is done. It returns storage.ErrWatchUnsupported for backends
// that cannot watch.
func (a *App) Watch(ctx context.Context) error {
	return a.Store.Watch(ctx, a.Todos.Reload)
}

func (a *App) reportStorageError(err error) {
	if a.Engine != nil {
		a.Engine.ReportStorageError(err)
	}
	if a.Notifier != nil {
		msg, level := StorageMessage(err)
		a.Notifier.Show(msg, level, a.Config.Notify.Duration)
	}
}

// StorageMessage turns a recovered storage failure into user-facing text.
func StorageMessage(err error) (string, notify.Level) {
	var trunc *storage.TruncatedError
	switch {
	case errors.As(err, &trunc):
		return fmt.Sprintf("Storage is full. Only the %d most recent items were kept.", trunc.Kept), notify.LevelWarning
	case storage.IsQuota(err):
		return "Storage is full. Your latest changes could not be saved.", notify.LevelError
	case storage.IsUnavailable(err):
		return "Storage is unavailable. Changes will be lost when you quit.", notify.LevelWarning
	case errors.Is(err, storage.ErrCorrupted):
		return "Saved data was unreadable and has been reset.", notify.LevelWarning
	default:
		return "Failed to save changes.", notify.LevelError
	}
}

func openBackend(cfg *config.Config, logger *logging.Logger) (storage.Backend, error) {
	var (
		backend storage.Backend
		err     error
	)
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		m := storage.NewMemoryBackend()
		m.MaxBytes = cfg.Storage.MaxBytes
		return m, nil
	case config.BackendSQLite:
		var b *storage.SQLiteBackend
		b, err = storage.OpenSQLite(filepath.Join(cfg.Storage.Dir, SQLiteFile))
		if err == nil {
			b.MaxBytes = cfg.Storage.MaxBytes
			backend = b
		}
	default:
		var b *storage.FileBackend
		b, err = storage.NewFileBackend(cfg.Storage.Dir)
		if err == nil {
			b.MaxBytes = cfg.Storage.MaxBytes
			b.Logger = logger.For("file")
			backend = b
		}
	}
	if err != nil {
		logger.Printf("WARNING: %s storage unavailable, falling back to memory: %v", cfg.Storage.Backend, err)
		return storage.NewMemoryBackend(), err
	}
	return backend, nil
}
