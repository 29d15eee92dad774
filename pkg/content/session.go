// Package content composes the per-page session: storage, registry,
// lifecycle coordinator and message router.
package content

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/entrhq/lmsenhancer/pkg/config"
	"github.com/entrhq/lmsenhancer/pkg/enhancement"
	"github.com/entrhq/lmsenhancer/pkg/enhancement/builtin"
	"github.com/entrhq/lmsenhancer/pkg/logging"
	"github.com/entrhq/lmsenhancer/pkg/settings"
	"github.com/entrhq/lmsenhancer/pkg/storage"
	"github.com/entrhq/lmsenhancer/pkg/types"
)

// Session is one page's view of the enhancement system.
type Session struct {
	cfg      *config.Config
	store    *storage.Manager
	registry *enhancement.Registry
	coord    *enhancement.Coordinator
	router   *enhancement.Router
	log      *logging.Logger

	watcher *storage.FileBackend
	closers []func() error

	mu        sync.Mutex
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	unsubs    []func()
	watchDone chan error
}

// Limits converts the storage section of cfg into quota guard limits.
func Limits(cfg *config.Config) storage.Limits {
	return storage.Limits{
		MaxItemBytes:  cfg.Storage.MaxItemBytes,
		MaxTotalBytes: cfg.Storage.MaxTotalBytes,
		MaxWrites:     cfg.Storage.MaxWritesPerMin,
		Window:        cfg.Storage.RateWindow,
	}
}

// OpenStore builds the storage manager described by cfg: the JSON file as the
// durable-synced backend and SQLite as the local-only backend. The returned
// closer releases the database.
func OpenStore(cfg *config.Config, log *logging.Logger) (*storage.Manager, *storage.FileBackend, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SyncPath), 0750); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create sync directory: %w", err)
	}
	syncBackend, err := storage.NewFileBackend(storage.AreaSync, cfg.Storage.SyncPath)
	if err != nil {
		return nil, nil, nil, err
	}
	local, err := storage.NewSQLiteBackend(storage.AreaLocal, cfg.Storage.LocalPath)
	if err != nil {
		return nil, nil, nil, err
	}

	store := storage.NewManager(syncBackend, local,
		storage.WithLimits(Limits(cfg)),
		storage.WithLogger(log.With("storage")),
		storage.WithProbeTimeout(cfg.Storage.ProbeTimeout),
		storage.WithWriteTimeout(cfg.Storage.WriteTimeout),
	)
	return store, syncBackend, local.Close, nil
}

// Open creates a session over the backends configured in cfg.
func Open(cfg *config.Config, log *logging.Logger) (*Session, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	store, fileBackend, closeStore, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}

	s, err := New(cfg, store, log)
	if err != nil {
		closeStore()
		return nil, err
	}
	s.closers = append(s.closers, closeStore)
	if cfg.Storage.WatchSyncBackend {
		s.watcher = fileBackend
	}
	return s, nil
}

// New creates a session over an existing store with the built-in units registered.
func New(cfg *config.Config, store *storage.Manager, log *logging.Logger) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logging.NewNopLogger()
	}

	table, err := enhancement.NewExclusionTable(enhancement.DefaultSelfHandling(), cfg.Enhancements.ExtraSelfHandling...)
	if err != nil {
		return nil, fmt.Errorf("failed to build self-handling table: %w", err)
	}

	registry := enhancement.NewRegistry()
	coord := enhancement.NewCoordinator(registry, store, table,
		enhancement.WithLogger(log.With("coordinator")),
		enhancement.WithInitTimeout(cfg.Enhancements.InitTimeout),
	)
	router := enhancement.NewRouter(coord, log.With("router"))

	if err := builtin.Register(registry, builtin.Deps{Store: store, Changes: store, Messages: router}); err != nil {
		return nil, err
	}

	return &Session{
		cfg:      cfg,
		store:    store,
		registry: registry,
		coord:    coord,
		router:   router,
		log:      log,
	}, nil
}

// Start loads settings, initializes every enabled unit and begins following
// storage changes. It may be called once.
func (s *Session) Start(ctx context.Context) (enhancement.LoadReport, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return enhancement.LoadReport{}, errors.New("session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	values, err := settings.Load(ctx, s.store)
	if err != nil {
		return enhancement.LoadReport{}, err
	}
	report := s.coord.LoadAndInitializeAll(ctx, values)

	unsubChanges := s.store.OnChanged(func(area storage.Area, changes map[string]storage.Change) {
		// A synced write abandoned after a timeout, or an outside writer of
		// the synced file, must not override local-only settings.
		if area == storage.AreaSync && s.store.ActiveArea(s.ctx) != storage.AreaSync {
			s.log.Debugf("Ignoring %d synced change(s) while local storage is authoritative", len(changes))
			return
		}
		if err := s.router.HandleStorageChange(s.ctx, area, changes); err != nil {
			s.log.Warnf("Failed to apply storage change: %v", err)
		}
	})
	unsubNotes := s.store.Subscribe(func(n storage.Notification) {
		s.log.Warnf("Storage notification %s: %v", n.Reason, n.Err)
	})

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubChanges, unsubNotes)
	if s.watcher != nil {
		s.watchDone = make(chan error, 1)
		go func(ctx context.Context, done chan<- error) {
			done <- s.watcher.Watch(ctx, s.store.PublishChanges)
		}(s.ctx, s.watchDone)
	}
	s.mu.Unlock()

	return report, nil
}

// HandleMessage routes one runtime message.
func (s *Session) HandleMessage(ctx context.Context, msg types.Message) (types.Response, error) {
	return s.router.Route(ctx, msg)
}

// Announce registers a late-loading unit and enables it if its setting is on.
func (s *Session) Announce(ctx context.Context, name string, f enhancement.Factory) (bool, error) {
	if !s.registry.Announce(name, f) {
		return false, nil
	}
	if _, err := s.coord.Refresh(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Store returns the storage manager.
func (s *Session) Store() *storage.Manager { return s.store }

// Coordinator returns the lifecycle coordinator.
func (s *Session) Coordinator() *enhancement.Coordinator { return s.coord }

// Router returns the message router.
func (s *Session) Router() *enhancement.Router { return s.router }

// Close stops listening, disables every active unit and releases the backends.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	cancel, watchDone := s.cancel, s.watchDone
	s.watchDone = nil
	s.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	var errs []error
	if cancel != nil {
		cancel()
	}
	if watchDone != nil {
		if err := <-watchDone; err != nil {
			errs = append(errs, fmt.Errorf("sync watcher: %w", err))
		}
	}

	if err := s.coord.DisableAll(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, closer := range s.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
