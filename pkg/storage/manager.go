package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/entrhq/lmsenhancer/pkg/logging"
)

// Manager is the single entry point for setting reads and writes.
//
// Quota and rate violations on the synced backend are returned to the
// caller untouched. Any other synced-backend failure on a mutating call flips
// the preference to local-only, notifies subscribers, and retries the call
// against the local backend.
type Manager struct {
	sync         Backend
	local        Backend
	selector     *Selector
	guard        *Guard
	migrator     *Migrator
	notify       *notifier
	log          *logging.Logger
	writeTimeout time.Duration
}

type managerOptions struct {
	limits       Limits
	now          func() time.Time
	log          *logging.Logger
	probeTimeout time.Duration
	writeTimeout time.Duration
}

// Option configures a Manager.
type Option func(*managerOptions)

// WithLimits overrides the synced-backend quotas.
func WithLimits(l Limits) Option {
	return func(o *managerOptions) { o.limits = l }
}

// WithClock replaces time.Now for the write-rate window.
func WithClock(now func() time.Time) Option {
	return func(o *managerOptions) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *managerOptions) { o.log = l }
}

// WithProbeTimeout bounds the availability probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *managerOptions) { o.probeTimeout = d }
}

// WithWriteTimeout bounds every synced write. A timed-out write falls back
// to the local backend like any other backend failure.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *managerOptions) { o.writeTimeout = d }
}

// NewManager wires the selector, guard and migrator around the two backends.
func NewManager(syncBackend, local Backend, opts ...Option) *Manager {
	o := managerOptions{
		limits:       DefaultLimits(),
		probeTimeout: 5 * time.Second,
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.NewNopLogger()
	}

	n := newNotifier(o.log)
	m := &Manager{
		sync:         syncBackend,
		local:        local,
		selector:     newSelector(syncBackend, local, o.probeTimeout, n, o.log),
		guard:        NewGuard(o.limits, o.now),
		notify:       n,
		log:          o.log,
		writeTimeout: o.writeTimeout,
	}
	m.migrator = &Migrator{m: m}
	return m
}

// CallOption adjusts a single Manager call.
type CallOption func(*callOptions)

type callOptions struct {
	area *Area
}

// WithArea forces the call onto one backend regardless of the preference.
func WithArea(a Area) CallOption {
	return func(o *callOptions) { o.area = &a }
}

func (m *Manager) resolve(ctx context.Context, opts []CallOption) Backend {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	return m.selector.Resolve(ctx, co.area)
}

// Selector exposes the backend selector.
func (m *Manager) Selector() *Selector { return m.selector }

// Guard exposes the quota guard.
func (m *Manager) Guard() *Guard { return m.guard }

// Migrator exposes the migration engine.
func (m *Manager) Migrator() *Migrator { return m.migrator }

// Subscribe registers a listener for infrastructure notifications.
func (m *Manager) Subscribe(l Listener) (unsubscribe func()) {
	return m.notify.subscribe(l)
}

// OnChanged registers a listener for the deltas of successful writes.
func (m *Manager) OnChanged(l ChangeListener) (unsubscribe func()) {
	return m.notify.onChanged(l)
}

// ActiveArea reports which backend serves calls without a WithArea override.
func (m *Manager) ActiveArea(ctx context.Context) Area {
	return m.selector.Resolve(ctx, nil).Area()
}

// PublishChanges forwards externally observed changes (for example from
// FileBackend.Watch) to change listeners.
func (m *Manager) PublishChanges(area Area, changes map[string]Change) {
	m.notify.emitChanges(area, changes)
}

// Get reads keys (all keys when nil). A failing synced read is served from
// the local backend without changing the preference.
func (m *Manager) Get(ctx context.Context, keys []string, opts ...CallOption) (map[string]any, error) {
	b := m.resolve(ctx, opts)
	values, err := b.Get(ctx, keys)
	if err == nil || b.Area() != AreaSync {
		return values, err
	}

	m.log.Warnf("sync read failed, serving from local: %v", err)
	m.notify.emit(ReasonSyncError, fmt.Errorf("%w: %w", ErrBackendUnavailable, err))
	return m.local.Get(ctx, keys)
}

// Set writes items. On the synced backend the item, rate and total guards
// run in that order before anything is written, and the preference key is
// rejected with ErrReservedKey.
func (m *Manager) Set(ctx context.Context, items map[string]any, opts ...CallOption) error {
	if len(items) == 0 {
		return nil
	}

	b := m.resolve(ctx, opts)
	if b.Area() != AreaSync {
		return m.setOn(ctx, b, items, nil)
	}

	if _, ok := items[PreferenceKey]; ok {
		return fmt.Errorf("%w: %s", ErrReservedKey, PreferenceKey)
	}
	for key, value := range items {
		if err := m.guard.CheckItemQuota(key, value); err != nil {
			return err
		}
	}
	if err := m.guard.CheckWriteRate(); err != nil {
		return err
	}

	err := withTimeout(ctx, m.writeTimeout, func(ctx context.Context, a *attempt) error {
		if err := m.guard.CheckTotalQuota(ctx, b, items); err != nil {
			return err
		}
		return m.setOn(ctx, b, items, a)
	})
	if err == nil {
		m.guard.RecordWrite()
		return nil
	}
	if IsQuotaError(err) {
		return err
	}

	return m.fallback(ctx, "set", err, func() error {
		return m.setOn(ctx, m.local, items, nil)
	})
}

// setOn writes items to b and publishes the delta. A write that lands after
// its attempt was abandoned counts against the rate window but publishes
// nothing, since the caller has already fallen back to the local backend.
func (m *Manager) setOn(ctx context.Context, b Backend, items map[string]any, a *attempt) error {
	old, err := b.Get(ctx, lo.Keys(items))
	if err != nil {
		return err
	}
	if err := b.Set(ctx, items); err != nil {
		return err
	}
	if !a.commit() {
		m.guard.RecordWrite()
		m.landedLate("set", b.Area())
		return nil
	}

	normalized := make(map[string]any, len(items))
	for key, value := range items {
		v, _ := normalize(value)
		normalized[key] = v
	}
	m.notify.emitChanges(b.Area(), diffChanges(old, normalized))
	return nil
}

// Remove deletes keys. No quota applies.
func (m *Manager) Remove(ctx context.Context, keys []string, opts ...CallOption) error {
	if len(keys) == 0 {
		return nil
	}
	return m.mutate(ctx, "remove", opts, func(ctx context.Context, b Backend, a *attempt) error {
		old, err := b.Get(ctx, keys)
		if err != nil {
			return err
		}
		if err := b.Remove(ctx, keys); err != nil {
			return err
		}
		if !a.commit() {
			m.landedLate("remove", b.Area())
			return nil
		}
		m.notify.emitChanges(b.Area(), removalChanges(old))
		return nil
	})
}

// Clear deletes every key on the resolved backend. On the local backend the
// preference survives, since it is storage metadata rather than a setting.
func (m *Manager) Clear(ctx context.Context, opts ...CallOption) error {
	return m.mutate(ctx, "clear", opts, func(ctx context.Context, b Backend, a *attempt) error {
		old, err := b.Get(ctx, nil)
		if err != nil {
			return err
		}
		if b.Area() == AreaLocal {
			delete(old, PreferenceKey)
			if err := b.Remove(ctx, lo.Keys(old)); err != nil {
				return err
			}
		} else if err := b.Clear(ctx); err != nil {
			return err
		}
		if !a.commit() {
			m.landedLate("clear", b.Area())
			return nil
		}
		m.notify.emitChanges(b.Area(), removalChanges(old))
		return nil
	})
}

// mutate runs op on the resolved backend with the synced-failure fallback.
func (m *Manager) mutate(ctx context.Context, name string, opts []CallOption, op func(ctx context.Context, b Backend, a *attempt) error) error {
	b := m.resolve(ctx, opts)
	if b.Area() != AreaSync {
		return op(ctx, b, nil)
	}

	err := withTimeout(ctx, m.writeTimeout, func(ctx context.Context, a *attempt) error {
		return op(ctx, b, a)
	})
	if err == nil {
		return nil
	}
	return m.fallback(ctx, name, err, func() error {
		return op(ctx, m.local, nil)
	})
}

// landedLate logs a synced mutation that completed after its timeout. The
// data is on the backend, but no change event is published for it.
func (m *Manager) landedLate(op string, area Area) {
	m.log.Warnf("%s %s landed after its timeout, change not published", area, op)
}

// fallback downgrades to local-only after a synced failure and retries.
func (m *Manager) fallback(ctx context.Context, op string, cause error, retry func() error) error {
	m.log.Warnf("sync %s failed, falling back to local: %v", op, cause)

	if err := m.selector.SetPreference(ctx, false); err != nil {
		m.log.Errorf("failed to persist local-only preference: %v", err)
	}
	m.notify.emit(ReasonSyncError, fmt.Errorf("%w: %s: %w", ErrBackendWriteFailed, op, cause))

	if err := retry(); err != nil {
		return fmt.Errorf("local %s after sync failure: %w", op, err)
	}
	return nil
}

// BytesInUse reports usage for keys on the resolved backend, or 0 if the
// backend does not account bytes.
func (m *Manager) BytesInUse(ctx context.Context, keys []string, opts ...CallOption) (int, error) {
	b := m.resolve(ctx, opts)
	n, err := bytesInUse(ctx, b, keys)
	if err != nil {
		return 0, fmt.Errorf("failed to read bytes in use: %w", err)
	}
	return n, nil
}

// SyncResult reports the outcome of SetSyncEnabled.
type SyncResult struct {
	Success  bool
	Migrated bool
}

// SetSyncEnabled changes the preference, migrating the key space first when
// migrate is true. A failed migration leaves the preference at local-only
// and returns an error wrapping ErrMigrationFailed.
func (m *Manager) SetSyncEnabled(ctx context.Context, enabled, migrate bool) (SyncResult, error) {
	if m.selector.Preference(ctx) == enabled {
		return SyncResult{Success: true}, nil
	}

	if !migrate {
		if err := m.selector.SetPreference(ctx, enabled); err != nil {
			return SyncResult{}, err
		}
		return SyncResult{Success: true}, nil
	}

	if err := m.migrator.Migrate(ctx, enabled); err != nil {
		return SyncResult{}, err
	}
	return SyncResult{Success: true, Migrated: true}, nil
}

// IsMigrationError reports whether err came from a rolled-back migration.
func IsMigrationError(err error) bool {
	return errors.Is(err, ErrMigrationFailed)
}
