package enhancement

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/entrhq/lmsenhancer/pkg/logging"
	"github.com/entrhq/lmsenhancer/pkg/settings"
)

// Coordinator owns the active enhancement set for one page.
//
// Enable calls for the same feature are collapsed through a singleflight
// group, so two overlapping calls produce one Initialize. A Disable that
// arrives while that Initialize is running wins: the new instance is cleaned
// up and never becomes active.
type Coordinator struct {
	registry    *Registry
	store       settings.Store
	exclusions  *ExclusionTable
	derived     []DerivedRule
	initTimeout time.Duration
	log         *logging.Logger

	group singleflight.Group

	mu             sync.Mutex
	active         map[string]Unit
	inflight       map[string]struct{}
	pendingDisable map[string]struct{}
	attempted      map[string]struct{}
	// echo holds flags being written by ApplySettingChange, so the storage
	// delta of that write is not applied a second time.
	echo map[string]bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithInitTimeout bounds each Initialize call. Zero means no bound.
func WithInitTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.initTimeout = d }
}

// WithDerivedRules replaces the default derived-enablement rules.
func WithDerivedRules(rules ...DerivedRule) Option {
	return func(c *Coordinator) { c.derived = rules }
}

// NewCoordinator creates a coordinator with an empty active set.
func NewCoordinator(reg *Registry, store settings.Store, exclusions *ExclusionTable, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:       reg,
		store:          store,
		exclusions:     exclusions,
		derived:        DefaultDerivedRules(),
		log:            logging.NewNopLogger(),
		active:         make(map[string]Unit),
		inflight:       make(map[string]struct{}),
		pendingDisable: make(map[string]struct{}),
		attempted:      make(map[string]struct{}),
		echo:           make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enable constructs and initializes the unit for name. It is a no-op when the
// feature is already active. A failed Initialize returns an *InitError and
// leaves the feature inactive; it is not retried.
func (c *Coordinator) Enable(ctx context.Context, name string) error {
	c.mu.Lock()
	if _, ok := c.active[name]; ok {
		c.mu.Unlock()
		return nil
	}
	// A fresh enable supersedes a disable queued against the running one.
	if _, busy := c.inflight[name]; busy {
		delete(c.pendingDisable, name)
	}
	c.mu.Unlock()

	_, err, _ := c.group.Do(name, func() (interface{}, error) {
		return nil, c.enable(ctx, name)
	})
	return err
}

func (c *Coordinator) enable(ctx context.Context, name string) error {
	c.mu.Lock()
	if _, ok := c.active[name]; ok {
		c.mu.Unlock()
		return nil
	}
	factory, ok := c.registry.Lookup(name)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownFeature, name)
	}
	c.inflight[name] = struct{}{}
	c.attempted[name] = struct{}{}
	c.mu.Unlock()

	unit := factory()
	initErr := c.initialize(ctx, unit)

	c.mu.Lock()
	delete(c.inflight, name)
	_, cancelled := c.pendingDisable[name]
	delete(c.pendingDisable, name)
	if initErr == nil && !cancelled {
		c.active[name] = unit
	}
	c.mu.Unlock()

	if initErr != nil {
		c.log.Errorf("Failed to initialize %s: %v", name, initErr)
		return &InitError{Feature: name, Err: initErr}
	}
	if cancelled {
		c.log.Infof("Disable arrived during initialization of %s, discarding instance", name)
		if err := c.cleanup(ctx, unit); err != nil {
			c.log.Warnf("Cleanup of discarded %s failed: %v", name, err)
		}
		return nil
	}

	c.log.Debugf("Enabled %s", name)
	return nil
}

func (c *Coordinator) initialize(ctx context.Context, unit Unit) (err error) {
	if c.initTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.initTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during initialize: %v", r)
		}
	}()
	return unit.Initialize(ctx)
}

// Disable removes the active instance for name, calling Cleanup when the
// unit has one. The instance is removed even if Cleanup fails; the failure
// is returned wrapped in ErrCleanupFailed. Disabling an inactive feature is
// a no-op unless its Initialize is in flight, in which case the pending
// instance is discarded when Initialize returns.
func (c *Coordinator) Disable(ctx context.Context, name string) error {
	c.mu.Lock()
	unit, ok := c.active[name]
	if !ok {
		if _, busy := c.inflight[name]; busy {
			c.pendingDisable[name] = struct{}{}
		}
		c.mu.Unlock()
		return nil
	}
	delete(c.active, name)
	c.mu.Unlock()

	if err := c.cleanup(ctx, unit); err != nil {
		c.log.Warnf("Cleanup of %s failed: %v", name, err)
		return fmt.Errorf("%w: %s: %w", ErrCleanupFailed, name, err)
	}
	c.log.Debugf("Disabled %s", name)
	return nil
}

func (c *Coordinator) cleanup(ctx context.Context, unit Unit) (err error) {
	cleaner, ok := unit.(Cleaner)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during cleanup: %v", r)
		}
	}()
	return cleaner.Cleanup(ctx)
}

// ApplySettingChange enables or disables name and records its flag through
// the store. Self-handling features get the write but no lifecycle change;
// their live unit follows the stored flag itself. A failed write is logged
// and the toggle still applies to this session.
func (c *Coordinator) ApplySettingChange(ctx context.Context, name string, enabled bool) error {
	err := c.applyFlag(ctx, name, enabled)

	c.mu.Lock()
	c.echo[name] = enabled
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.echo, name)
		c.mu.Unlock()
	}()

	if perr := c.persistFlag(ctx, name, enabled); perr != nil {
		c.log.Warnf("Failed to persist toggle of %s: %v", name, perr)
	}
	return err
}

// applyStoredFlag applies a flag seen in a storage delta. The echo of a
// write ApplySettingChange is making right now is skipped.
func (c *Coordinator) applyStoredFlag(ctx context.Context, name string, enabled bool) error {
	c.mu.Lock()
	want, writing := c.echo[name]
	c.mu.Unlock()
	if writing && want == enabled {
		return nil
	}
	return c.applyFlag(ctx, name, enabled)
}

// persistFlag writes name's flag only when the stored value (or its default)
// disagrees, so the resulting storage delta replays as a no-op.
func (c *Coordinator) persistFlag(ctx context.Context, name string, enabled bool) error {
	key := settings.EnabledKey(name)
	stored, err := c.store.Get(ctx, []string{key})
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	current, ok := stored[key]
	if !ok {
		current = settings.Defaults()[key]
	}
	if settings.Truthy(current) == enabled {
		return nil
	}
	if err := c.store.Set(ctx, map[string]any{key: enabled}); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// applyFlag changes the active set without touching the store.
func (c *Coordinator) applyFlag(ctx context.Context, name string, enabled bool) error {
	if c.exclusions.Match(name) {
		c.log.Debugf("Skipping self-handling feature %s", name)
		return nil
	}
	if enabled {
		return c.Enable(ctx, name)
	}
	return c.Disable(ctx, name)
}

// LoadReport summarizes one load pass.
type LoadReport struct {
	Enabled []string
	Derived []string
	Failed  map[string]error
}

// LoadAndInitializeAll enables every registered feature whose setting is
// truthy, then applies the derived-enablement rules, persisting each derived
// flag so the next load sees it explicitly. Self-handling features are always
// constructed: while their flag is off the unit stays live but hidden, so a
// later toggle reaches its own listeners. Failures are isolated per feature.
func (c *Coordinator) LoadAndInitializeAll(ctx context.Context, values map[string]any) LoadReport {
	report := LoadReport{Failed: make(map[string]error)}

	for _, name := range c.registry.Names() {
		c.markAttempted(name)
		if !settings.Truthy(values[settings.EnabledKey(name)]) && !c.exclusions.Match(name) {
			continue
		}
		c.enableInto(ctx, name, &report)
	}

	for _, rule := range c.derived {
		if !rule.Applies(values) {
			continue
		}
		key := settings.EnabledKey(rule.Feature)
		if err := c.store.Set(ctx, map[string]any{key: true}); err != nil {
			c.log.Warnf("Failed to persist derived flag %s: %v", key, err)
		}
		report.Derived = append(report.Derived, rule.Feature)
		if c.registry.Has(rule.Feature) {
			c.enableInto(ctx, rule.Feature, &report)
		}
	}

	c.log.Infof("Load pass: %d enabled, %d derived, %d failed", len(report.Enabled), len(report.Derived), len(report.Failed))
	return report
}

func (c *Coordinator) enableInto(ctx context.Context, name string, report *LoadReport) {
	if err := c.Enable(ctx, name); err != nil {
		report.Failed[name] = err
		return
	}
	if c.IsActive(name) && !slices.Contains(report.Enabled, name) {
		report.Enabled = append(report.Enabled, name)
	}
}

func (c *Coordinator) markAttempted(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempted[name] = struct{}{}
}

// Refresh reads the current settings and runs a load pass for registry
// entries that appeared since the last pass. Features already considered
// are left alone, so earlier failures are not retried.
func (c *Coordinator) Refresh(ctx context.Context) (LoadReport, error) {
	values, err := settings.Load(ctx, c.store)
	if err != nil {
		return LoadReport{}, err
	}

	report := LoadReport{Failed: make(map[string]error)}
	for _, name := range c.registry.Names() {
		c.mu.Lock()
		_, seen := c.attempted[name]
		c.attempted[name] = struct{}{}
		c.mu.Unlock()
		if seen {
			continue
		}

		enabled := settings.Truthy(values[settings.EnabledKey(name)])
		if !enabled {
			for _, rule := range c.derived {
				if rule.Feature == name && rule.Applies(values) {
					if err := c.store.Set(ctx, map[string]any{settings.EnabledKey(name): true}); err != nil {
						c.log.Warnf("Failed to persist derived flag %s: %v", name, err)
					}
					report.Derived = append(report.Derived, name)
					enabled = true
				}
			}
		}
		if enabled || c.exclusions.Match(name) {
			c.enableInto(ctx, name, &report)
		}
	}
	return report, nil
}

// DisableAll disables every active feature, joining cleanup failures.
func (c *Coordinator) DisableAll(ctx context.Context) error {
	var errs []error
	for _, name := range c.Active() {
		if err := c.Disable(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsActive reports whether name has a live instance.
func (c *Coordinator) IsActive(name string) bool {
	_, ok := c.Instance(name)
	return ok
}

// Instance returns the live instance for name.
func (c *Coordinator) Instance(name string) (Unit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.active[name]
	return u, ok
}

// Active returns the active feature names in sorted order.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.active))
}

// Registry returns the registry the coordinator builds from.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Exclusions returns the self-handling table.
func (c *Coordinator) Exclusions() *ExclusionTable { return c.exclusions }
