package storage

import (
	"context"
	"sync"
)

// MigrationState is the Migrator's position in Idle -> Migrating -> {Committed, RolledBack}.
type MigrationState int

const (
	MigrationIdle MigrationState = iota
	MigrationMigrating
	MigrationCommitted
	MigrationRolledBack
)

func (s MigrationState) String() string {
	switch s {
	case MigrationIdle:
		return "idle"
	case MigrationMigrating:
		return "migrating"
	case MigrationCommitted:
		return "committed"
	case MigrationRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Migrator copies the whole key space between backends. The destination is
// cleared and then written with one bulk Set; the preference flips only
// after that write succeeds.
type Migrator struct {
	m *Manager

	mu    sync.Mutex
	state MigrationState
}

// State returns the outcome of the most recent migration.
func (mg *Migrator) State() MigrationState {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return mg.state
}

func (mg *Migrator) setState(s MigrationState) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.state = s
}

// Migrate moves every setting to the synced backend (toSync) or to the local
// one. On failure the preference is forced to local-only, subscribers get a
// migration-failed notification, and a *MigrationError is returned.
func (mg *Migrator) Migrate(ctx context.Context, toSync bool) error {
	m := mg.m
	mg.setState(MigrationMigrating)

	src, dst := m.sync, m.local
	if toSync {
		src, dst = m.local, m.sync
	}

	fail := func(step string, err error) error {
		mErr := &MigrationError{ToSync: toSync, Step: step, Err: err}
		m.log.Errorf("%v", mErr)
		if perr := m.selector.SetPreference(ctx, false); perr != nil {
			m.log.Errorf("failed to reset preference after migration failure: %v", perr)
		}
		mg.setState(MigrationRolledBack)
		m.notify.emit(ReasonMigrationFailed, mErr)
		return mErr
	}

	payload, err := src.Get(ctx, nil)
	if err != nil {
		return fail("read", err)
	}
	// The preference never leaves the local backend.
	delete(payload, PreferenceKey)

	if toSync {
		if err := m.guard.CheckBatchQuota(payload); err != nil {
			return fail("quota", err)
		}
		if err := m.guard.CheckWriteRate(); err != nil {
			return fail("quota", err)
		}
	}

	err = withTimeout(ctx, m.writeTimeout, func(ctx context.Context, _ *attempt) error {
		if err := dst.Clear(ctx); err != nil {
			return &stepError{step: "clear", err: err}
		}
		if len(payload) == 0 {
			return nil
		}
		if err := dst.Set(ctx, payload); err != nil {
			return &stepError{step: "write", err: err}
		}
		return nil
	})
	if err != nil {
		step := "write"
		if se, ok := err.(*stepError); ok {
			step, err = se.step, se.err
		}
		return fail(step, err)
	}
	if toSync && len(payload) > 0 {
		m.guard.RecordWrite()
	}

	if err := m.selector.SetPreference(ctx, toSync); err != nil {
		return fail("commit", err)
	}

	mg.setState(MigrationCommitted)
	m.log.Infof("migrated %d settings (toSync=%t)", len(payload), toSync)
	return nil
}

type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return e.step + ": " + e.err.Error() }
