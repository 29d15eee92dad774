package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/lmsenhancer/pkg/logging"
)

// PreferenceKey holds the backend preference. It lives only in the local
// backend so reading it never depends on the synced one.
const PreferenceKey = "useSyncStorage"

// probeKey is read (never written) to test the synced backend.
const probeKey = "__storage_probe__"

// Selector decides which backend serves an operation.
type Selector struct {
	sync         Backend
	local        Backend
	probeTimeout time.Duration
	notify       *notifier
	log          *logging.Logger

	mu        sync.Mutex
	probed    bool
	available bool
	probeErr  error
}

func newSelector(syncBackend, local Backend, probeTimeout time.Duration, n *notifier, log *logging.Logger) *Selector {
	return &Selector{
		sync:         syncBackend,
		local:        local,
		probeTimeout: probeTimeout,
		notify:       n,
		log:          log,
	}
}

// Preference reports whether the synced backend is preferred. Unset means
// true; a read error means false.
func (s *Selector) Preference(ctx context.Context) bool {
	values, err := s.local.Get(ctx, []string{PreferenceKey})
	if err != nil {
		s.log.Warnf("failed to read backend preference, using local: %v", err)
		return false
	}
	pref, ok := values[PreferenceKey].(bool)
	if !ok {
		return true
	}
	return pref
}

// SetPreference persists the preference to the local backend.
func (s *Selector) SetPreference(ctx context.Context, useSync bool) error {
	if err := s.local.Set(ctx, map[string]any{PreferenceKey: useSync}); err != nil {
		return fmt.Errorf("failed to persist backend preference: %w", err)
	}
	return nil
}

// Probe performs a single read against the synced backend and caches the
// outcome for the life of the process.
func (s *Selector) Probe(ctx context.Context) bool {
	s.mu.Lock()
	if s.probed {
		defer s.mu.Unlock()
		return s.available
	}

	err := withTimeout(ctx, s.probeTimeout, func(ctx context.Context, _ *attempt) error {
		_, err := s.sync.Get(ctx, []string{probeKey})
		return err
	})
	s.probed = true
	s.available = err == nil
	if err != nil {
		s.probeErr = fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	available, probeErr := s.available, s.probeErr
	s.mu.Unlock()

	if probeErr != nil {
		s.log.Warnf("sync backend probe failed: %v", err)
		s.notify.emit(ReasonSyncUnavailable, probeErr)
	}
	return available
}

// ProbeErr returns the error that made the probe fail, if any.
func (s *Selector) ProbeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probeErr
}

// Resolve picks the backend for one call. A non-nil override replaces the
// stored preference. The synced backend is returned only if it probed healthy.
func (s *Selector) Resolve(ctx context.Context, override *Area) Backend {
	var useSync bool
	if override != nil {
		useSync = *override == AreaSync
	} else {
		useSync = s.Preference(ctx)
	}

	if useSync && s.Probe(ctx) {
		return s.sync
	}
	return s.local
}
