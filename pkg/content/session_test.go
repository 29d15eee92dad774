package content

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/entrhq/lmsenhancer/pkg/config"
	"github.com/entrhq/lmsenhancer/pkg/enhancement"
	"github.com/entrhq/lmsenhancer/pkg/enhancement/builtin"
	"github.com/entrhq/lmsenhancer/pkg/settings"
	"github.com/entrhq/lmsenhancer/pkg/storage"
	"github.com/entrhq/lmsenhancer/pkg/types"
)

func newMemoryStore() *storage.Manager {
	return storage.NewManager(
		storage.NewMemoryBackend(storage.AreaSync, true),
		storage.NewMemoryBackend(storage.AreaLocal, false),
	)
}

type lateUnit struct{ inits *atomic.Int32 }

func (u *lateUnit) Initialize(ctx context.Context) error {
	u.inits.Add(1)
	return nil
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	require.NoError(t, store.Set(ctx, map[string]any{
		settings.ConfigKey(settings.FeatureHeaderLinks, settings.SuffixData): []any{
			map[string]any{"label": "Grades", "url": "https://lms.example.test/grades"},
		},
	}))

	s, err := New(nil, store, nil)
	require.NoError(t, err)

	report, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{settings.FeatureHeaderLinks}, report.Derived)
	assert.Equal(t, []string{settings.FeatureCopyIDs, settings.FeatureHeaderLinks}, s.Coordinator().Active())

	_, err = s.Start(ctx)
	assert.Error(t, err, "second start is rejected")

	t.Run("toggle message", func(t *testing.T) {
		resp, err := s.HandleMessage(ctx, types.NewToggleMessage(settings.FeatureIconSize, true))
		require.NoError(t, err)
		assert.True(t, resp.Found)
		assert.True(t, s.Coordinator().IsActive(settings.FeatureIconSize))
	})

	t.Run("value message reaches active unit", func(t *testing.T) {
		resp, err := s.HandleMessage(ctx, types.NewValueMessage(settings.FeatureIconSize, 24.0))
		require.NoError(t, err)
		assert.Equal(t, 24.0, resp.Value)
	})

	t.Run("storage change disables", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, map[string]any{settings.FeatureCopyIDs: false}))
		assert.False(t, s.Coordinator().IsActive(settings.FeatureCopyIDs))
	})

	t.Run("self-handling flag stays with its unit", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, map[string]any{settings.FeatureHeaderLinks: false}))
		assert.True(t, s.Coordinator().IsActive(settings.FeatureHeaderLinks))
	})

	t.Run("announce enables late unit", func(t *testing.T) {
		var inits atomic.Int32
		require.NoError(t, store.Set(ctx, map[string]any{"lateFeature": true}))

		added, err := s.Announce(ctx, "lateFeature", func() enhancement.Unit { return &lateUnit{inits: &inits} })
		require.NoError(t, err)
		assert.True(t, added)
		assert.True(t, s.Coordinator().IsActive("lateFeature"))

		added, err = s.Announce(ctx, "lateFeature", func() enhancement.Unit { return &lateUnit{inits: &inits} })
		require.NoError(t, err)
		assert.False(t, added)
		assert.Equal(t, int32(1), inits.Load())
	})

	require.NoError(t, s.Close(ctx))
	assert.Empty(t, s.Coordinator().Active())

	require.NoError(t, store.Set(ctx, map[string]any{settings.FeatureCopyIDs: true}))
	assert.False(t, s.Coordinator().IsActive(settings.FeatureCopyIDs), "closed session ignores changes")
}

func TestHeaderLinksOffAtLoadCanBeTurnedOn(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	require.NoError(t, store.Set(ctx, map[string]any{
		settings.FeatureHeaderLinks: false,
		settings.ConfigKey(settings.FeatureHeaderLinks, settings.SuffixData): []any{
			map[string]any{"label": "Library", "url": "https://lib.example.test"},
		},
	}))

	s, err := New(nil, store, nil)
	require.NoError(t, err)
	report, err := s.Start(ctx)
	require.NoError(t, err)
	defer s.Close(ctx)
	assert.Empty(t, report.Derived)

	instance, ok := s.Coordinator().Instance(settings.FeatureHeaderLinks)
	require.True(t, ok, "self-handling unit is live while its flag is off")
	unit, ok := instance.(*builtin.HeaderLinksUnit)
	require.True(t, ok)
	assert.False(t, unit.Visible())

	resp, err := s.HandleMessage(ctx, types.NewToggleMessage(settings.FeatureHeaderLinks, true))
	require.NoError(t, err)
	assert.True(t, resp.Handled)
	assert.True(t, unit.Visible())

	stored, err := store.Get(ctx, []string{settings.FeatureHeaderLinks})
	require.NoError(t, err)
	assert.Equal(t, true, stored[settings.FeatureHeaderLinks])

	require.NoError(t, store.Set(ctx, map[string]any{settings.FeatureHeaderLinks: false}))
	assert.False(t, unit.Visible())
	require.NoError(t, store.Set(ctx, map[string]any{settings.FeatureHeaderLinks: true}))
	assert.True(t, unit.Visible())
}

func TestToggleSurvivesReload(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()

	first, err := New(nil, store, nil)
	require.NoError(t, err)
	_, err = first.Start(ctx)
	require.NoError(t, err)

	_, err = first.HandleMessage(ctx, types.NewToggleMessage(settings.FeatureIconSize, true))
	require.NoError(t, err)
	_, err = first.HandleMessage(ctx, types.NewToggleMessage(settings.FeatureCopyIDs, false))
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second, err := New(nil, store, nil)
	require.NoError(t, err)
	_, err = second.Start(ctx)
	require.NoError(t, err)
	defer second.Close(ctx)

	assert.True(t, second.Coordinator().IsActive(settings.FeatureIconSize))
	assert.False(t, second.Coordinator().IsActive(settings.FeatureCopyIDs))
}

func TestSyncedChangesIgnoredWhileLocal(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	_, err := store.SetSyncEnabled(ctx, false, false)
	require.NoError(t, err)

	s, err := New(nil, store, nil)
	require.NoError(t, err)
	_, err = s.Start(ctx)
	require.NoError(t, err)
	defer s.Close(ctx)
	require.True(t, s.Coordinator().IsActive(settings.FeatureCopyIDs))

	store.PublishChanges(storage.AreaSync, map[string]storage.Change{
		settings.FeatureCopyIDs: {Old: true, New: false},
	})
	assert.True(t, s.Coordinator().IsActive(settings.FeatureCopyIDs))

	store.PublishChanges(storage.AreaLocal, map[string]storage.Change{
		settings.FeatureCopyIDs: {Old: true, New: false},
	})
	assert.False(t, s.Coordinator().IsActive(settings.FeatureCopyIDs))
}

func TestOpenWatchesSyncFile(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.SyncPath = filepath.Join(dir, "sync", "settings.json")
	cfg.Storage.LocalPath = filepath.Join(dir, "local.db")
	cfg.Storage.WatchSyncBackend = true

	s, err := Open(cfg, nil)
	require.NoError(t, err)

	_, err = s.Start(ctx)
	require.NoError(t, err)
	require.True(t, s.Coordinator().IsActive(settings.FeatureCopyIDs))

	// Another process sharing the replicated file turns the feature off.
	other, err := storage.NewFileBackend(storage.AreaSync, cfg.Storage.SyncPath)
	require.NoError(t, err)
	// The watcher starts asynchronously, so keep rewriting until it notices.
	assert.Eventually(t, func() bool {
		if !s.Coordinator().IsActive(settings.FeatureCopyIDs) {
			return true
		}
		_ = other.Set(ctx, map[string]any{settings.FeatureCopyIDs: false})
		return false
	}, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, s.Close(ctx))
}

func TestLimits(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.MaxWritesPerMin = 3
	limits := Limits(cfg)
	assert.Equal(t, storage.Limits{
		MaxItemBytes:  config.DefaultMaxItemBytes,
		MaxTotalBytes: config.DefaultMaxTotalBytes,
		MaxWrites:     3,
		Window:        config.DefaultRateWindow,
	}, limits)
}
