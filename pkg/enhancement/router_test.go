package enhancement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/lmsenhancer/pkg/settings"
	"github.com/entrhq/lmsenhancer/pkg/storage"
	"github.com/entrhq/lmsenhancer/pkg/types"
)

func newTestRouter(t *testing.T, p *probe) (*Router, *Coordinator) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(settings.FeatureIconSize, factoryFor(p, nil)))
	require.NoError(t, reg.Register(settings.FeatureCopyIDs, factoryFor(p, nil)))
	require.NoError(t, reg.Register(settings.FeatureHeaderLinks, factoryFor(p, nil)))
	require.NoError(t, reg.Register(settings.FeatureColumnToggle, func() Unit { return &bareUnit{} }))
	coord, _ := newTestCoordinator(t, reg)
	return NewRouter(coord, nil), coord
}

func TestRouteToggle(t *testing.T) {
	ctx := context.Background()
	p := &probe{}
	router, coord := newTestRouter(t, p)

	resp, err := router.Route(ctx, types.NewToggleMessage(settings.FeatureCopyIDs, true))
	require.NoError(t, err)
	assert.True(t, resp.Handled)
	assert.True(t, resp.Found)
	assert.True(t, coord.IsActive(settings.FeatureCopyIDs))

	_, err = router.Route(ctx, types.NewToggleMessage(settings.FeatureCopyIDs, false))
	require.NoError(t, err)
	assert.False(t, coord.IsActive(settings.FeatureCopyIDs))
}

func TestRouteSelfHandlingToggle(t *testing.T) {
	ctx := context.Background()
	p := &probe{}
	router, coord := newTestRouter(t, p)

	var seen []types.Message
	unsubscribe := router.Listen(func(ctx context.Context, msg types.Message) (types.Response, bool) {
		if msg.Feature != settings.FeatureHeaderLinks {
			return types.Response{}, false
		}
		seen = append(seen, msg)
		return types.Response{Handled: true}, true
	})

	resp, err := router.Route(ctx, types.NewToggleMessage(settings.FeatureHeaderLinks, true))
	require.NoError(t, err)
	assert.True(t, resp.Handled, "side channel answered")
	assert.False(t, coord.IsActive(settings.FeatureHeaderLinks), "coordinator never sees it")
	assert.Len(t, seen, 1)

	unsubscribe()
	resp, err = router.Route(ctx, types.NewToggleMessage(settings.FeatureHeaderLinks, false))
	require.NoError(t, err)
	assert.False(t, resp.Handled)
	assert.Len(t, seen, 1)
}

func TestRouteFeatureMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("active instance handles value", func(t *testing.T) {
		p := &probe{}
		router, coord := newTestRouter(t, p)
		require.NoError(t, coord.Enable(ctx, settings.FeatureIconSize))

		resp, err := router.Route(ctx, types.NewValueMessage(settings.FeatureIconSize, 24.0))
		require.NoError(t, err)
		assert.True(t, resp.Handled)
		assert.Equal(t, 24.0, resp.Value)
		assert.Equal(t, int32(1), p.messages.Load())
	})

	t.Run("inactive feature is a no-op", func(t *testing.T) {
		p := &probe{}
		router, _ := newTestRouter(t, p)

		resp, err := router.Route(ctx, types.NewValueMessage(settings.FeatureIconSize, 24.0))
		require.NoError(t, err)
		assert.False(t, resp.Handled)
		assert.Equal(t, int32(0), p.messages.Load())
	})

	t.Run("query on inactive feature uses throwaway instance", func(t *testing.T) {
		p := &probe{}
		router, coord := newTestRouter(t, p)

		resp, err := router.Route(ctx, types.NewQueryMessage(settings.FeatureCopyIDs))
		require.NoError(t, err)
		assert.True(t, resp.Found)
		assert.Equal(t, int32(0), p.inits.Load(), "throwaway instance is not initialized")
		assert.False(t, coord.IsActive(settings.FeatureCopyIDs))
	})

	t.Run("unit without handler", func(t *testing.T) {
		p := &probe{}
		router, coord := newTestRouter(t, p)
		require.NoError(t, coord.Enable(ctx, settings.FeatureColumnToggle))

		resp, err := router.Route(ctx, types.NewQueryMessage(settings.FeatureColumnToggle))
		require.NoError(t, err)
		assert.False(t, resp.Handled)
	})
}

func TestRouteValueSetting(t *testing.T) {
	ctx := context.Background()
	p := &probe{}
	router, coord := newTestRouter(t, p)
	require.NoError(t, coord.Enable(ctx, settings.FeatureIconSize))

	resp, err := router.Route(ctx, types.Message{
		Kind:    types.KindSettingChanged,
		Feature: settings.FeatureIconSize,
		Value:   20.0,
	})
	require.NoError(t, err)
	assert.True(t, resp.Handled)
	assert.Equal(t, 20.0, p.setting(settings.FeatureIconSize))
}

func TestHandleStorageChange(t *testing.T) {
	ctx := context.Background()
	p := &probe{}
	router, coord := newTestRouter(t, p)
	require.NoError(t, coord.Enable(ctx, settings.FeatureIconSize))

	valueKey := settings.ConfigKey(settings.FeatureIconSize, settings.SuffixValue)
	err := router.HandleStorageChange(ctx, storage.AreaSync, map[string]storage.Change{
		settings.FeatureCopyIDs:     {New: true},
		settings.FeatureHeaderLinks: {New: true},
		"customHeaderLinksData":     {New: []any{"x"}},
		valueKey:                    {Old: 16.0, New: 32.0},
		storage.PreferenceKey:       {New: false},
		"unrelatedKey":              {New: 1.0},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{settings.FeatureCopyIDs, settings.FeatureIconSize}, coord.Active())
	assert.Equal(t, 32.0, p.setting(valueKey))
	assert.Nil(t, p.setting("customHeaderLinksData"))

	err = router.HandleStorageChange(ctx, storage.AreaSync, map[string]storage.Change{
		settings.FeatureCopyIDs: {Old: true},
	})
	require.NoError(t, err)
	assert.False(t, coord.IsActive(settings.FeatureCopyIDs), "removed flag disables")
}
