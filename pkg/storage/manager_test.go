package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, syncBackend, local Backend, opts ...Option) *Manager {
	t.Helper()
	return NewManager(syncBackend, local, opts...)
}

func TestManager_RoundTrip(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		items map[string]any
	}{
		{"bool", map[string]any{"columnHighlight": true}},
		{"string", map[string]any{"dropdownDefault": "Section 01"}},
		{"number", map[string]any{"iconSize": 24.0}},
		{"array", map[string]any{"customHeaderLinksData": []any{"https://example.edu", "https://lib.example.edu"}}},
		{"object", map[string]any{"envWatermarkConfig": map[string]any{"label": "TEST", "opacity": 0.3}}},
		{"several keys", map[string]any{"a": true, "b": "x", "c": nil}},
	}

	for _, area := range []Area{AreaSync, AreaLocal} {
		for _, tt := range tests {
			t.Run(fmt.Sprintf("%s/%s", area, tt.name), func(t *testing.T) {
				m := newTestManager(t, NewMemoryBackend(AreaSync, true), NewMemoryBackend(AreaLocal, false))

				require.NoError(t, m.Set(ctx, tt.items, WithArea(area)))

				keys := make([]string, 0, len(tt.items))
				for k := range tt.items {
					keys = append(keys, k)
				}
				got, err := m.Get(ctx, keys, WithArea(area))
				require.NoError(t, err)
				if diff := cmp.Diff(tt.items, got); diff != "" {
					t.Errorf("round trip mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestManager_ItemTooLarge(t *testing.T) {
	ctx := context.Background()
	limits := DefaultLimits()
	limits.MaxItemBytes = 8200
	m := newTestManager(t, NewMemoryBackend(AreaSync, true), NewMemoryBackend(AreaLocal, false), WithLimits(limits))

	// 8998 characters plus quotes serializes to 9000 bytes.
	err := m.Set(ctx, map[string]any{"foo": strings.Repeat("b", 8998)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrItemTooLarge))

	got, err := m.Get(ctx, []string{"foo"})
	require.NoError(t, err)
	assert.Empty(t, got)

	// A quota rejection never downgrades the preference.
	assert.True(t, m.Selector().Preference(ctx))
}

func TestManager_QuotaErrorsDoNotWrite(t *testing.T) {
	ctx := context.Background()
	sync := newFaultBackend(AreaSync)
	m := newTestManager(t, sync, NewMemoryBackend(AreaLocal, false))

	err := m.Set(ctx, map[string]any{"ok": true, "huge": strings.Repeat("x", 9000)})
	require.True(t, errors.Is(err, ErrItemTooLarge))
	assert.Equal(t, 0, sync.setCount())
	assert.Equal(t, 0, m.Guard().WritesInWindow())
}

func TestManager_RateLimit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, NewMemoryBackend(AreaSync, true), NewMemoryBackend(AreaLocal, false), WithClock(clock.now))

	for i := 1; i <= 10; i++ {
		require.NoError(t, m.Set(ctx, map[string]any{fmt.Sprintf("k%d", i): i}), "write %d", i)
		clock.advance(time.Second)
	}

	err := m.Set(ctx, map[string]any{"k11": 11})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWriteRateExceeded))

	clock.advance(time.Minute)
	assert.NoError(t, m.Set(ctx, map[string]any{"k12": 12}))

	// Rate limiting never applies to the local backend.
	for i := 0; i < 20; i++ {
		require.NoError(t, m.Set(ctx, map[string]any{"local": i}, WithArea(AreaLocal)))
	}
}

func TestManager_QuotaMonotonicity(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, NewMemoryBackend(AreaSync, true), NewMemoryBackend(AreaLocal, false), WithClock(clock.now))

	// Each entry is 8007 bytes: 12 fit in 100 KB, a 13th does not.
	value := strings.Repeat("v", 8000)
	for i := 0; i < 12; i++ {
		require.NoError(t, m.Set(ctx, map[string]any{fmt.Sprintf("key%02d", i): value}))
		clock.advance(10 * time.Second)
	}
	// Rewriting an existing key does not grow usage.
	require.NoError(t, m.Set(ctx, map[string]any{"key00": value}))
	clock.advance(10 * time.Second)

	err := m.Set(ctx, map[string]any{"key99": value})
	assert.True(t, errors.Is(err, ErrTotalQuotaExceeded))
}

func TestManager_FallbackOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	sync := newFaultBackend(AreaSync)
	sync.setErr = errBackendDown
	local := NewMemoryBackend(AreaLocal, false)
	m := newTestManager(t, sync, local)

	rec := &recorder{}
	m.Subscribe(rec.listen)

	require.NoError(t, m.Set(ctx, map[string]any{"foo": "bar"}))

	got, err := m.Get(ctx, []string{"foo"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"foo": "bar"}, got)
	assert.False(t, m.Selector().Preference(ctx))
	assert.Equal(t, []Reason{ReasonSyncError}, rec.reasons())
	assert.True(t, errors.Is(rec.notes[0].Err, ErrBackendWriteFailed))

	// A failed write is not counted against the rate limit.
	assert.Equal(t, 0, m.Guard().WritesInWindow())

	// Subsequent writes go straight to local.
	require.NoError(t, m.Set(ctx, map[string]any{"foo": "baz"}))
	assert.Equal(t, 1, sync.setCount())
}

func TestManager_FallbackOnRemoveAndClear(t *testing.T) {
	ctx := context.Background()

	t.Run("clear", func(t *testing.T) {
		sync := newFaultBackend(AreaSync)
		sync.clearErr = errBackendDown
		local := NewMemoryBackend(AreaLocal, false)
		require.NoError(t, local.Set(ctx, map[string]any{"a": 1}))
		m := newTestManager(t, sync, local)

		require.NoError(t, m.Clear(ctx))
		assert.False(t, m.Selector().Preference(ctx))

		got, err := local.Get(ctx, []string{"a"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("remove on healthy sync", func(t *testing.T) {
		m := newTestManager(t, NewMemoryBackend(AreaSync, true), NewMemoryBackend(AreaLocal, false))
		require.NoError(t, m.Set(ctx, map[string]any{"a": 1, "b": 2}))
		require.NoError(t, m.Remove(ctx, []string{"a"}))

		got, err := m.Get(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"b": 2.0}, got)
		assert.True(t, m.Selector().Preference(ctx))
	})
}

func TestManager_WriteTimeoutFallsBack(t *testing.T) {
	ctx := context.Background()
	sync := newFaultBackend(AreaSync)
	sync.hangSet = true
	m := newTestManager(t, sync, NewMemoryBackend(AreaLocal, false), WithWriteTimeout(20*time.Millisecond))

	start := time.Now()
	require.NoError(t, m.Set(ctx, map[string]any{"foo": 1}))
	assert.Less(t, time.Since(start), 2*time.Second)

	got, err := m.Get(ctx, []string{"foo"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"foo": 1.0}, got)
	assert.False(t, m.Selector().Preference(ctx))
}

func TestManager_LateSyncWriteIsNotPublished(t *testing.T) {
	ctx := context.Background()
	slow := &slowBackend{MemoryBackend: NewMemoryBackend(AreaSync, true), delay: 100 * time.Millisecond}
	m := newTestManager(t, slow, NewMemoryBackend(AreaLocal, false), WithWriteTimeout(20*time.Millisecond))

	events := &changeLog{}
	m.OnChanged(events.listen)

	require.NoError(t, m.Set(ctx, map[string]any{"copyIds": false}))
	assert.False(t, m.Selector().Preference(ctx))
	assert.Equal(t, []Area{AreaLocal}, events.seen())

	// The abandoned write still lands and is counted, but publishes nothing.
	assert.Eventually(t, func() bool {
		return m.Guard().WritesInWindow() == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := slow.MemoryBackend.Get(ctx, []string{"copyIds"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"copyIds": false}, got)
	assert.Equal(t, []Area{AreaLocal}, events.seen())
	assert.Equal(t, AreaLocal, m.ActiveArea(ctx))
}

func TestManager_PreferenceKeyIsLocalOnly(t *testing.T) {
	ctx := context.Background()
	syncBackend := NewMemoryBackend(AreaSync, true)
	m := newTestManager(t, syncBackend, NewMemoryBackend(AreaLocal, false))

	err := m.Set(ctx, map[string]any{PreferenceKey: false, "copyIds": true})
	assert.ErrorIs(t, err, ErrReservedKey)

	got, err := syncBackend.Get(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got, "a rejected batch writes nothing")
	assert.True(t, m.Selector().Preference(ctx))

	require.NoError(t, m.Set(ctx, map[string]any{PreferenceKey: false}, WithArea(AreaLocal)))
	assert.False(t, m.Selector().Preference(ctx))
}

func TestManager_ProbeFailure(t *testing.T) {
	ctx := context.Background()
	sync := newFaultBackend(AreaSync)
	sync.getErr = errBackendDown
	local := NewMemoryBackend(AreaLocal, false)
	m := newTestManager(t, sync, local)

	rec := &recorder{}
	m.Subscribe(rec.listen)

	// Preference starts true (unset).
	require.True(t, m.Selector().Preference(ctx))

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Set(ctx, map[string]any{"k": i}))
		_, err := m.Get(ctx, []string{"k"})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, sync.getCount(), "probe must run exactly once")
	assert.Equal(t, 0, sync.setCount())
	assert.Equal(t, []Reason{ReasonSyncUnavailable}, rec.reasons())
	assert.True(t, errors.Is(m.Selector().ProbeErr(), ErrBackendUnavailable))

	// Probe failure does not rewrite the stored preference.
	assert.True(t, m.Selector().Preference(ctx))
}

func TestManager_BytesInUse(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryBackend(AreaSync, true), NewMemoryBackend(AreaLocal, false))

	require.NoError(t, m.Set(ctx, map[string]any{"ab": "cd"}))
	n, err := m.BytesInUse(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	require.NoError(t, m.Set(ctx, map[string]any{"ab": "cd"}, WithArea(AreaLocal)))
	n, err = m.BytesInUse(ctx, nil, WithArea(AreaLocal))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "local backend reports zero")
}

func TestManager_ChangeEvents(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryBackend(AreaSync, true), NewMemoryBackend(AreaLocal, false))

	var got []map[string]Change
	unsubscribe := m.OnChanged(func(area Area, changes map[string]Change) {
		assert.Equal(t, AreaSync, area)
		got = append(got, changes)
	})

	require.NoError(t, m.Set(ctx, map[string]any{"feature": true}))
	require.NoError(t, m.Set(ctx, map[string]any{"feature": false}))
	require.NoError(t, m.Remove(ctx, []string{"feature", "missing"}))
	unsubscribe()
	require.NoError(t, m.Set(ctx, map[string]any{"feature": true}))

	want := []map[string]Change{
		{"feature": {New: true}},
		{"feature": {Old: true, New: false}},
		{"feature": {Old: false}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("change events mismatch (-want +got):\n%s", diff)
	}
}

func TestManager_SubscribeUnsubscribe(t *testing.T) {
	ctx := context.Background()
	sync := newFaultBackend(AreaSync)
	sync.setErr = errBackendDown
	m := newTestManager(t, sync, NewMemoryBackend(AreaLocal, false))

	calls := 0
	unsubscribe := m.Subscribe(func(Notification) { calls++ })
	m.Subscribe(func(Notification) { panic("bad listener") })
	unsubscribe()

	require.NoError(t, m.Set(ctx, map[string]any{"a": 1}))
	assert.Equal(t, 0, calls)
}
