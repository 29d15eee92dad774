package enhancement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/entrhq/lmsenhancer/pkg/storage"
	"github.com/entrhq/lmsenhancer/pkg/types"
)

// probe counts lifecycle calls across every instance a factory builds.
type probe struct {
	inits    atomic.Int32
	cleanups atomic.Int32
	messages atomic.Int32

	mu      sync.Mutex
	applied map[string]any
}

func (p *probe) setting(key string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied[key]
}

// recordingUnit is a configurable Unit that also implements every optional
// capability.
type recordingUnit struct {
	p          *probe
	initErr    error
	cleanupErr error
	panicInit  bool
	started    chan struct{}
	release    chan struct{}
}

func (u *recordingUnit) Initialize(ctx context.Context) error {
	u.p.inits.Add(1)
	if u.started != nil {
		close(u.started)
	}
	if u.release != nil {
		select {
		case <-u.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if u.panicInit {
		panic("boom")
	}
	return u.initErr
}

func (u *recordingUnit) Cleanup(ctx context.Context) error {
	u.p.cleanups.Add(1)
	return u.cleanupErr
}

func (u *recordingUnit) HandleMessage(ctx context.Context, msg types.Message) (types.Response, error) {
	u.p.messages.Add(1)
	return types.Response{Handled: true, Found: true, Value: msg.Value}, nil
}

func (u *recordingUnit) ApplySetting(ctx context.Context, key string, value any) error {
	u.p.mu.Lock()
	defer u.p.mu.Unlock()
	if u.p.applied == nil {
		u.p.applied = make(map[string]any)
	}
	u.p.applied[key] = value
	return nil
}

// bareUnit has no optional capabilities.
type bareUnit struct{ inits *atomic.Int32 }

func (u *bareUnit) Initialize(ctx context.Context) error {
	if u.inits != nil {
		u.inits.Add(1)
	}
	return nil
}

func factoryFor(p *probe, configure func(u *recordingUnit)) Factory {
	return func() Unit {
		u := &recordingUnit{p: p}
		if configure != nil {
			configure(u)
		}
		return u
	}
}

func newStore() *storage.Manager {
	return storage.NewManager(
		storage.NewMemoryBackend(storage.AreaSync, true),
		storage.NewMemoryBackend(storage.AreaLocal, false),
	)
}

func newTestCoordinator(t *testing.T, reg *Registry, opts ...Option) (*Coordinator, *storage.Manager) {
	t.Helper()
	table, err := NewExclusionTable(DefaultSelfHandling())
	require.NoError(t, err)
	store := newStore()
	return NewCoordinator(reg, store, table, opts...), store
}

var errInit = errors.New("init failed")
