package builtin

import (
	"context"
	"fmt"
	"sync"

	"github.com/entrhq/lmsenhancer/pkg/settings"
	"github.com/entrhq/lmsenhancer/pkg/types"
)

const (
	MinIconSize     = 8.0
	MaxIconSize     = 64.0
	DefaultIconSize = 16.0
)

// IconSizeUnit holds the icon size applied to the page.
type IconSizeUnit struct {
	store settings.Store

	mu   sync.Mutex
	size float64
}

// NewIconSizeUnit creates a unit reading its initial size from store.
func NewIconSizeUnit(store settings.Store) *IconSizeUnit {
	return &IconSizeUnit{store: store, size: DefaultIconSize}
}

func valueKey() string {
	return settings.ConfigKey(settings.FeatureIconSize, settings.SuffixValue)
}

// Initialize loads the stored size. A missing or invalid value keeps the default.
func (u *IconSizeUnit) Initialize(ctx context.Context) error {
	values, err := u.store.Get(ctx, []string{valueKey()})
	if err != nil {
		return fmt.Errorf("failed to read icon size: %w", err)
	}
	if v, ok := values[valueKey()]; ok {
		if size, err := parseSize(v); err == nil {
			u.setSize(size)
		}
	}
	return nil
}

// ApplySetting takes a new size from a storage change.
func (u *IconSizeUnit) ApplySetting(ctx context.Context, key string, value any) error {
	if key != valueKey() && key != settings.FeatureIconSize {
		return nil
	}
	size, err := parseSize(value)
	if err != nil {
		return err
	}
	u.setSize(size)
	return nil
}

// HandleMessage applies APPLY_VALUE sizes and answers QUERY_STATE with the
// current size.
func (u *IconSizeUnit) HandleMessage(ctx context.Context, msg types.Message) (types.Response, error) {
	switch msg.Kind {
	case types.KindApplyValue:
		size, err := parseSize(msg.Value)
		if err != nil {
			return types.Response{}, err
		}
		u.setSize(size)
		return types.Response{Handled: true, Found: true, Value: size}, nil
	case types.KindQueryState:
		return types.Response{Handled: true, Found: true, Value: u.Size()}, nil
	}
	return types.Response{}, nil
}

// Size returns the current size
func (u *IconSizeUnit) Size() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.size
}

func (u *IconSizeUnit) setSize(size float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.size = size
}

func parseSize(v any) (float64, error) {
	var size float64
	switch n := v.(type) {
	case float64:
		size = n
	case int:
		size = float64(n)
	default:
		return 0, fmt.Errorf("icon size must be a number, got %T", v)
	}
	if size < MinIconSize || size > MaxIconSize {
		return 0, fmt.Errorf("icon size %.0f outside [%.0f, %.0f]", size, MinIconSize, MaxIconSize)
	}
	return size, nil
}
