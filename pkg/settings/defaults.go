package settings

import (
	"context"
	"fmt"
	"maps"

	"github.com/entrhq/lmsenhancer/pkg/storage"
)

// Store is the subset of the storage manager that settings helpers need.
type Store interface {
	Get(ctx context.Context, keys []string, opts ...storage.CallOption) (map[string]any, error)
	Set(ctx context.Context, items map[string]any, opts ...storage.CallOption) error
	Clear(ctx context.Context, opts ...storage.CallOption) error
}

// Defaults returns a fresh copy of the factory settings. Features with
// implied enablement (header links) have no flag here on purpose.
func Defaults() map[string]any {
	return map[string]any{
		EnabledKey(FeatureColumnToggle):         true,
		EnabledKey(FeatureCellHighlight):        true,
		EnabledKey(FeatureHeaderIcons):          false,
		EnabledKey(FeatureDropdownDefaults):     true,
		EnabledKey(FeatureCheckboxDefaults):     true,
		EnabledKey(FeatureCopyIDs):              true,
		EnabledKey(FeatureIconSize):             false,
		ConfigKey(FeatureIconSize, SuffixValue): 16.0,
		EnabledKey(FeatureEnvWatermark):         false,
	}
}

// Load reads every setting with defaults filled in for missing keys.
func Load(ctx context.Context, s Store) (map[string]any, error) {
	stored, err := s.Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	merged := Defaults()
	maps.Copy(merged, stored)
	return merged, nil
}

// Reset clears the active store and writes the defaults in one Set.
func Reset(ctx context.Context, s Store) error {
	if err := s.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear settings: %w", err)
	}
	if err := s.Set(ctx, Defaults()); err != nil {
		return fmt.Errorf("failed to write defaults: %w", err)
	}
	return nil
}
