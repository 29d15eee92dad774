// Package settings names the persisted feature keys and their defaults.
//
// A feature's on/off flag and its configuration live under separate keys
// so toggling a feature off never clobbers what it was configured with.
package settings

import "strings"

// Feature names. Each is both a setting key and, where a unit exists, a
// registry entry.
const (
	FeatureColumnToggle     = "columnToggle"
	FeatureCellHighlight    = "cellHighlight"
	FeatureHeaderLinks      = "customHeaderLinks"
	FeatureHeaderIcons      = "headerIcons"
	FeatureDropdownDefaults = "dropdownDefaults"
	FeatureCheckboxDefaults = "checkboxDefaults"
	FeatureCopyIDs          = "copyIds"
	FeatureIconSize         = "iconSize"
	FeatureEnvWatermark     = "environmentWatermark"
)

// Key suffixes for values stored alongside a feature's flag.
const (
	SuffixData   = "Data"
	SuffixConfig = "Config"
	SuffixValue  = "Value"
)

// EnabledKey is the key of a feature's on/off flag.
func EnabledKey(feature string) string {
	return feature
}

// ConfigKey is the key of a feature's configuration blob.
func ConfigKey(feature, suffix string) string {
	return feature + suffix
}

// SplitConfigKey returns the feature a composite key belongs to, choosing the
// longest matching name from features. ok is false for flag keys and for keys
// that belong to no known feature.
func SplitConfigKey(key string, features []string) (feature, suffix string, ok bool) {
	for _, f := range features {
		if len(f) >= len(key) || !strings.HasPrefix(key, f) {
			continue
		}
		if len(f) > len(feature) {
			feature = f
		}
	}
	if feature == "" {
		return "", "", false
	}
	return feature, strings.TrimPrefix(key, feature), true
}

// Truthy reports whether a stored value turns a feature on. Empty strings,
// zero, false and null are off; everything else is on.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return true
	}
}
