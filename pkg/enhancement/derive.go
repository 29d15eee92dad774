package enhancement

import (
	"github.com/entrhq/lmsenhancer/pkg/settings"
)

// DerivedRule turns a feature whose enablement is implied by other settings
// into an explicit flag. It fires only while the flag key is absent, so a
// recorded disable always wins.
type DerivedRule struct {
	Feature string
	Holds   func(values map[string]any) bool
}

// Applies reports whether the rule should enable and persist its feature.
func (r DerivedRule) Applies(values map[string]any) bool {
	if _, explicit := values[settings.EnabledKey(r.Feature)]; explicit {
		return false
	}
	return r.Holds != nil && r.Holds(values)
}

// HeaderLinksRule enables header links when link data has been configured.
func HeaderLinksRule() DerivedRule {
	dataKey := settings.ConfigKey(settings.FeatureHeaderLinks, settings.SuffixData)
	return DerivedRule{
		Feature: settings.FeatureHeaderLinks,
		Holds: func(values map[string]any) bool {
			links, ok := values[dataKey].([]any)
			return ok && len(links) > 0
		},
	}
}

// DefaultDerivedRules returns the built-in derivations.
func DefaultDerivedRules() []DerivedRule {
	return []DerivedRule{HeaderLinksRule()}
}
