package enhancement

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/entrhq/lmsenhancer/pkg/settings"
)

const (
	// MatchTypePrefix matches names starting with the pattern
	MatchTypePrefix = "prefix"
	// MatchTypeExact matches the pattern only
	MatchTypeExact = "exact"
	// MatchTypeGlob compiles the pattern as a glob
	MatchTypeGlob = "glob"
)

// SelfHandlingRule names features that keep their own listeners and must not
// be driven by the generic toggle path.
type SelfHandlingRule struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	Description string `json:"description" yaml:"description"`
	Type        string `json:"type" yaml:"type"`
}

// DefaultSelfHandling is the built-in exclusion table.
func DefaultSelfHandling() []SelfHandlingRule {
	return []SelfHandlingRule{
		{
			Pattern:     settings.FeatureHeaderLinks,
			Description: "Header links watch their own flag and data keys",
			Type:        MatchTypePrefix,
		},
		{
			Pattern:     settings.FeatureDropdownDefaults,
			Description: "Dropdown defaults apply on their own page events",
			Type:        MatchTypePrefix,
		},
		{
			Pattern:     settings.FeatureCheckboxDefaults,
			Description: "Checkbox defaults apply on their own page events",
			Type:        MatchTypePrefix,
		},
		{
			Pattern:     settings.FeatureEnvWatermark,
			Description: "Environment watermark listens for its own toggle",
			Type:        MatchTypeExact,
		},
	}
}

// ExclusionTable answers whether a feature name is self-handling.
type ExclusionTable struct {
	rules    []SelfHandlingRule
	matchers []glob.Glob
}

// NewExclusionTable compiles rules plus extra glob patterns.
func NewExclusionTable(rules []SelfHandlingRule, extra ...string) (*ExclusionTable, error) {
	t := &ExclusionTable{}
	for _, pattern := range extra {
		rules = append(rules, SelfHandlingRule{Pattern: pattern, Type: MatchTypeGlob})
	}

	for _, rule := range rules {
		var expr string
		switch rule.Type {
		case MatchTypePrefix:
			expr = glob.QuoteMeta(rule.Pattern) + "*"
		case MatchTypeExact:
			expr = glob.QuoteMeta(rule.Pattern)
		case MatchTypeGlob:
			expr = rule.Pattern
		default:
			return nil, fmt.Errorf("invalid match type %q for pattern %q", rule.Type, rule.Pattern)
		}

		g, err := glob.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid self-handling pattern '%s': %w", rule.Pattern, err)
		}
		t.rules = append(t.rules, rule)
		t.matchers = append(t.matchers, g)
	}
	return t, nil
}

// Match reports whether name is self-handling. A nil table matches nothing.
func (t *ExclusionTable) Match(name string) bool {
	if t == nil {
		return false
	}
	for _, m := range t.matchers {
		if m.Match(name) {
			return true
		}
	}
	return false
}

// Rules returns a copy of the compiled rules.
func (t *ExclusionTable) Rules() []SelfHandlingRule {
	if t == nil {
		return nil
	}
	return append([]SelfHandlingRule(nil), t.rules...)
}
