package builtin

import (
	"github.com/entrhq/lmsenhancer/pkg/enhancement"
	"github.com/entrhq/lmsenhancer/pkg/settings"
)

// Deps are the collaborators the built-in units may use.
type Deps struct {
	Store    settings.Store
	Changes  ChangeSource
	Messages MessageSource
}

// Register adds every built-in unit to reg.
func Register(reg *enhancement.Registry, deps Deps) error {
	factories := map[string]enhancement.Factory{
		settings.FeatureCopyIDs:     func() enhancement.Unit { return NewCopyUnit() },
		settings.FeatureIconSize:    func() enhancement.Unit { return NewIconSizeUnit(deps.Store) },
		settings.FeatureHeaderLinks: func() enhancement.Unit { return NewHeaderLinksUnit(deps.Store, deps.Changes, deps.Messages) },
	}
	for name, f := range factories {
		if err := reg.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}
