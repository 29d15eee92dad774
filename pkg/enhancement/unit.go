// Package enhancement owns the per-page lifecycle of enhancement units.
//
// A Registry maps feature names to unit factories. The Coordinator keeps the
// active set consistent with persisted settings, guaranteeing at most one
// live instance per feature. The Router classifies inbound messages and
// storage deltas, handing them to the Coordinator unless the feature is
// self-handling.
package enhancement

import (
	"context"

	"github.com/entrhq/lmsenhancer/pkg/types"
)

// Unit is a page enhancement. Initialize is called once per instance and may
// fail; a failed instance is discarded.
type Unit interface {
	Initialize(ctx context.Context) error
}

// Cleaner is implemented by units that hold resources. Cleanup must tolerate
// being called on an instance whose Initialize never completed.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// MessageHandler is implemented by units that answer feature-specific
// messages such as value updates and state queries.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg types.Message) (types.Response, error)
}

// SettingsReceiver is implemented by units whose configuration can change
// while they are active. key is the full composite key that changed.
type SettingsReceiver interface {
	ApplySetting(ctx context.Context, key string, value any) error
}

// Factory constructs a fresh, uninitialized unit.
type Factory func() Unit
