package enhancement

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/entrhq/lmsenhancer/pkg/logging"
	"github.com/entrhq/lmsenhancer/pkg/settings"
	"github.com/entrhq/lmsenhancer/pkg/storage"
	"github.com/entrhq/lmsenhancer/pkg/types"
)

// MessageListener is a side channel for self-handling units. It sees every
// inbound message before generic routing and reports whether it handled it.
type MessageListener func(ctx context.Context, msg types.Message) (types.Response, bool)

// Router dispatches runtime messages and storage deltas.
type Router struct {
	coord *Coordinator
	log   *logging.Logger

	mu        sync.Mutex
	next      int
	listeners map[int]MessageListener
}

// NewRouter creates a router in front of coord.
func NewRouter(coord *Coordinator, log *logging.Logger) *Router {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Router{
		coord:     coord,
		log:       log,
		listeners: make(map[int]MessageListener),
	}
}

// Listen registers a side-channel listener.
func (r *Router) Listen(l MessageListener) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.listeners[id] = l
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Router) offer(ctx context.Context, msg types.Message) (types.Response, bool) {
	r.mu.Lock()
	ids := lo.Keys(r.listeners)
	slices.Sort(ids)
	listeners := make([]MessageListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, r.listeners[id])
	}
	r.mu.Unlock()

	var (
		resp    types.Response
		handled bool
	)
	for _, l := range listeners {
		out, ok := l(ctx, msg)
		if ok && !handled {
			resp, handled = out, true
		}
	}
	return resp, handled
}

// Route handles one inbound message.
//
// Toggles go to the coordinator, which persists them. For a self-handling
// feature only the write happens and side-channel listeners do the rest.
// Value-only setting messages go to the active instance's SettingsReceiver.
// Every other kind is forwarded to the active instance; a QUERY_STATE for an inactive feature is answered by a
// throwaway instance that is never initialized or kept.
func (r *Router) Route(ctx context.Context, msg types.Message) (types.Response, error) {
	sideResp, sideHandled := r.offer(ctx, msg)

	if msg.Kind == types.KindSettingChanged {
		if r.coord.Exclusions().Match(msg.Feature) {
			if msg.IsToggle() {
				if err := r.coord.ApplySettingChange(ctx, msg.Feature, *msg.Enabled); err != nil {
					return types.Response{}, err
				}
			}
			r.log.Debugf("Left %s for self-handling feature %s to its unit", msg.Kind, msg.Feature)
			return sideResp, nil
		}
		if msg.IsToggle() {
			if err := r.coord.ApplySettingChange(ctx, msg.Feature, *msg.Enabled); err != nil {
				return types.Response{}, err
			}
			return types.Response{Handled: true, Found: r.coord.IsActive(msg.Feature)}, nil
		}
		return r.applyValue(ctx, msg.Feature, msg.Feature, msg.Value)
	}

	if unit, ok := r.coord.Instance(msg.Feature); ok {
		if h, ok := unit.(MessageHandler); ok {
			return h.HandleMessage(ctx, msg)
		}
	}

	if msg.Kind == types.KindQueryState {
		if factory, ok := r.coord.Registry().Lookup(msg.Feature); ok {
			if h, ok := factory().(MessageHandler); ok {
				return h.HandleMessage(ctx, msg)
			}
		}
	}

	if sideHandled {
		return sideResp, nil
	}
	r.log.Debugf("No handler for %s on %s", msg.Kind, msg.Feature)
	return types.Response{}, nil
}

func (r *Router) applyValue(ctx context.Context, feature, key string, value any) (types.Response, error) {
	unit, ok := r.coord.Instance(feature)
	if !ok {
		return types.Response{}, nil
	}
	recv, ok := unit.(SettingsReceiver)
	if !ok {
		return types.Response{}, nil
	}
	if err := recv.ApplySetting(ctx, key, value); err != nil {
		return types.Response{}, fmt.Errorf("failed to apply %s to %s: %w", key, feature, err)
	}
	return types.Response{Handled: true, Found: true}, nil
}

// HandleStorageChange applies a storage delta. Flag keys of registered
// features toggle them through the coordinator without writing back; composite configuration keys
// reach the active instance's SettingsReceiver. Self-handling features and
// the backend preference are skipped. Keys are processed in sorted order.
func (r *Router) HandleStorageChange(ctx context.Context, area storage.Area, changes map[string]storage.Change) error {
	features := r.coord.Registry().Names()
	keys := lo.Keys(changes)
	slices.Sort(keys)

	var errs []error
	for _, key := range keys {
		if key == storage.PreferenceKey {
			continue
		}
		change := changes[key]

		if slices.Contains(features, key) {
			if err := r.coord.applyStoredFlag(ctx, key, settings.Truthy(change.New)); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		feature, _, ok := settings.SplitConfigKey(key, features)
		if !ok || r.coord.Exclusions().Match(feature) {
			continue
		}
		if _, err := r.applyValue(ctx, feature, key, change.New); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		r.log.Warnf("Storage change from %s partially failed: %v", area, err)
		return err
	}
	return nil
}
