// Package relay fans popup messages out to every live page session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/lmsenhancer/pkg/logging"
	"github.com/entrhq/lmsenhancer/pkg/types"
)

// ErrUnknownSession is returned by Send for an unregistered session id.
var ErrUnknownSession = errors.New("unknown session")

// Endpoint is a page session that accepts runtime messages.
type Endpoint interface {
	HandleMessage(ctx context.Context, msg types.Message) (types.Response, error)
}

// DefaultDeliveryTimeout bounds one delivery during Broadcast.
const DefaultDeliveryTimeout = 5 * time.Second

// Hub tracks page sessions by id.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]Endpoint

	timeout time.Duration
	limit   int
	log     *logging.Logger
}

// NewHub creates an empty hub. A non-positive limit means unbounded
// concurrent deliveries.
func NewHub(log *logging.Logger, limit int) *Hub {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Hub{
		sessions: make(map[string]Endpoint),
		timeout:  DefaultDeliveryTimeout,
		limit:    limit,
		log:      log,
	}
}

// SetDeliveryTimeout changes the per-delivery bound used by Broadcast.
func (h *Hub) SetDeliveryTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = d
}

// Register adds a session and returns its id.
func (h *Hub) Register(ep Endpoint) string {
	id := uuid.New().String()

	h.mu.Lock()
	h.sessions[id] = ep
	h.mu.Unlock()

	h.log.Debugf("Registered session %s", id)
	return id
}

// Unregister removes a session. It reports whether the id was known.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[id]; !ok {
		return false
	}
	delete(h.sessions, id)
	return true
}

// Sessions returns the registered session ids in sorted order.
func (h *Hub) Sessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := lo.Keys(h.sessions)
	slices.Sort(ids)
	return ids
}

// Send delivers msg to one session.
func (h *Hub) Send(ctx context.Context, id string, msg types.Message) (types.Response, error) {
	h.mu.RLock()
	ep, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		return types.Response{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return ep.HandleMessage(ctx, msg)
}

// Broadcast delivers msg to every session concurrently. One session's
// failure never stops delivery to the others; failures are joined into the
// returned error and the successful responses are returned by session id.
func (h *Hub) Broadcast(ctx context.Context, msg types.Message) (map[string]types.Response, error) {
	h.mu.RLock()
	targets := make(map[string]Endpoint, len(h.sessions))
	for id, ep := range h.sessions {
		targets[id] = ep
	}
	timeout := h.timeout
	h.mu.RUnlock()

	var (
		mu        sync.Mutex
		responses = make(map[string]types.Response, len(targets))
		errs      []error
	)

	eg, egCtx := errgroup.WithContext(ctx)
	if h.limit > 0 {
		eg.SetLimit(h.limit)
	}
	for id, ep := range targets {
		eg.Go(func() error {
			resp, err := deliver(egCtx, timeout, ep, msg)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", id, err))
				return nil
			}
			responses[id] = resp
			return nil
		})
	}
	_ = eg.Wait()

	if err := errors.Join(errs...); err != nil {
		h.log.Warnf("Broadcast of %s reached %d/%d sessions: %v", msg.Kind, len(responses), len(targets), err)
		return responses, err
	}
	return responses, nil
}

func deliver(ctx context.Context, timeout time.Duration, ep Endpoint, msg types.Message) (types.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		resp types.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := ep.HandleMessage(ctx, msg)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return types.Response{}, ctx.Err()
	}
}
