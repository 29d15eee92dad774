package builtin

import (
	"context"
	"fmt"
	"sync"

	"github.com/entrhq/lmsenhancer/pkg/enhancement"
	"github.com/entrhq/lmsenhancer/pkg/settings"
	"github.com/entrhq/lmsenhancer/pkg/storage"
	"github.com/entrhq/lmsenhancer/pkg/types"
)

// HeaderLink is one configured header link.
type HeaderLink struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// ChangeSource delivers storage deltas.
type ChangeSource interface {
	OnChanged(l storage.ChangeListener) (unsubscribe func())
}

// MessageSource delivers raw runtime messages.
type MessageSource interface {
	Listen(l enhancement.MessageListener) (unsubscribe func())
}

// HeaderLinksUnit injects configured links into the page header. It is
// self-handling: once initialized it follows its own flag and data keys
// through its own listeners instead of being toggled by the coordinator.
type HeaderLinksUnit struct {
	store    settings.Store
	changes  ChangeSource
	messages MessageSource

	mu      sync.Mutex
	visible bool
	links   []HeaderLink
	unsubs  []func()
}

// NewHeaderLinksUnit creates an uninitialized header links unit.
func NewHeaderLinksUnit(store settings.Store, changes ChangeSource, messages MessageSource) *HeaderLinksUnit {
	return &HeaderLinksUnit{store: store, changes: changes, messages: messages}
}

func flagKey() string { return settings.EnabledKey(settings.FeatureHeaderLinks) }
func dataKey() string { return settings.ConfigKey(settings.FeatureHeaderLinks, settings.SuffixData) }

// Initialize reads the flag and links and starts listening.
func (u *HeaderLinksUnit) Initialize(ctx context.Context) error {
	values, err := u.store.Get(ctx, []string{flagKey(), dataKey()})
	if err != nil {
		return fmt.Errorf("failed to read header links: %w", err)
	}
	links, err := parseLinks(values[dataKey()])
	if err != nil {
		return err
	}

	flag, explicit := values[flagKey()]

	u.mu.Lock()
	u.links = links
	u.visible = !explicit || settings.Truthy(flag)
	u.mu.Unlock()

	var unsubs []func()
	if u.changes != nil {
		unsubs = append(unsubs, u.changes.OnChanged(u.onStorageChange))
	}
	if u.messages != nil {
		unsubs = append(unsubs, u.messages.Listen(u.onMessage))
	}

	u.mu.Lock()
	u.unsubs = unsubs
	u.mu.Unlock()
	return nil
}

// Cleanup stops listening and clears the injected links.
func (u *HeaderLinksUnit) Cleanup(ctx context.Context) error {
	u.mu.Lock()
	unsubs := u.unsubs
	u.unsubs = nil
	u.visible = false
	u.links = nil
	u.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	return nil
}

func (u *HeaderLinksUnit) onStorageChange(area storage.Area, changes map[string]storage.Change) {
	if c, ok := changes[flagKey()]; ok {
		u.setVisible(settings.Truthy(c.New))
	}
	if c, ok := changes[dataKey()]; ok {
		links, err := parseLinks(c.New)
		if err != nil {
			return
		}
		u.setLinks(links)
	}
}

func (u *HeaderLinksUnit) onMessage(ctx context.Context, msg types.Message) (types.Response, bool) {
	if msg.Kind != types.KindSettingChanged || msg.Feature != settings.FeatureHeaderLinks {
		return types.Response{}, false
	}
	if msg.IsToggle() {
		u.setVisible(*msg.Enabled)
		return types.Response{Handled: true, Found: true}, true
	}
	links, err := parseLinks(msg.Value)
	if err != nil {
		return types.Response{Handled: true}, true
	}
	u.setLinks(links)
	return types.Response{Handled: true, Found: true}, true
}

// Visible reports whether links are currently shown.
func (u *HeaderLinksUnit) Visible() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.visible
}

// Links returns the configured links
func (u *HeaderLinksUnit) Links() []HeaderLink {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]HeaderLink(nil), u.links...)
}

func (u *HeaderLinksUnit) setVisible(v bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.visible = v
}

func (u *HeaderLinksUnit) setLinks(links []HeaderLink) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.links = links
}

// parseLinks accepts the decoded-JSON form of the data key: an array of
// {label, url} objects. nil yields no links.
func parseLinks(v any) ([]HeaderLink, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("header links must be an array, got %T", v)
	}

	links := make([]HeaderLink, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("invalid header link at index %d: expected object, got %T", i, item)
		}
		url, ok := obj["url"].(string)
		if !ok || url == "" {
			return nil, fmt.Errorf("invalid header link at index %d: missing url", i)
		}
		label, _ := obj["label"].(string)
		if label == "" {
			label = url
		}
		links = append(links, HeaderLink{Label: label, URL: url})
	}
	return links, nil
}
