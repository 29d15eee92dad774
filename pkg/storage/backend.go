// Package storage is the settings store behind every page session.
//
// Two equivalent key-value backends exist: a durable-synced one with tight
// quotas and a rate limit, and a larger local-only one. The Manager picks one
// per call, guards synced writes with the quota Guard, and falls back to the
// local backend when the synced one fails.
package storage

import (
	"context"
	"errors"
)

// Area names a backend role.
type Area string

const (
	// AreaSync is the quota-limited, replicated backend.
	AreaSync Area = "sync"
	// AreaLocal is the single-device backend.
	AreaLocal Area = "local"
)

// Backend is a flat key-value store of JSON values.
//
// Get with nil keys returns every entry. Values come back in their decoded
// JSON form. Missing keys are omitted from the result rather than reported.
type Backend interface {
	Area() Area
	Get(ctx context.Context, keys []string) (map[string]any, error)
	Set(ctx context.Context, items map[string]any) error
	Remove(ctx context.Context, keys []string) error
	Clear(ctx context.Context) error
}

// ByteCounter is implemented by backends that account for their usage.
// Usage is the sum over entries of len(key) plus the JSON size of the value.
type ByteCounter interface {
	BytesInUse(ctx context.Context, keys []string) (int, error)
}

// Change is one key's transition. A nil New means the key was removed.
type Change struct {
	Old any `json:"oldValue,omitempty"`
	New any `json:"newValue,omitempty"`
}

// bytesInUse returns 0 for backends without byte accounting.
func bytesInUse(ctx context.Context, b Backend, keys []string) (int, error) {
	counter, ok := b.(ByteCounter)
	if !ok {
		return 0, nil
	}
	n, err := counter.BytesInUse(ctx, keys)
	if errors.Is(err, ErrBytesUnsupported) {
		return 0, nil
	}
	return n, err
}

// diffChanges builds change records for items written over old.
func diffChanges(old, items map[string]any) map[string]Change {
	changes := make(map[string]Change, len(items))
	for key, value := range items {
		changes[key] = Change{Old: old[key], New: value}
	}
	return changes
}

// removalChanges builds change records for keys that existed and were removed.
func removalChanges(old map[string]any) map[string]Change {
	changes := make(map[string]Change, len(old))
	for key, value := range old {
		changes[key] = Change{Old: value}
	}
	return changes
}
