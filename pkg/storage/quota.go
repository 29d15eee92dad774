package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Limits are the synced-backend ceilings.
type Limits struct {
	MaxItemBytes  int
	MaxTotalBytes int
	MaxWrites     int
	Window        time.Duration
}

// DefaultLimits mirrors the browser sync-storage quotas: 8 KB per item,
// 100 KB total, 10 writes per minute.
func DefaultLimits() Limits {
	return Limits{
		MaxItemBytes:  8192,
		MaxTotalBytes: 102400,
		MaxWrites:     10,
		Window:        time.Minute,
	}
}

// Guard enforces Limits for writes to the synced backend. The write history
// lives only in memory and resets with the process.
type Guard struct {
	limits Limits
	now    func() time.Time

	mu      sync.Mutex
	history []time.Time
}

// NewGuard creates a guard. A nil clock uses time.Now.
func NewGuard(limits Limits, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{limits: limits, now: now}
}

// Limits returns the configured ceilings.
func (g *Guard) Limits() Limits { return g.limits }

// CheckItemQuota rejects a value whose JSON size exceeds MaxItemBytes.
func (g *Guard) CheckItemQuota(key string, value any) error {
	size, err := EstimateSize(value)
	if err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	if size > g.limits.MaxItemBytes {
		return &QuotaError{Kind: QuotaItemTooLarge, Key: key, Size: size, Limit: g.limits.MaxItemBytes}
	}
	return nil
}

// CheckTotalQuota rejects items whose net growth would push b past
// MaxTotalBytes. Keys that already exist count only their size difference.
// A non-QuotaError return means b itself failed.
func (g *Guard) CheckTotalQuota(ctx context.Context, b Backend, items map[string]any) error {
	current, err := bytesInUse(ctx, b, nil)
	if err != nil {
		return fmt.Errorf("failed to read bytes in use: %w", err)
	}
	existing, err := b.Get(ctx, lo.Keys(items))
	if err != nil {
		return fmt.Errorf("failed to read existing values: %w", err)
	}

	delta := 0
	for key, value := range items {
		size, err := entrySize(key, value)
		if err != nil {
			return err
		}
		if old, ok := existing[key]; ok {
			oldSize, err := entrySize(key, old)
			if err != nil {
				return err
			}
			size -= oldSize
		}
		delta += size
	}

	if current+delta > g.limits.MaxTotalBytes {
		return &QuotaError{Kind: QuotaTotalExceeded, Size: current + delta, Limit: g.limits.MaxTotalBytes}
	}
	return nil
}

// CheckBatchQuota checks items as the full contents of an empty backend.
// Migration uses it because the destination is cleared before the write.
func (g *Guard) CheckBatchQuota(items map[string]any) error {
	total := 0
	for key, value := range items {
		if err := g.CheckItemQuota(key, value); err != nil {
			return err
		}
		size, err := entrySize(key, value)
		if err != nil {
			return err
		}
		total += size
	}
	if total > g.limits.MaxTotalBytes {
		return &QuotaError{Kind: QuotaTotalExceeded, Size: total, Limit: g.limits.MaxTotalBytes}
	}
	return nil
}

// CheckWriteRate prunes history to the trailing window and rejects when the
// window already holds MaxWrites entries. It runs before the write.
func (g *Guard) CheckWriteRate() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLocked()
	if len(g.history) >= g.limits.MaxWrites {
		return &QuotaError{Kind: QuotaWriteRate, Size: len(g.history), Limit: g.limits.MaxWrites}
	}
	return nil
}

// RecordWrite appends the current time. Call only after a synced write succeeded.
func (g *Guard) RecordWrite() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = append(g.history, g.now())
}

// WritesInWindow returns the pruned history length.
func (g *Guard) WritesInWindow() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()
	return len(g.history)
}

func (g *Guard) pruneLocked() {
	cutoff := g.now().Add(-g.limits.Window)
	keep := 0
	for _, ts := range g.history {
		if ts.After(cutoff) {
			g.history[keep] = ts
			keep++
		}
	}
	g.history = g.history[:keep]
}
