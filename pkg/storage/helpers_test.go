package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errBackendDown = errors.New("backend down")

// faultBackend wraps a MemoryBackend and injects failures per operation.
type faultBackend struct {
	*MemoryBackend

	mu       sync.Mutex
	getErr   error
	setErr   error
	clearErr error
	hangSet  bool
	gets     int
	sets     int
}

func newFaultBackend(area Area) *faultBackend {
	return &faultBackend{MemoryBackend: NewMemoryBackend(area, true)}
}

func (f *faultBackend) Get(ctx context.Context, keys []string) (map[string]any, error) {
	f.mu.Lock()
	f.gets++
	err := f.getErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryBackend.Get(ctx, keys)
}

func (f *faultBackend) Set(ctx context.Context, items map[string]any) error {
	f.mu.Lock()
	f.sets++
	err, hang := f.setErr, f.hangSet
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	return f.MemoryBackend.Set(ctx, items)
}

func (f *faultBackend) Clear(ctx context.Context) error {
	f.mu.Lock()
	err := f.clearErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryBackend.Clear(ctx)
}

func (f *faultBackend) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *faultBackend) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recorder collects notifications.
type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) listen(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) reasons() []Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Reason, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Reason
	}
	return out
}

// slowBackend finishes every Set after delay, ignoring the caller's context.
type slowBackend struct {
	*MemoryBackend
	delay time.Duration
}

func (s *slowBackend) Set(ctx context.Context, items map[string]any) error {
	time.Sleep(s.delay)
	return s.MemoryBackend.Set(context.Background(), items)
}

// changeLog collects the areas of published change events.
type changeLog struct {
	mu    sync.Mutex
	areas []Area
}

func (c *changeLog) listen(area Area, changes map[string]Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.areas = append(c.areas, area)
}

func (c *changeLog) seen() []Area {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Area(nil), c.areas...)
}
