package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reports changes that other processes make to the backing file.
// It blocks until ctx is done. fn receives only keys whose encoded value
// differs from this process's last view of the file.
func (f *FileBackend) Watch(ctx context.Context, fn func(area Area, changes map[string]Change)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Writes replace the file by rename, so watch the directory.
	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	name := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if changes := f.refresh(); len(changes) > 0 {
				fn(f.area, changes)
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}

// refresh reloads the file and returns the difference from the snapshot.
func (f *FileBackend) refresh() map[string]Change {
	f.mu.Lock()
	defer f.mu.Unlock()

	items, err := f.load()
	if err != nil {
		// Partially written or unreadable; the next event will retry.
		return nil
	}
	changes := snapshotDiff(f.snapshot, items)
	f.snapshot = items
	return changes
}

func snapshotDiff(before, after map[string]json.RawMessage) map[string]Change {
	changes := make(map[string]Change)
	for key, raw := range after {
		prev, existed := before[key]
		if existed && bytes.Equal(prev, raw) {
			continue
		}
		c := Change{}
		if existed {
			c.Old, _ = decodeValue(prev)
		}
		c.New, _ = decodeValue(raw)
		changes[key] = c
	}
	for key, raw := range before {
		if _, ok := after[key]; ok {
			continue
		}
		old, _ := decodeValue(raw)
		changes[key] = Change{Old: old}
	}
	return changes
}
