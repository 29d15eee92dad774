package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/lo"
)

const fileFormatVersion = "1.0"

// fileDocument is the on-disk layout of a FileBackend.
type fileDocument struct {
	Version string                     `json:"version"`
	Items   map[string]json.RawMessage `json:"items"`
}

// FileBackend stores entries in a single JSON file. Every operation re-reads
// the file so concurrent processes sharing it see last-writer-wins state.
// Writes go through a temp file and an atomic rename.
type FileBackend struct {
	area Area
	path string

	mu sync.Mutex
	// snapshot is the last state this process read or wrote; Watch diffs
	// against it to report changes made by other processes.
	snapshot map[string]json.RawMessage
}

// NewFileBackend opens (or prepares to create) the JSON file at path.
func NewFileBackend(area Area, path string) (*FileBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("file backend requires a path")
	}

	f := &FileBackend{area: area, path: path}
	items, err := f.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load store from %s: %w", path, err)
	}
	f.snapshot = items
	return f, nil
}

// Area returns the backend role.
func (f *FileBackend) Area() Area { return f.area }

// Path returns the file path of the store.
func (f *FileBackend) Path() string { return f.path }

func (f *FileBackend) load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]json.RawMessage), nil
		}
		return nil, fmt.Errorf("failed to open store file: %w", err)
	}
	if len(data) == 0 {
		return make(map[string]json.RawMessage), nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode store file: %w", err)
	}
	items := make(map[string]json.RawMessage, len(doc.Items))
	for key, raw := range doc.Items {
		// The file is indented; sizes are measured on the compact form.
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("failed to compact key %q: %w", key, err)
		}
		items[key] = buf.Bytes()
	}
	return items, nil
}

func (f *FileBackend) save(items map[string]json.RawMessage) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tempPath := f.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(fileDocument{Version: fileFormatVersion, Items: items}); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode store: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	f.snapshot = items
	return nil
}

// mutate runs fn over the freshly loaded items and saves the result.
func (f *FileBackend) mutate(ctx context.Context, fn func(items map[string]json.RawMessage) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	items, err := f.load()
	if err != nil {
		return err
	}
	if err := fn(items); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.save(items)
}

// Get returns decoded entries for keys, or all entries when keys is nil.
func (f *FileBackend) Get(ctx context.Context, keys []string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	items, err := f.load()
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if keys == nil {
		keys = lo.Keys(items)
	}
	result := make(map[string]any, len(keys))
	for _, key := range keys {
		raw, ok := items[key]
		if !ok {
			continue
		}
		v, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		result[key] = v
	}
	return result, nil
}

// Set writes items in one file replacement.
func (f *FileBackend) Set(ctx context.Context, items map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(items))
	for key, value := range items {
		data, err := encodeValue(value)
		if err != nil {
			return err
		}
		encoded[key] = data
	}

	return f.mutate(ctx, func(current map[string]json.RawMessage) error {
		for key, data := range encoded {
			current[key] = data
		}
		return nil
	})
}

// Remove deletes keys in one file replacement.
func (f *FileBackend) Remove(ctx context.Context, keys []string) error {
	return f.mutate(ctx, func(current map[string]json.RawMessage) error {
		for _, key := range keys {
			delete(current, key)
		}
		return nil
	})
}

// Clear empties the store.
func (f *FileBackend) Clear(ctx context.Context) error {
	return f.mutate(ctx, func(current map[string]json.RawMessage) error {
		for key := range current {
			delete(current, key)
		}
		return nil
	})
}

// BytesInUse sums key and value sizes for keys, or for everything when keys is nil.
func (f *FileBackend) BytesInUse(ctx context.Context, keys []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	f.mu.Lock()
	items, err := f.load()
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if keys == nil {
		keys = lo.Keys(items)
	}
	total := 0
	for _, key := range keys {
		if raw, ok := items[key]; ok {
			total += len(key) + len(raw)
		}
	}
	return total, nil
}
