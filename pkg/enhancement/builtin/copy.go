package builtin

import (
	"context"
	"fmt"
	"sync"

	"github.com/atotto/clipboard"

	"github.com/entrhq/lmsenhancer/pkg/types"
)

// clipboardWriteAll is a package-level variable to allow mocking in tests.
var clipboardWriteAll = clipboard.WriteAll

// CopyUnit copies record IDs and URLs to the system clipboard.
type CopyUnit struct {
	mu     sync.Mutex
	ready  bool
	copied int
	last   string
}

// NewCopyUnit creates an uninitialized copy unit.
func NewCopyUnit() *CopyUnit {
	return &CopyUnit{}
}

// Initialize marks the unit ready.
func (u *CopyUnit) Initialize(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ready = true
	return nil
}

// Cleanup forgets the last copied text.
func (u *CopyUnit) Cleanup(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ready = false
	u.last = ""
	return nil
}

// HandleMessage copies text for COPY_TEXT and reports clipboard support for
// QUERY_STATE.
func (u *CopyUnit) HandleMessage(ctx context.Context, msg types.Message) (types.Response, error) {
	switch msg.Kind {
	case types.KindCopyText:
		text, ok := msg.Value.(string)
		if !ok || text == "" {
			return types.Response{}, fmt.Errorf("copy text must be a non-empty string, got %T", msg.Value)
		}
		if err := clipboardWriteAll(text); err != nil {
			return types.Response{}, fmt.Errorf("failed to copy to clipboard: %w", err)
		}

		u.mu.Lock()
		u.copied++
		u.last = text
		u.mu.Unlock()
		return types.Response{Handled: true, Found: true, Value: text}, nil

	case types.KindQueryState:
		return types.Response{Handled: true, Found: !clipboard.Unsupported}, nil
	}
	return types.Response{}, nil
}

// Copied returns how many copies succeeded and the last text copied.
func (u *CopyUnit) Copied() (int, string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.copied, u.last
}
