package storage

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/lmsenhancer/pkg/logging"
)

// Reason classifies a Notification.
type Reason string

const (
	// ReasonSyncUnavailable: the one-time probe of the synced backend failed.
	ReasonSyncUnavailable Reason = "sync-unavailable"
	// ReasonSyncError: a synced write failed and the call was served locally.
	ReasonSyncError Reason = "sync-error"
	// ReasonMigrationFailed: a migration rolled back to local-only.
	ReasonMigrationFailed Reason = "migration-failed"
)

// Notification tells subscribers about an absorbed infrastructure failure.
type Notification struct {
	ID     string
	Reason Reason
	Err    error
	Time   time.Time
}

// Listener receives notifications. It is called synchronously.
type Listener func(Notification)

// ChangeListener receives the deltas of a successful mutating call.
type ChangeListener func(area Area, changes map[string]Change)

// notifier is a best-effort fan-out; a panicking listener is logged and skipped.
type notifier struct {
	mu       sync.Mutex
	next     int
	listener map[int]Listener
	changes  map[int]ChangeListener
	log      *logging.Logger
}

func newNotifier(log *logging.Logger) *notifier {
	return &notifier{
		listener: make(map[int]Listener),
		changes:  make(map[int]ChangeListener),
		log:      log,
	}
}

func (n *notifier) subscribe(l Listener) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.listener[id] = l
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listener, id)
	}
}

func (n *notifier) onChanged(l ChangeListener) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.changes[id] = l
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.changes, id)
	}
}

func (n *notifier) emit(reason Reason, err error) {
	note := Notification{
		ID:     uuid.New().String(),
		Reason: reason,
		Err:    err,
		Time:   time.Now(),
	}

	n.mu.Lock()
	listeners := make([]Listener, 0, len(n.listener))
	for _, l := range n.listener {
		listeners = append(listeners, l)
	}
	n.mu.Unlock()

	for _, l := range listeners {
		n.safeCall(string(reason), func() { l(note) })
	}
}

func (n *notifier) emitChanges(area Area, changes map[string]Change) {
	if len(changes) == 0 {
		return
	}

	n.mu.Lock()
	listeners := make([]ChangeListener, 0, len(n.changes))
	for _, l := range n.changes {
		listeners = append(listeners, l)
	}
	n.mu.Unlock()

	for _, l := range listeners {
		n.safeCall("change", func() { l(area, changes) })
	}
}

func (n *notifier) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Errorf("listener for %s panicked: %v", what, r)
		}
	}()
	fn()
}
