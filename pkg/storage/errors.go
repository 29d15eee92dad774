package storage

import (
	"errors"
	"fmt"
)

// Sentinels for the storage error taxonomy. Quota errors are returned to the
// caller of Set; backend errors are absorbed by the Manager and only reach
// subscribers through a Notification.
var (
	ErrItemTooLarge       = errors.New("item exceeds per-item quota")
	ErrTotalQuotaExceeded = errors.New("total storage quota exceeded")
	ErrWriteRateExceeded  = errors.New("write rate limit exceeded")
	ErrBackendUnavailable = errors.New("sync backend unavailable")
	ErrBackendWriteFailed = errors.New("sync backend write failed")
	ErrMigrationFailed    = errors.New("storage migration failed")
	ErrBytesUnsupported   = errors.New("backend does not report bytes in use")
	ErrReservedKey        = errors.New("key is reserved for the local backend")
)

// QuotaKind identifies which guard rejected a write.
type QuotaKind string

const (
	QuotaItemTooLarge  QuotaKind = "item_too_large"
	QuotaTotalExceeded QuotaKind = "total_quota_exceeded"
	QuotaWriteRate     QuotaKind = "write_rate_exceeded"
)

// QuotaError is a caller-correctable rejection from the quota guard.
type QuotaError struct {
	Kind  QuotaKind
	Key   string
	Size  int
	Limit int
}

func (e *QuotaError) Error() string {
	switch e.Kind {
	case QuotaItemTooLarge:
		return fmt.Sprintf("quota violation (%s): item %q is %d bytes, limit %d", e.Kind, e.Key, e.Size, e.Limit)
	case QuotaTotalExceeded:
		return fmt.Sprintf("quota violation (%s): write would use %d bytes, limit %d", e.Kind, e.Size, e.Limit)
	default:
		return fmt.Sprintf("quota violation (%s): %d writes in window, limit %d", e.Kind, e.Size, e.Limit)
	}
}

// Unwrap exposes the sentinel for the violation kind so errors.Is works.
func (e *QuotaError) Unwrap() error {
	switch e.Kind {
	case QuotaItemTooLarge:
		return ErrItemTooLarge
	case QuotaTotalExceeded:
		return ErrTotalQuotaExceeded
	default:
		return ErrWriteRateExceeded
	}
}

// IsQuotaError reports whether err is a guard rejection rather than a backend failure.
func IsQuotaError(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// MigrationError reports a rolled-back migration.
type MigrationError struct {
	ToSync bool
	Step   string
	Err    error
}

func (e *MigrationError) Error() string {
	dir := "sync->local"
	if e.ToSync {
		dir = "local->sync"
	}
	return fmt.Sprintf("storage migration %s failed at %s: %v", dir, e.Step, e.Err)
}

func (e *MigrationError) Unwrap() []error {
	return []error{ErrMigrationFailed, e.Err}
}
