package enhancement

import (
	"errors"
	"fmt"
)

var (
	ErrInitFailed     = errors.New("enhancement initialization failed")
	ErrCleanupFailed  = errors.New("enhancement cleanup failed")
	ErrUnknownFeature = errors.New("unknown feature")
)

// InitError reports a unit whose Initialize failed. The feature stays inactive.
type InitError struct {
	Feature string
	Err     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to initialize %s: %v", e.Feature, e.Err)
}

func (e *InitError) Unwrap() []error {
	return []error{ErrInitFailed, e.Err}
}
