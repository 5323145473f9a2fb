package outbox

import (
	"errors"
	"fmt"
)

// ErrUnresolvable marks a dependency that will never materialize, such
// as a payment whose debt was itself discarded. Rows failing with it
// are discarded instead of retried forever.
var ErrUnresolvable = errors.New("outbox: dependency is permanently unresolvable")

// DependencyError reports that the event references an entity the
// downstream target cannot see yet. It is retryable unless it wraps
// ErrUnresolvable; any other error from a handler is terminal.
type DependencyError struct {
	Reference string
	Err       error
}

func (e *DependencyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("outbox: dependency %s not available", e.Reference)
	}
	return fmt.Sprintf("outbox: dependency %s not available: %v", e.Reference, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// NewDependencyError wraps a missing-reference failure.
func NewDependencyError(reference string, cause error) error {
	return &DependencyError{Reference: reference, Err: cause}
}

func isDependencyFailure(err error) bool {
	var dependencyErr *DependencyError
	return errors.As(err, &dependencyErr)
}

func isUnresolvable(err error) bool {
	return errors.Is(err, ErrUnresolvable)
}
