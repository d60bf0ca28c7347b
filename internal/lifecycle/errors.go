package lifecycle

import (
	"errors"
	"fmt"

	"github.com/warden-sh/warden/internal/registry"
)

// ErrUnknownInstance is returned for a name the registry has never seen.
var ErrUnknownInstance = errors.New("unknown instance")

// ErrLockTimeout mirrors the lock table's bound; re-exported so API callers
// need only this package's taxonomy.
var ErrLockTimeout = registry.ErrLockTimeout

// OpError is a lifecycle operation failure. Transient marks failures worth
// retrying (network trouble talking to the engine); the instance's status
// reflects the last state the controller can justify.
type OpError struct {
	Op        string
	Name      string
	Transient bool
	Err       error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable lifecycle failure.
func IsTransient(err error) bool {
	var oe *OpError
	return errors.As(err, &oe) && oe.Transient
}
