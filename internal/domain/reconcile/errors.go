package reconcile

import (
	"fmt"

	"github.com/go-faster/errors"
)

// ErrReconcile is matched by every commit failure.
var ErrReconcile = errors.New("discount reconciliation failed")

// CommitError reports which write of a reconciliation failed. The enclosing
// transaction is rolled back; no partial state is kept.
type CommitError struct {
	OrderID string
	Op      string
	Err     error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("reconcile order %s: %s: %v", e.OrderID, e.Op, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrReconcile.
func (e *CommitError) Is(target error) bool {
	return target == ErrReconcile
}
