package shifts

import (
	"errors"
	"fmt"
)

// ErrVersionConflict is returned by Repository.Save when the persisted
// version no longer matches the loaded one. The state machine retries the
// whole read-modify-write on it.
var ErrVersionConflict = errors.New("shifts: version conflict")

// ConflictError reports a duplicate active shift, an already-open break or
// an already-open site visit.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// AuthorizationError reports a caller acting on a shift they do not own, or
// a geofence policy violation.
type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string { return e.Message }

// InvalidStateError reports an operation attempted from a state that does
// not allow it.
type InvalidStateError struct {
	Operation string
	State     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s while shift is in state %q", e.Operation, e.State)
}

// NotFoundError reports an absent shift, break or site visit.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
