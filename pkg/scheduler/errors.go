package scheduler

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound matches every NotFoundError
	ErrNotFound = errors.New("service not tracked")

	// ErrDuplicateIdentity matches every DuplicateIdentityError
	ErrDuplicateIdentity = errors.New("node already tracked")

	// ErrUnresolvedCanSave is returned when removal starts before anybody
	// decided whether state must be saved.
	ErrUnresolvedCanSave = errors.New("removal started without a save decision")
)

// NotFoundError is returned when a node id has no tracked service
type NotFoundError struct {
	NodeID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no service tracked for node %s", e.NodeID)
}

// Is makes errors.Is(err, ErrNotFound) work
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// DuplicateIdentityError is returned when a node id is already tracked
type DuplicateIdentityError struct {
	NodeID      string
	ServiceName string
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("node %s is already tracked as %s", e.NodeID, e.ServiceName)
}

// Is makes errors.Is(err, ErrDuplicateIdentity) work
func (e *DuplicateIdentityError) Is(target error) bool {
	return target == ErrDuplicateIdentity
}

// newErrorCode returns a short correlation code that ties a user facing
// failure message to the log line holding the details.
func newErrorCode() string {
	return "OEC:" + uuid.New().String()[:8]
}
