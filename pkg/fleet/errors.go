package fleet

import "errors"

var (
	// ErrNotFound is returned for operations on an agent that is not registered.
	ErrNotFound = errors.New("agent not found")
	// ErrUnavailable is returned once the pool has been shut down.
	ErrUnavailable = errors.New("agent pool unavailable")
)
