package api

import "errors"

var (
	// ErrConflict is returned when a duplicate active instance or a
	// duplicate active stream would be created.
	ErrConflict = errors.New("conflict: already active")

	// ErrNotFound is returned for unknown instances, workflows and
	// stream requests.
	ErrNotFound = errors.New("not found")

	// ErrStartTimeout is returned when a stream produces no first token
	// within the configured start timeout.
	ErrStartTimeout = errors.New("stream start timeout")

	// ErrStreamTimeout is returned when a stream does not reach a
	// terminal chunk within the configured completion timeout.
	ErrStreamTimeout = errors.New("stream completion timeout")
)
