package stream

import "errors"

var (
	// ErrInvalidConfig is returned when a request is missing a required field
	// or names an unknown enumeration value.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStreamNotFound is returned when no stream exists for the given ID.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrDestinationNotFound is returned when a catalog destination is missing.
	ErrDestinationNotFound = errors.New("destination not found")

	// ErrAlreadyRunning is returned when an encoder is already registered for a stream.
	ErrAlreadyRunning = errors.New("stream already running")

	// ErrNotRunning is returned when stopping a stream that has no encoder.
	ErrNotRunning = errors.New("stream not running")

	// ErrLaunchFailure is returned when the encoder process could not be started.
	ErrLaunchFailure = errors.New("encoder launch failed")

	// ErrTerminationTimeout marks an encoder that ignored the graceful stop
	// signal and had to be killed. It is logged, never returned to callers.
	ErrTerminationTimeout = errors.New("encoder termination timed out")

	// ErrPublishRejected is returned by the ingest gateway when a publish
	// cannot be honoured.
	ErrPublishRejected = errors.New("publish rejected")
)
