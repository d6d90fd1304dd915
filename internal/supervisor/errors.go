package supervisor

import "errors"

var (
	// ErrServiceNotFound is returned when a name is not registered
	ErrServiceNotFound = errors.New("service not registered")

	// ErrNoServices is returned when monitoring is started with an empty registry
	ErrNoServices = errors.New("no services registered")

	// ErrNoRecoverer is returned when recovery is requested for a service without a recovery capability
	ErrNoRecoverer = errors.New("service has no recovery handler")

	// ErrRecoveryLimit is returned when the concurrent recovery limit has been reached
	ErrRecoveryLimit = errors.New("concurrent recovery limit reached")

	// ErrInvalidDescriptor is returned when a registration is missing its name or checker
	ErrInvalidDescriptor = errors.New("invalid service descriptor")

	// ErrRecoveryFailed is returned when a recovery handler reports failure without an error of its own
	ErrRecoveryFailed = errors.New("recovery failed")
)
