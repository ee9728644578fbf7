package collector

import (
	"errors"
	"fmt"
)

// Sentinel errors used to classify failures across the pipeline.
var (
	// ErrSoftFailure marks an expected, task-level failure. It is recorded
	// and never aborts a worker.
	ErrSoftFailure = errors.New("soft failure")
	// ErrFatalFailure marks a failure of the execution context itself.
	ErrFatalFailure = errors.New("fatal failure")
	// ErrProvision marks an environment that cannot provision sessions.
	ErrProvision = errors.New("session provisioning failed")
	// ErrConfiguration marks invalid or missing configuration.
	ErrConfiguration = errors.New("configuration error")
)

// IsFatal reports whether err signals an unusable execution context.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalFailure) || errors.Is(err, ErrProvision)
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// Fatalf wraps a formatted message with ErrFatalFailure.
func Fatalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFatalFailure, fmt.Sprintf(format, args...))
}

// Configf wraps a formatted message with ErrConfiguration.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
