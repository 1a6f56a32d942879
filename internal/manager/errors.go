package manager

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionNotFound is returned for a version that is not registered.
	ErrVersionNotFound = errors.New("model version not found")
	// ErrNoDefaultVersion is returned when no version of a model is AVAILABLE.
	ErrNoDefaultVersion = errors.New("model has no available version")
	// ErrDataRace reports a version that disappeared between listing and
	// status lookup. It is logged, never fatal.
	ErrDataRace = errors.New("version status lookup raced with removal")
)

// modelNotFoundError is returned when a requested model name is not registered.
type modelNotFoundError struct{ name string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.name }

func ErrModelNotFound(name string) error { return modelNotFoundError{name: name} }

// IsModelNotFound reports whether the error indicates a missing model name.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// modelUnavailableError signals a registered version that cannot serve
// requests in its current state.
type modelUnavailableError struct {
	name    string
	version int64
	state   State
}

func (e modelUnavailableError) Error() string {
	return fmt.Sprintf("model %s version %d is not available (state %s)", e.name, e.version, e.state)
}

// IsModelUnavailable reports whether err was caused by a version that is not
// AVAILABLE, or by a model without any available version.
func IsModelUnavailable(err error) bool {
	var e modelUnavailableError
	return errors.As(err, &e) || errors.Is(err, ErrNoDefaultVersion)
}

// dependencyUnavailableError signals a missing external dependency (e.g., llama.cpp)
// so the HTTP layer can return 503 Service Unavailable instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}
