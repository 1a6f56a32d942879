package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrPipelineNotFound     = errors.New("pipeline not found")
	ErrPipelineUnavailable  = errors.New("pipeline is not available")
	ErrMissingPipelineInput = errors.New("missing pipeline input")
	ErrUnknownUpstream      = errors.New("unknown upstream node")
	// ErrDuplicateDelivery reports a second delivery from the same upstream
	// node within one session.
	ErrDuplicateDelivery = errors.New("duplicate delivery from upstream node")
	// ErrSessionFailed is returned for deliveries into an aborted session.
	ErrSessionFailed = errors.New("node session failed")
	// ErrInvalidDefinition wraps every pipeline definition error.
	ErrInvalidDefinition = errors.New("invalid pipeline definition")
)

// RoutingMissingInputError reports an upstream node that completed without
// an output its downstream node is wired to.
type RoutingMissingInputError struct {
	Node     string
	Upstream string
	Output   string
}

func (e *RoutingMissingInputError) Error() string {
	return fmt.Sprintf("node %s: upstream node %s did not produce required output %q", e.Node, e.Upstream, e.Output)
}

// IsRoutingMissingInput reports whether err is a RoutingMissingInputError.
func IsRoutingMissingInput(err error) bool {
	var e *RoutingMissingInputError
	return errors.As(err, &e)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
}
