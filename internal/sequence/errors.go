package sequence

import (
	"errors"
	"fmt"
)

var (
	// ErrSequenceIDMissing is the class of errors for requests that must
	// reference an existing sequence but do not.
	ErrSequenceIDMissing = errors.New("sequence id has not been provided in request inputs")
	// ErrSequenceMissing reports a sequence id that is not registered.
	ErrSequenceMissing = fmt.Errorf("sequence with provided id does not exist: %w", ErrSequenceIDMissing)

	ErrSequenceIDBadType      = errors.New("unexpected sequence id type, expected uint64")
	ErrSequenceControlBadType = errors.New("unexpected sequence control input type, expected uint32")
	ErrInvalidSequenceControl = errors.New("invalid sequence control input")
	ErrSequenceAlreadyExists  = errors.New("sequence with provided id already exists")
	ErrMaxSequencesReached    = errors.New("max sequence number has been reached, could not create new sequence")
	ErrSequenceTerminated     = fmt.Errorf("sequence has been terminated: %w", ErrSequenceIDMissing)
)

// IsBadRequest reports whether err is caused by the client request rather
// than server state.
func IsBadRequest(err error) bool {
	return errors.Is(err, ErrSequenceIDMissing) ||
		errors.Is(err, ErrSequenceIDBadType) ||
		errors.Is(err, ErrSequenceControlBadType) ||
		errors.Is(err, ErrInvalidSequenceControl) ||
		errors.Is(err, ErrSequenceAlreadyExists)
}
