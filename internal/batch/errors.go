package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOperation indicates an operation or direction outside the declared set.
	ErrUnknownOperation = errors.New("batch: unknown operation")
	// ErrDuplicateOperation indicates an operation recorded twice for one direction of a call.
	ErrDuplicateOperation = errors.New("batch: duplicate operation")
	// ErrInvalidDefinition is returned by Builder.Build for malformed definitions.
	ErrInvalidDefinition = errors.New("batch: invalid definition")
)

// MisuseError reports a protocol misuse while recording an operation.
// It is a programming error and is never retried.
type MisuseError struct {
	Op        Op
	Direction Direction
	Err       error
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("%v: %s %s", e.Err, e.Direction, e.Op)
}

func (e *MisuseError) Unwrap() error { return e.Err }
