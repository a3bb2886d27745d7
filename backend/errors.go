package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrPreparation means no differentiation plan could be built for the
	// function at the representative point.
	ErrPreparation = errors.New("backend preparation failed")
	// ErrShapeMismatch means a buffer, matrix or prepared context disagrees with
	// the shape the operator was prepared for.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrConfiguration means the requested operators cannot be served by the
	// configured backends.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrEvaluation means a user function panicked while an operator was applied.
	ErrEvaluation = errors.New("evaluation failed")
)

// OpError records the operator that failed. The error kind is available
// through errors.Is on one of the sentinels above.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op fmt.Stringer, kind error, format string, a ...any) error {
	return &OpError{Op: op.String(), Err: fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, a...))}
}

// recoverAs turns a panic raised by a user function into an error of the given kind.
// It must be deferred directly.
func recoverAs(op Op, kind error, err *error) {
	if r := recover(); r != nil {
		*err = opError(op, kind, "panic: %v", r)
	}
}
