package integrity

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSubmission is wrapped by every ValidationError.
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrIntegrity is wrapped by every IntegrityError.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrCommitmentMismatch means a stored submission no longer matches its hash.
	ErrCommitmentMismatch = errors.New("commitment hash mismatch")
)

// ValidationError rejects a submission before any scoring runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidSubmission }

// IntegrityError reports that the commitment digest could not be produced.
// The caller may retry the whole evaluation.
type IntegrityError struct {
	Op  string
	Err error
}

func (e *IntegrityError) Error() string {
	if e.Err == nil {
		return "integrity: " + e.Op
	}
	return fmt.Sprintf("integrity: %s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrIntegrity and the underlying cause so that
// errors.Is works for context.DeadlineExceeded as well.
func (e *IntegrityError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrIntegrity}
	}
	return []error{ErrIntegrity, e.Err}
}
