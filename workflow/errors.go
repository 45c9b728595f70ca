package workflow

import (
	"errors"
	"fmt"
)

// Error kinds decide how a failure is recorded on the batch and whether the
// triggering message is retried. Transient/unexpected failures still mark
// the batch FAILED; terminal status must survive any rollback.
type ErrorKind string

const (
	ErrKindValidation      ErrorKind = "VALIDATION"
	ErrKindTransient       ErrorKind = "TRANSIENT_INFRASTRUCTURE"
	ErrKindDeserialization ErrorKind = "DESERIALIZATION"
	ErrKindBusinessRule    ErrorKind = "BUSINESS_RULE"
	ErrKindStorage         ErrorKind = "STORAGE"
	ErrKindUnexpected      ErrorKind = "UNEXPECTED"
)

type PipelineError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

func NewPipelineError(kind ErrorKind, stage string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, Err: err}
}

// KindOf maps any error to its taxonomy bucket, defaulting to UNEXPECTED.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrKindUnexpected
}

func StageOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return "unknown"
}
