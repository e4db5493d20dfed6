package job

import (
	"errors"
	"fmt"
)

// ErrCancelled marks a pipeline aborted by an explicit user cancel. It is not
// treated as a failure for reporting purposes.
var ErrCancelled = errors.New("cancelled by user")

// SubmissionError represents a malformed submission. It is surfaced
// synchronously to the submitter; no job record is created for it.
type SubmissionError struct {
	Param  string // The request parameter that failed validation
	Reason string // Human-readable explanation of the rejection
	Err    error  // Underlying error, if any
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("invalid submission parameter %q: %s", e.Param, e.Reason)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// StageError represents a network or I/O failure inside a pipeline stage.
// It is terminal for the job; the caller must resubmit to retry.
type StageError struct {
	Stage Status // The stage that was running when the failure happened
	Op    string // The operation that failed (e.g. "probe", "download", "put_object")
	Err   error  // Underlying error, if any
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s stage failed during %s: %v", e.Stage, e.Op, e.Err)
	}

	return fmt.Sprintf("%s stage failed during %s", e.Stage, e.Op)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ConversionError represents downloaded bytes that could not be converted
// into a servable format.
type ConversionError struct {
	Input  string // Path of the input file that failed to convert
	Reason string // Human-readable explanation of the conversion failure
	Err    error  // Underlying error, if any
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion failed for %s: %s", e.Input, e.Reason)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a lookup for a record that does not exist.
type NotFoundError struct {
	Kind string // "job" or "asset"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}
