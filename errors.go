package datenschleuder

import (
	"errors"
	"fmt"
)

var (
	// Wiring errors.
	ErrNoStore  = errors.New("datenschleuder: no store configured")
	ErrNoBroker = errors.New("datenschleuder: no broker configured")

	// Not found errors.
	ErrRunNotFound      = errors.New("datenschleuder: run not found")
	ErrTemplateNotFound = errors.New("datenschleuder: template not found")
	ErrScheduleNotFound = errors.New("datenschleuder: schedule not found")
	ErrTaskNotFound     = errors.New("datenschleuder: task not found")
	ErrWorkerNotFound   = errors.New("datenschleuder: worker not found")
	ErrBarrierNotFound  = errors.New("datenschleuder: fan-out barrier not found")

	// Conflict errors.
	ErrRunAlreadyExists      = errors.New("datenschleuder: run already exists")
	ErrTemplateAlreadyExists = errors.New("datenschleuder: template already exists")
	ErrScheduleAlreadyExists = errors.New("datenschleuder: schedule already exists")
	ErrBarrierAlreadyExists  = errors.New("datenschleuder: fan-out barrier already exists")

	// Validation errors.
	ErrValidation     = errors.New("datenschleuder: validation failed")
	ErrUnknownJobType = errors.New("datenschleuder: unknown job type")
	ErrUnknownQueue   = errors.New("datenschleuder: unknown queue")

	// State errors.
	ErrInvalidTransition     = errors.New("datenschleuder: invalid state transition")
	ErrTerminalStateConflict = errors.New("datenschleuder: run already in a different terminal state")
	ErrHandleConflict        = errors.New("datenschleuder: run already started with another task handle")
	ErrRunNotTerminal        = errors.New("datenschleuder: run is not terminal")
	ErrStaleRun              = errors.New("datenschleuder: stale run")
	ErrRunChanged            = errors.New("datenschleuder: run changed concurrently")
	ErrBarrierIncomplete     = errors.New("datenschleuder: fan-out barrier still waiting for batches")

	// Cluster errors.
	ErrNotLeader = errors.New("datenschleuder: not the leader")
)

// ValidationError reports bad dispatch input. It is always raised before a
// ledger row exists. errors.Is(err, ErrValidation) holds for every
// ValidationError; the optional Err narrows the cause further.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

// Invalid builds a ValidationError for the given field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "datenschleuder: invalid input: " + e.Reason
	}
	return fmt.Sprintf("datenschleuder: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap exposes ErrValidation and the optional cause to errors.Is.
func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}
