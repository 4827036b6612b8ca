package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrStepFailed       = errors.New("step execution failed")
	ErrTimeout          = errors.New("timeout exceeded")
	ErrLockNotAcquired  = errors.New("lock not acquired")
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrMessageTooLarge  = errors.New("message size exceeds limit")
	ErrCacheTransform   = errors.New("cache value transform failed")
)

// ConfigurationError reports a pipeline definition that cannot be executed.
// It is raised while a pipeline is being validated, never during a run, except
// when an input validator reroutes to a forward without a target.
type ConfigurationError struct {
	PipelineID string
	Step       string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("pipeline %q step %q: %s", e.PipelineID, e.Step, e.Reason)
	}
	return fmt.Sprintf("pipeline %q: %s", e.PipelineID, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfigInvalid
}

// ExecutionError is raised during a run and carries the step and pipeline identity.
type ExecutionError struct {
	PipelineID string
	Step       string
	RunID      string
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("pipeline %q run %s: %v", e.PipelineID, e.RunID, e.Err)
	}
	return fmt.Sprintf("pipeline %q step %q run %s: %v", e.PipelineID, e.Step, e.RunID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	if e.Err == nil {
		return ErrStepFailed
	}
	return e.Err
}

// TimeoutError is raised when a TimeoutGuard fires and no earlier error was caught.
type TimeoutError struct {
	PipelineID string
	Step       string
	Timeout    string
}

func (e *TimeoutError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("pipeline %q exceeded timeout of %s", e.PipelineID, e.Timeout)
	}
	return fmt.Sprintf("pipeline %q step %q exceeded timeout of %s", e.PipelineID, e.Step, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// LockAcquisitionError fails a run before the protected section is entered.
type LockAcquisitionError struct {
	ObjectID string
	Err      error
}

func (e *LockAcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not obtain lock %q: %v", e.ObjectID, e.Err)
	}
	return fmt.Sprintf("could not obtain lock %q", e.ObjectID)
}

func (e *LockAcquisitionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrLockNotAcquired}
	}
	return []error{ErrLockNotAcquired, e.Err}
}

// CacheTransformError means a result could not be transformed for storage.
// Callers degrade to skipping the cache; it never fails a run.
type CacheTransformError struct {
	Key string
	Err error
}

func (e *CacheTransformError) Error() string {
	return fmt.Sprintf("cache transform for key %q: %v", e.Key, e.Err)
}

func (e *CacheTransformError) Unwrap() []error {
	return []error{ErrCacheTransform, e.Err}
}

// ErrorResponse defines the JSON error model returned by the HTTP adapter.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}
