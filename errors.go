package harness

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/infra/op-harness/exitcodes"
)

// RuntimeError represents an operational error that should lead to exit code 2
// Examples include configuration errors, provisioning failures, etc.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError reports that tests failed. The process exit status
// equals the failure count, capped so it never collides with the timeout
// sentinel or the shell's signal exit range.
type TestFailureError struct {
	Count int
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %d tests failed", e.Count)
}

// ExitCode implements cli.ExitCoder.
func (e *TestFailureError) ExitCode() int {
	if e.Count > exitcodes.MaxTestFailures {
		return exitcodes.MaxTestFailures
	}
	return e.Count
}

// NewTestFailureError creates a new TestFailureError
func NewTestFailureError(count int) *TestFailureError {
	return &TestFailureError{Count: count}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}
