package cover

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/infra/op-coverage/exitcodes"
)

// RuntimeError represents an operational error that should lead to exit code 2
// Examples include configuration errors, missing tools, spawn failures, etc.
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

// TestFailureError represents a failing test run. The child test command's
// exit code rides along so the process boundary reports it unchanged.
type TestFailureError struct {
	Message string
	Code    int
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %s", e.Message)
}

// NewTestFailureError creates a new TestFailureError. A zero code is
// normalized to the generic test-failure exit code so a failure can never
// masquerade as success.
func NewTestFailureError(message string, code int) *TestFailureError {
	if code == 0 {
		code = exitcodes.TestFailure
	}
	return &TestFailureError{Message: message, Code: code}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}

// TestFailureCode extracts the exit code carried by a TestFailureError,
// falling back to the generic test-failure code for other errors.
func TestFailureCode(err error) int {
	var testErr *TestFailureError
	if err != nil && errors.As(err, &testErr) {
		return testErr.Code
	}
	return exitcodes.TestFailure
}
