package pipeline

import (
	"errors"
	"fmt"
)

// Code identifies a class of pipeline failure surfaced to callers.
type Code string

const (
	CodeBudgetMisconfig Code = "PIPELINE_BUDGET_MISCONFIG"
	CodeInboxNotEmpty   Code = "PIPELINE_INBOX_NOT_EMPTY"
	CodeInvalidConfig   Code = "PIPELINE_INVALID_CONFIG"
	CodeStepFatal       Code = "PIPELINE_STEP_FATAL"
	CodeCancelled       Code = "PIPELINE_CANCELLED"
	CodeLoopLimit       Code = "PIPELINE_LOOP_LIMIT"
)

// Error is the structured error type for pipeline failures.
// Step is empty for load-time (configuration) errors.
type Error struct {
	Code    Code
	Step    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Step != "" && e.Err != nil:
		return fmt.Sprintf("[%s] step %q: %s: %v", e.Code, e.Step, e.Message, e.Err)
	case e.Step != "":
		return fmt.Sprintf("[%s] step %q: %s", e.Code, e.Step, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by code so callers can use errors.Is with a bare code error.
func (e *Error) Is(target error) bool {
	var pe *Error
	if errors.As(target, &pe) {
		return pe.Code == e.Code
	}
	return false
}

// NewError builds a pipeline error without a step attribution.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// StepError builds a pipeline error attributed to a step.
func StepError(code Code, step, format string, args ...any) *Error {
	return &Error{Code: code, Step: step, Message: fmt.Sprintf(format, args...)}
}

// WrapStep wraps err as a fatal step error unless it already is a pipeline error.
func WrapStep(step string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Step == "" {
			pe.Step = step
		}
		return pe
	}
	return &Error{Code: CodeStepFatal, Step: step, Message: "step failed", Err: err}
}

// CodeOf extracts the pipeline error code, or CodeStepFatal for plain errors.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeStepFatal
}
