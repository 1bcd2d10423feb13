package protocol

import (
	"errors"
	"fmt"
)

// ProcessingError is a structured error produced while processing one task.
// It carries enough context to both publish an ErrorMessage and to let the
// orchestrator decide whether the failure is fatal to the task or to the
// agent.
type ProcessingError struct {
	Code    ErrorCode
	TaskID  string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ProcessingError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] task=%s %s", e.Code, e.TaskID, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] task=%s %v", e.Code, e.TaskID, e.Cause)
	}
	return fmt.Sprintf("[%s] task=%s", e.Code, e.TaskID)
}

// Unwrap returns the underlying error.
func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// NewProcessingError builds a ProcessingError for the given task.
func NewProcessingError(code ErrorCode, taskID, message string) *ProcessingError {
	return &ProcessingError{Code: code, TaskID: taskID, Message: message}
}

// Wrap builds a ProcessingError carrying an underlying cause.
func Wrap(code ErrorCode, taskID string, cause error) *ProcessingError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &ProcessingError{Code: code, TaskID: taskID, Message: msg, Cause: cause}
}

// ToErrorMessage converts a ProcessingError into the wire ErrorMessage shape.
func (e *ProcessingError) ToErrorMessage() ErrorMessage {
	return ErrorMessage{
		TaskID: e.TaskID,
		Error: ErrorDetail{
			Code:    e.Code,
			Message: e.Message,
		},
	}
}

// AsProcessingError extracts a *ProcessingError from an error chain.
func AsProcessingError(err error) (*ProcessingError, bool) {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
