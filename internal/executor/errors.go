package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harrison/agentrun/internal/assistant"
	"github.com/harrison/agentrun/internal/definitions"
	"github.com/harrison/agentrun/internal/models"
	"github.com/harrison/agentrun/internal/reconciler"
	"github.com/harrison/agentrun/internal/runstate"
)

// Kind classifies execution failures.
type Kind int

const (
	// KindUnknown is an unclassified error.
	KindUnknown Kind = iota
	// ResourceBusy means a lock or reconciliation timed out. Retryable; state
	// is left unchanged.
	ResourceBusy
	// RemoteRequestFailed means the remote service rejected or failed a request.
	RemoteRequestFailed
	// NoResponse means the stream ended without any content.
	NoResponse
	// Cancelled means the execution was stopped.
	Cancelled
	// InternalInconsistency means stored state could not be trusted.
	InternalInconsistency
	// Conflict means the task is not in a state that allows the operation.
	Conflict
	// NotFound means the run, task or agent does not exist.
	NotFound
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case ResourceBusy:
		return "ResourceBusy"
	case RemoteRequestFailed:
		return "RemoteRequestFailed"
	case NoResponse:
		return "NoResponse"
	case Cancelled:
		return "Cancelled"
	case InternalInconsistency:
		return "InternalInconsistency"
	case Conflict:
		return "Conflict"
	case NotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Retryable reports whether the caller may retry the same request later.
func (k Kind) Retryable() bool {
	return k == ResourceBusy || k == Conflict
}

// Error is an execution failure with its classification.
type Error struct {
	Kind    Kind
	RunID   string
	TaskID  string
	Message string
	Err     error
}

// NewError creates an Error.
func NewError(kind Kind, runID, taskID, msg string, err error) *Error {
	return &Error{Kind: kind, RunID: runID, TaskID: taskID, Message: msg, Err: err}
}

// Error implements the error interface for Error.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.RunID != "" || e.TaskID != "" {
		sb.WriteString(fmt.Sprintf(" (run %s, task %s)", e.RunID, e.TaskID))
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Detail returns the message shown to callers and persisted on the task.
func (e *Error) Detail() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

// KindOf classifies any error returned by the engine or its collaborators.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var execErr *Error
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	switch {
	case errors.Is(err, runstate.ErrCorrupt):
		return InternalInconsistency
	case errors.Is(err, runstate.ErrNotFound), errors.Is(err, definitions.ErrNotFound):
		return NotFound
	case errors.Is(err, models.ErrInvalidTransition):
		return Conflict
	case reconciler.IsBusyError(err):
		return ResourceBusy
	case assistant.IsRequestError(err):
		return RemoteRequestFailed
	case errors.Is(err, context.Canceled):
		return Cancelled
	}
	return KindUnknown
}

// classify wraps err as an *Error, keeping an existing classification.
func classify(err error, runID, taskID, msg string) *Error {
	var execErr *Error
	if errors.As(err, &execErr) {
		return execErr
	}
	return NewError(KindOf(err), runID, taskID, msg, err)
}

// IsResourceBusy checks if an error is a ResourceBusy failure.
func IsResourceBusy(err error) bool {
	return KindOf(err) == ResourceBusy
}

// IsNotFound checks if an error is a NotFound failure.
func IsNotFound(err error) bool {
	return KindOf(err) == NotFound
}

// IsInternalInconsistency checks if an error is an InternalInconsistency failure.
func IsInternalInconsistency(err error) bool {
	return KindOf(err) == InternalInconsistency
}
