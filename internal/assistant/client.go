// Package assistant talks to the remote conversational-assistant service.
//
// A conversation is a persistent multi-turn context on the remote side; an
// operation is one execution of the assistant against a conversation. The
// service rejects new messages while an operation is active, which is why the
// executor reconciles a conversation before every execution.
package assistant

import (
	"context"
	"io"
)

// Remote operation statuses
const (
	StatusQueued         = "queued"
	StatusInProgress     = "in_progress"
	StatusRequiresAction = "requires_action"
	StatusCancelling     = "cancelling"
	StatusCancelled      = "cancelled"
	StatusFailed         = "failed"
	StatusCompleted      = "completed"
	StatusIncomplete     = "incomplete"
	StatusExpired        = "expired"
)

// Operation is a remote operation attached to a conversation.
type Operation struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Active reports whether the operation should be cancelled before new input
// is sent.
func (o Operation) Active() bool {
	switch o.Status {
	case StatusQueued, StatusInProgress, StatusRequiresAction:
		return true
	}
	return false
}

// Terminal reports whether the operation has finished. A cancelling
// operation is neither active nor terminal.
func (o Operation) Terminal() bool {
	switch o.Status {
	case StatusCancelled, StatusFailed, StatusCompleted, StatusIncomplete, StatusExpired:
		return true
	}
	return false
}

// EventKind identifies a StreamEvent.
type EventKind int

const (
	// EventDelta carries a fragment of assistant text.
	EventDelta EventKind = iota
	// EventStatus carries a status change of the streaming operation.
	EventStatus
	// EventError carries an error reported inside the stream.
	EventError
)

// StreamEvent is one event read from a streaming operation.
type StreamEvent struct {
	Kind        EventKind
	Delta       string
	OperationID string
	Status      string
	Err         error
}

// Terminal reports whether a status event ends the operation.
func (e StreamEvent) Terminal() bool {
	return e.Kind == EventStatus && Operation{Status: e.Status}.Terminal()
}

// Stream is a single-pass stream of events. Recv returns io.EOF after the
// last event.
type Stream interface {
	Recv() (StreamEvent, error)
	io.Closer
}

// Client is the remote assistant API used by the engine.
type Client interface {
	CreateConversation(ctx context.Context) (string, error)
	ListOperations(ctx context.Context, conversationID string, limit int) ([]Operation, error)
	CancelOperation(ctx context.Context, conversationID, operationID string) error
	SendMessage(ctx context.Context, conversationID, text string) error
	StartStreamingRun(ctx context.Context, conversationID, assistantID string) (Stream, error)
}
