package models

import "time"

// EventType identifies an OutputEvent.
type EventType string

const (
	// EventUpdate carries intermediate output. When Incremental is set the
	// content is a fragment to append; otherwise it replaces earlier output.
	EventUpdate EventType = "update"
	// EventFinal carries the full final render.
	EventFinal EventType = "final"
	// EventError is the last event of a failed or busy execution.
	EventError EventType = "error"
	// EventComplete is the last event of a completed or cancelled execution.
	EventComplete EventType = "complete"
)

// OutputEvent is one element of the stream produced by an execution.
type OutputEvent struct {
	Type        EventType `json:"type"`
	Content     string    `json:"content,omitempty"`
	Incremental bool      `json:"incremental,omitempty"`
	Status      Status    `json:"status,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	Retryable   bool      `json:"retryable,omitempty"`
}

// ExecutionSummary describes one finished execution for loggers and the ledger.
type ExecutionSummary struct {
	RunID          string
	TaskID         string
	TaskName       string
	ConversationID string
	Status         Status
	ErrorKind      string
	Error          string
	Prompt         string
	RawOutput      string
	Duration       time.Duration
	FinishedAt     time.Time
}
