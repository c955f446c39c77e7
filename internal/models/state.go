package models

import (
	"errors"
	"fmt"
	"time"
)

// Status is the execution status of one task within a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// ErrInvalidTransition is returned when a state-machine transition is not
// allowed from the current status.
var ErrInvalidTransition = errors.New("invalid state transition")

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is Completed, Error or Cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// TaskOutputs is written exactly once, on the transition into Completed.
type TaskOutputs struct {
	RenderedContent string `json:"rendered_content"`
	RawContent      string `json:"raw_content"`
	ConversationID  string `json:"conversation_id,omitempty"`
	PromptUsed      string `json:"prompt_used,omitempty"`
	AssistantID     string `json:"assistant_id,omitempty"`
}

// TaskExecutionState is the durable execution state of one (run, task) pair.
//
// The methods below are the only way the status changes. They do not lock;
// callers serialize through the run-state store and the conversation lock.
type TaskExecutionState struct {
	TaskID               string         `json:"task_uuid"`
	RunID                string         `json:"run_uuid"`
	Status               Status         `json:"status"`
	Inputs               map[string]any `json:"inputs"`
	Outputs              *TaskOutputs   `json:"outputs,omitempty"`
	Error                string         `json:"error,omitempty"`
	CancelReason         string         `json:"cancel_reason,omitempty"`
	ConversationID       string         `json:"user_session_id,omitempty"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	ExecutionTimeSeconds *float64       `json:"execution_time,omitempty"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// NewTaskExecutionState returns a fresh Pending state.
func NewTaskExecutionState(runID, taskID string, now time.Time) TaskExecutionState {
	return TaskExecutionState{
		TaskID:    taskID,
		RunID:     runID,
		Status:    StatusPending,
		Inputs:    map[string]any{},
		UpdatedAt: now,
	}
}

// Start moves Pending to Running. It returns false, and changes nothing, when
// the state is not Pending.
func (s *TaskExecutionState) Start(now time.Time) bool {
	if s.Status != StatusPending {
		return false
	}
	s.Status = StatusRunning
	if s.StartedAt == nil {
		started := now
		s.StartedAt = &started
	}
	s.UpdatedAt = now
	return true
}

// Succeed moves Running to Completed and records the outputs.
func (s *TaskExecutionState) Succeed(outputs TaskOutputs, now time.Time) error {
	if err := s.requireRunning("succeed"); err != nil {
		return err
	}
	s.Status = StatusCompleted
	out := outputs
	s.Outputs = &out
	s.finish(now)
	return nil
}

// Fail moves Running to Error with a human-readable message.
func (s *TaskExecutionState) Fail(message string, now time.Time) error {
	if err := s.requireRunning("fail"); err != nil {
		return err
	}
	if message == "" {
		message = "unknown error"
	}
	s.Status = StatusError
	s.Error = message
	s.finish(now)
	return nil
}

// Cancel moves Running to Cancelled.
func (s *TaskExecutionState) Cancel(reason string, now time.Time) error {
	if err := s.requireRunning("cancel"); err != nil {
		return err
	}
	s.Status = StatusCancelled
	s.CancelReason = reason
	s.finish(now)
	return nil
}

// Reset returns a non-Pending state to Pending for an explicit re-run. Outputs,
// error and timestamps are cleared; inputs and the conversation id are kept.
func (s *TaskExecutionState) Reset(now time.Time) error {
	if s.Status == StatusPending {
		return nil
	}
	s.Status = StatusPending
	s.Outputs = nil
	s.Error = ""
	s.CancelReason = ""
	s.StartedAt = nil
	s.CompletedAt = nil
	s.ExecutionTimeSeconds = nil
	s.UpdatedAt = now
	return nil
}

// SetInputs replaces the inputs. Inputs are mutable only while Pending.
func (s *TaskExecutionState) SetInputs(inputs map[string]any, now time.Time) error {
	if s.Status != StatusPending {
		return fmt.Errorf("%w: inputs are read-only once %s", ErrInvalidTransition, s.Status)
	}
	copied := make(map[string]any, len(inputs))
	for k, v := range inputs {
		copied[k] = v
	}
	s.Inputs = copied
	s.UpdatedAt = now
	return nil
}

// SetConversation records the conversation id if none is set yet and returns
// the id now held by the state. An existing id is never replaced.
func (s *TaskExecutionState) SetConversation(id string, now time.Time) string {
	if s.ConversationID == "" && id != "" {
		s.ConversationID = id
		s.UpdatedAt = now
	}
	return s.ConversationID
}

// Validate checks the status and the outputs/error invariants.
func (s *TaskExecutionState) Validate() error {
	if s.TaskID == "" {
		return errors.New("task id is empty")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if (s.Outputs != nil) != (s.Status == StatusCompleted) {
		return fmt.Errorf("outputs present=%t with status %s", s.Outputs != nil, s.Status)
	}
	if (s.Error != "") != (s.Status == StatusError) {
		return fmt.Errorf("error present=%t with status %s", s.Error != "", s.Status)
	}
	return nil
}

// Clone returns a deep copy.
func (s TaskExecutionState) Clone() TaskExecutionState {
	c := s
	if s.Inputs != nil {
		c.Inputs = make(map[string]any, len(s.Inputs))
		for k, v := range s.Inputs {
			c.Inputs[k] = v
		}
	}
	if s.Outputs != nil {
		out := *s.Outputs
		c.Outputs = &out
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.ExecutionTimeSeconds != nil {
		d := *s.ExecutionTimeSeconds
		c.ExecutionTimeSeconds = &d
	}
	return c
}

func (s *TaskExecutionState) requireRunning(op string) error {
	if s.Status != StatusRunning {
		return fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, op, s.Status)
	}
	return nil
}

func (s *TaskExecutionState) finish(now time.Time) {
	completed := now
	s.CompletedAt = &completed
	s.UpdatedAt = now
	if s.StartedAt != nil {
		secs := completed.Sub(*s.StartedAt).Seconds()
		s.ExecutionTimeSeconds = &secs
	}
}
