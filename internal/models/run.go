package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// LanguageAuto means no language directive is added to prompts.
const LanguageAuto = "auto"

// Run is one instantiation of an agent's task list. It is persisted as a
// single JSON record by the run-state store.
type Run struct {
	UUID               string               `json:"uuid"`
	AgentUUID          string               `json:"agent_uuid"`
	Name               string               `json:"name"`
	LanguagePreference string               `json:"language_preference,omitempty"`
	TaskStates         []TaskExecutionState `json:"task_states"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// RunMeta is the run metadata the executor needs before executing a task.
type RunMeta struct {
	RunID              string
	AgentID            string
	LanguagePreference string
}

// Meta returns the run metadata, defaulting the language to LanguageAuto.
func (r *Run) Meta() RunMeta {
	lang := r.LanguagePreference
	if lang == "" {
		lang = LanguageAuto
	}
	return RunMeta{RunID: r.UUID, AgentID: r.AgentUUID, LanguagePreference: lang}
}

// TaskState returns a pointer into TaskStates for the given task.
func (r *Run) TaskState(taskID string) (*TaskExecutionState, bool) {
	for i := range r.TaskStates {
		if r.TaskStates[i].TaskID == taskID {
			return &r.TaskStates[i], true
		}
	}
	return nil, false
}

// Validate checks the run record and every task state in it.
func (r *Run) Validate() error {
	if r.UUID == "" {
		return errors.New("run uuid is empty")
	}
	if r.AgentUUID == "" {
		return errors.New("agent uuid is empty")
	}
	seen := make(map[string]bool, len(r.TaskStates))
	for i := range r.TaskStates {
		st := &r.TaskStates[i]
		if err := st.Validate(); err != nil {
			return fmt.Errorf("task state %s: %w", st.TaskID, err)
		}
		if st.RunID != "" && st.RunID != r.UUID {
			return fmt.Errorf("task state %s belongs to run %s", st.TaskID, st.RunID)
		}
		if seen[st.TaskID] {
			return fmt.Errorf("duplicate task state %s", st.TaskID)
		}
		seen[st.TaskID] = true
	}
	return nil
}

// Progress summarises task states of a run.
type Progress struct {
	Total           int     `json:"total"`
	Pending         int     `json:"pending"`
	Running         int     `json:"running"`
	Completed       int     `json:"completed"`
	Error           int     `json:"error"`
	Cancelled       int     `json:"cancelled"`
	ProgressPercent float64 `json:"progress_percent"`
}

// Progress counts task states per status. Percent is the share of tasks in a
// terminal state, rounded to one decimal.
func (r *Run) Progress() Progress {
	p := Progress{Total: len(r.TaskStates)}
	for _, st := range r.TaskStates {
		switch st.Status {
		case StatusPending:
			p.Pending++
		case StatusRunning:
			p.Running++
		case StatusCompleted:
			p.Completed++
		case StatusError:
			p.Error++
		case StatusCancelled:
			p.Cancelled++
		}
	}
	if p.Total > 0 {
		done := float64(p.Completed + p.Error + p.Cancelled)
		p.ProgressPercent = math.Round(done/float64(p.Total)*1000) / 10
	}
	return p
}
