package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestStringList_YAML(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want StringList
	}{
		{name: "scalar", doc: "goals: Write a haiku", want: StringList{"Write a haiku"}},
		{name: "sequence", doc: "goals:\n  - one\n  - two", want: StringList{"one", "two"}},
		{name: "empty scalar", doc: "goals: ''", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v struct {
				Goals StringList `yaml:"goals"`
			}
			require.NoError(t, yaml.Unmarshal([]byte(tt.doc), &v))
			assert.Equal(t, tt.want, v.Goals)
		})
	}
}

func TestStringList_JSON(t *testing.T) {
	var v struct {
		Goals StringList `json:"goals"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"goals":"single"}`), &v))
	assert.Equal(t, StringList{"single"}, v.Goals)

	require.NoError(t, json.Unmarshal([]byte(`{"goals":["a","b"]}`), &v))
	assert.Equal(t, StringList{"a", "b"}, v.Goals)

	assert.Error(t, json.Unmarshal([]byte(`{"goals":42}`), &v))
}

func TestTaskDef_Lookups(t *testing.T) {
	td := TaskDef{
		UUID:         "t1",
		Name:         "Summarise",
		Instructions: "top-level plural",
		Instruction:  "top-level singular",
		Goals:        StringList{"top goal"},
		Output:       OutputSpec{Type: "Markdown", Description: "nested desc"},
	}

	assert.Equal(t, "top-level singular", td.TaskInstruction())
	assert.Equal(t, []string{"top goal"}, []string(td.TaskGoals()))
	assert.Equal(t, OutputMarkdown, td.OutputKind())
	assert.Equal(t, "nested desc", td.OutputDescriptionText())
	assert.True(t, td.RequiresConversation())

	td.AIConfig.Instructions = "ai config wins"
	td.AIConfig.Goals = StringList{"ai goal"}
	td.OutputType = "html"
	td.OutputDescription = "top desc"
	assert.Equal(t, "ai config wins", td.TaskInstruction())
	assert.Equal(t, []string{"ai goal"}, []string(td.TaskGoals()))
	assert.Equal(t, OutputHTML, td.OutputKind())
	assert.Equal(t, "top desc", td.OutputDescriptionText())

	td.Type = "tool"
	assert.False(t, td.RequiresConversation())
}

func TestTaskDef_InstructionSkipsBlank(t *testing.T) {
	td := TaskDef{AIConfig: AIConfig{Instructions: "   ", Instruction: "fallback"}}
	assert.Equal(t, "fallback", td.TaskInstruction())
	assert.Equal(t, OutputText, td.OutputKind())
}

func TestAgent_Validate(t *testing.T) {
	agent := Agent{UUID: "a1", Tasks: []TaskDef{{UUID: "t1", Name: "one"}, {UUID: "t1", Name: "dup"}}}
	assert.ErrorContains(t, agent.Validate(), "duplicate")

	agent.Tasks[1].UUID = "t2"
	require.NoError(t, agent.Validate())

	task, ok := agent.Task("t2")
	require.True(t, ok)
	assert.Equal(t, "dup", task.Name)
	_, ok = agent.Task("missing")
	assert.False(t, ok)
}

func TestRun_Progress(t *testing.T) {
	now := time.Now()
	run := Run{UUID: "r", AgentUUID: "a"}
	for i, status := range []Status{StatusPending, StatusRunning, StatusCompleted, StatusError, StatusCancelled, StatusCompleted} {
		st := NewTaskExecutionState("r", string(rune('a'+i)), now)
		st.Status = status
		if status == StatusCompleted {
			st.Outputs = &TaskOutputs{}
		}
		if status == StatusError {
			st.Error = "x"
		}
		run.TaskStates = append(run.TaskStates, st)
	}
	require.NoError(t, run.Validate())

	p := run.Progress()
	assert.Equal(t, 6, p.Total)
	assert.Equal(t, 1, p.Pending)
	assert.Equal(t, 1, p.Running)
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, 1, p.Error)
	assert.Equal(t, 1, p.Cancelled)
	assert.Equal(t, 66.7, p.ProgressPercent)

	assert.Equal(t, LanguageAuto, run.Meta().LanguagePreference)
}
