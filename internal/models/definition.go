package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Task types
const (
	TaskTypeAI   = "ai"
	TaskTypeTool = "tool"
)

// Output kinds declared on a task definition
const (
	OutputText     = "text"
	OutputMarkdown = "markdown"
	OutputHTML     = "html"
	OutputJSON     = "json"
)

// StringList is a list of strings that also accepts a single scalar value
// when decoded from YAML or JSON ("goals: Do X" and "goals: [Do X]" are equivalent).
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			*l = nil
			return nil
		}
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("expected string or list of strings at line %d", node.Line)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*l = nil
		} else {
			*l = StringList{single}
		}
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = items
	return nil
}

// AIConfig holds the AI specific part of a task definition.
type AIConfig struct {
	Instructions string     `yaml:"instructions" json:"instructions,omitempty"`
	Instruction  string     `yaml:"instruction" json:"instruction,omitempty"`
	Goals        StringList `yaml:"goals" json:"goals,omitempty"`
	SystemPrompt string     `yaml:"system_prompt" json:"system_prompt,omitempty"`
}

// OutputSpec is the nested output declaration of a task definition.
type OutputSpec struct {
	Type        string `yaml:"type" json:"type,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
	Rendering   string `yaml:"rendering" json:"rendering,omitempty"`
}

// TaskDef is one task defined on an agent. It is read-only input to the engine.
//
// Output fields exist both nested (Output) and at the top level; the top-level
// fields are the newer format and take precedence when set.
type TaskDef struct {
	UUID         string     `yaml:"uuid" json:"uuid"`
	Name         string     `yaml:"name" json:"name"`
	Description  string     `yaml:"description" json:"description,omitempty"`
	Type         string     `yaml:"type" json:"type,omitempty"`
	Order        int        `yaml:"order" json:"order,omitempty"`
	Instruction  string     `yaml:"instruction" json:"instruction,omitempty"`
	Instructions string     `yaml:"instructions" json:"instructions,omitempty"`
	Goals        StringList `yaml:"goals" json:"goals,omitempty"`
	AIConfig     AIConfig   `yaml:"ai_config" json:"ai_config,omitempty"`
	Output       OutputSpec `yaml:"output" json:"output,omitempty"`

	OutputType        string `yaml:"output_type" json:"output_type,omitempty"`
	OutputDescription string `yaml:"output_description" json:"output_description,omitempty"`
	OutputRendering   string `yaml:"output_rendering" json:"output_rendering,omitempty"`
	OutputVariable    string `yaml:"output_variable" json:"output_variable,omitempty"`
}

// Validate checks if the task definition has all required fields
func (t *TaskDef) Validate() error {
	if strings.TrimSpace(t.UUID) == "" {
		return errors.New("task uuid is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("task name is required")
	}
	return nil
}

// EffectiveType returns the task type, defaulting to TaskTypeAI.
func (t *TaskDef) EffectiveType() string {
	if t.Type == "" {
		return TaskTypeAI
	}
	return strings.ToLower(t.Type)
}

// RequiresConversation reports whether executing the task talks to the remote assistant.
func (t *TaskDef) RequiresConversation() bool {
	return t.EffectiveType() == TaskTypeAI
}

// OutputKind returns the declared output kind, defaulting to OutputText.
func (t *TaskDef) OutputKind() string {
	kind := t.OutputType
	if kind == "" {
		kind = t.Output.Type
	}
	if kind == "" {
		return OutputText
	}
	return strings.ToLower(kind)
}

// OutputDescriptionText returns the output description from either format.
func (t *TaskDef) OutputDescriptionText() string {
	if t.OutputDescription != "" {
		return t.OutputDescription
	}
	return t.Output.Description
}

// OutputRenderingText returns the rendering instructions from either format.
func (t *TaskDef) OutputRenderingText() string {
	if t.OutputRendering != "" {
		return t.OutputRendering
	}
	return t.Output.Rendering
}

// TaskInstruction returns the first non-blank instruction, checked in the order
// ai_config.instructions, instruction, instructions, ai_config.instruction.
func (t *TaskDef) TaskInstruction() string {
	for _, candidate := range []string{
		t.AIConfig.Instructions,
		t.Instruction,
		t.Instructions,
		t.AIConfig.Instruction,
	} {
		if strings.TrimSpace(candidate) != "" {
			return candidate
		}
	}
	return ""
}

// TaskGoals returns ai_config.goals if present, otherwise the top-level goals.
func (t *TaskDef) TaskGoals() []string {
	if len(t.AIConfig.Goals) > 0 {
		return t.AIConfig.Goals
	}
	return t.Goals
}

// KnowledgeItem is one knowledge-base entry attached to an agent.
type KnowledgeItem struct {
	Title   string `yaml:"title" json:"title"`
	Content string `yaml:"content" json:"content"`
}

// Agent is the agent definition a run is instantiated from.
type Agent struct {
	UUID            string          `yaml:"uuid" json:"uuid"`
	Name            string          `yaml:"name" json:"name"`
	Description     string          `yaml:"description" json:"description,omitempty"`
	AssistantID     string          `yaml:"assistant_id" json:"assistant_id,omitempty"`
	KnowledgeBase   []KnowledgeItem `yaml:"knowledge_base" json:"knowledge_base,omitempty"`
	GlobalVariables map[string]any  `yaml:"global_variables" json:"global_variables,omitempty"`
	Tasks           []TaskDef       `yaml:"tasks" json:"tasks,omitempty"`
}

// Validate checks the agent and all of its task definitions.
func (a *Agent) Validate() error {
	if strings.TrimSpace(a.UUID) == "" {
		return errors.New("agent uuid is required")
	}
	seen := make(map[string]bool, len(a.Tasks))
	for i := range a.Tasks {
		if err := a.Tasks[i].Validate(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		if seen[a.Tasks[i].UUID] {
			return fmt.Errorf("duplicate task uuid %q", a.Tasks[i].UUID)
		}
		seen[a.Tasks[i].UUID] = true
	}
	return nil
}

// Task looks up a task definition by uuid.
func (a *Agent) Task(taskID string) (*TaskDef, bool) {
	for i := range a.Tasks {
		if a.Tasks[i].UUID == taskID {
			return &a.Tasks[i], true
		}
	}
	return nil, false
}

// AgentContext is the subset of an agent used when building a prompt.
type AgentContext struct {
	Name            string
	Description     string
	KnowledgeBase   []KnowledgeItem
	GlobalVariables map[string]any
}

// Context returns the prompt-building view of the agent.
func (a *Agent) Context() AgentContext {
	return AgentContext{
		Name:            a.Name,
		Description:     a.Description,
		KnowledgeBase:   a.KnowledgeBase,
		GlobalVariables: a.GlobalVariables,
	}
}
