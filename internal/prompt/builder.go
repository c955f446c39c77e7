// Package prompt assembles the instruction text sent to the remote assistant
// for a single task execution.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harrison/agentrun/internal/models"
)

// LanguageInput is the input key that overrides the run's language preference.
// Keys starting with "_" are internal and never listed as input parameters.
const LanguageInput = "_language"

// Defaults for knowledge-base excerpts
const (
	DefaultKnowledgeItems   = 5
	DefaultKnowledgeExcerpt = 200
)

const closingDirective = "Please provide your response based on the above information."

var languageNames = map[string]string{
	"de": "German",
	"en": "English",
	"fr": "French",
	"es": "Spanish",
	"it": "Italian",
	"pt": "Portuguese",
	"ru": "Russian",
	"zh": "Chinese",
	"ja": "Japanese",
	"ko": "Korean",
}

// Builder builds prompts. The zero value uses the default knowledge limits.
type Builder struct {
	// KnowledgeItems is the number of knowledge-base items included.
	KnowledgeItems int
	// KnowledgeExcerpt is the maximum number of characters kept per item.
	KnowledgeExcerpt int
}

// Build builds a prompt with the default limits.
func Build(task *models.TaskDef, inputs map[string]any, agent models.AgentContext, language string) string {
	return Builder{}.Build(task, inputs, agent, language)
}

// Build returns the prompt for task. It is deterministic: map-valued sections
// are emitted in key order and nothing outside the arguments is consulted.
// Placeholders of the form {{name}} are replaced from inputs; unknown
// placeholders are left as they are.
func (b Builder) Build(task *models.TaskDef, inputs map[string]any, agent models.AgentContext, language string) string {
	var parts []string
	add := func(lines ...string) {
		for _, l := range lines {
			if l != "" {
				parts = append(parts, l)
			}
		}
	}

	name := agent.Name
	if name == "" {
		name = "AI Assistant"
	}
	add("You are " + name + ".")
	if agent.Description != "" {
		add("Agent Description: " + agent.Description)
	}

	taskName := task.Name
	if taskName == "" {
		taskName = "Unnamed Task"
	}
	description := task.Description
	if description == "" {
		description = "No description provided"
	}
	add("Task: "+taskName, "Task Description: "+description)

	if instruction := task.TaskInstruction(); instruction != "" {
		add("Task Instructions:", Resolve(instruction, inputs))
	}

	if goals := task.TaskGoals(); len(goals) > 0 {
		add("Goals:")
		for _, goal := range goals {
			add("- " + Resolve(goal, inputs))
		}
	}

	if system := task.AIConfig.SystemPrompt; system != "" {
		add("System Instructions:", Resolve(system, inputs))
	}

	if lang := effectiveLanguage(inputs, language); lang != "" {
		add(fmt.Sprintf("Language: Please respond in %s.", LanguageName(lang)))
	}

	add(outputRequirements(task, inputs)...)

	if keys := visibleKeys(inputs); len(keys) > 0 {
		add("Input Parameters:")
		for _, k := range keys {
			add(fmt.Sprintf("- %s: %v", k, inputs[k]))
		}
	}

	if items := b.knowledge(agent.KnowledgeBase); len(items) > 0 {
		add("Available Knowledge:")
		for _, item := range items {
			add(fmt.Sprintf("- %s: %s", Resolve(item.Title, inputs), Resolve(item.Content, inputs)))
		}
	}

	if len(agent.GlobalVariables) > 0 {
		add("Global Variables:")
		for _, k := range sortedKeys(agent.GlobalVariables) {
			add(fmt.Sprintf("- %s: %v", k, agent.GlobalVariables[k]))
		}
	}

	add(closingDirective)
	return strings.Join(parts, "\n")
}

// FormatDirective returns the output-format line for an output kind. The text
// is part of the contract with the remote model and must not change.
func FormatDirective(kind string) string {
	switch kind {
	case models.OutputHTML:
		return "- Format: HTML"
	case models.OutputMarkdown:
		return "- Format: Markdown"
	case models.OutputJSON:
		return "- Format: JSON"
	case models.OutputText, "":
		return "- Format: Plain text"
	default:
		return "- Format: " + kind
	}
}

// LanguageName maps a language code to its English name. Unknown codes are
// returned unchanged.
func LanguageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return code
}

// Resolve replaces every {{key}} in text with the formatted input value.
func Resolve(text string, inputs map[string]any) string {
	if text == "" || len(inputs) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	for _, k := range sortedKeys(inputs) {
		placeholder := "{{" + k + "}}"
		if strings.Contains(text, placeholder) {
			text = strings.ReplaceAll(text, placeholder, fmt.Sprint(inputs[k]))
		}
	}
	return text
}

func outputRequirements(task *models.TaskDef, inputs map[string]any) []string {
	lines := []string{"Output Requirements:"}
	if task.OutputVariable != "" {
		lines = append(lines, "- Output Variable: "+task.OutputVariable)
	}
	if desc := task.OutputDescriptionText(); desc != "" {
		lines = append(lines, "- Description: "+Resolve(desc, inputs))
	}
	lines = append(lines, FormatDirective(task.OutputKind()))
	if rendering := task.OutputRenderingText(); rendering != "" {
		lines = append(lines, "- Rendering Instructions: "+Resolve(rendering, inputs))
	}
	return lines
}

func (b Builder) knowledge(items []models.KnowledgeItem) []models.KnowledgeItem {
	limit := b.KnowledgeItems
	if limit <= 0 {
		limit = DefaultKnowledgeItems
	}
	excerpt := b.KnowledgeExcerpt
	if excerpt <= 0 {
		excerpt = DefaultKnowledgeExcerpt
	}
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]models.KnowledgeItem, 0, len(items))
	for _, item := range items {
		title := item.Title
		if title == "" {
			title = "Knowledge Item"
		}
		out = append(out, models.KnowledgeItem{Title: title, Content: truncate(item.Content, excerpt)})
	}
	return out
}

func effectiveLanguage(inputs map[string]any, preference string) string {
	lang := preference
	if v, ok := inputs[LanguageInput]; ok {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			lang = s
		}
	}
	if lang == "" || lang == models.LanguageAuto {
		return ""
	}
	return lang
}

func visibleKeys(inputs map[string]any) []string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		if !strings.HasPrefix(k, "_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
