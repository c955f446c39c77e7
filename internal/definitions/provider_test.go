package definitions

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const writerYAML = `uuid: agent-1
name: Writer
description: Writes short articles
assistant_id: asst_123
knowledge_base:
  - title: Style
    content: Prefer short sentences.
global_variables:
  company: Acme
tasks:
  - uuid: task-1
    name: Draft
    output_type: markdown
    ai_config:
      instructions: Write about {{topic}}.
      goals: Be brief
  - uuid: task-2
    name: Publish
    type: tool
`

const writerJSON = `{
  "name": "Json Writer",
  "tasks": [{"uuid": "t", "name": "Only", "goals": ["a", "b"]}]
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestFileProvider_YAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "agent-1.yaml", writerYAML)
	p, err := NewFileProvider(dir, 0)
	require.NoError(t, err)

	agent, err := p.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "Writer", agent.Name)
	assert.Equal(t, "asst_123", agent.AssistantID)
	require.Len(t, agent.KnowledgeBase, 1)
	assert.Equal(t, "Acme", agent.GlobalVariables["company"])

	task, err := p.GetTaskDefinition(context.Background(), "agent-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "markdown", task.OutputKind())
	assert.Equal(t, []string{"Be brief"}, task.TaskGoals())
	assert.True(t, task.RequiresConversation())

	tool, err := p.GetTaskDefinition(context.Background(), "agent-1", "task-2")
	require.NoError(t, err)
	assert.False(t, tool.RequiresConversation())
}

func TestFileProvider_JSONDefaultsUUID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "agent-json.json", writerJSON)
	p, err := NewFileProvider(dir, 4)
	require.NoError(t, err)

	agent, err := p.GetAgent(context.Background(), "agent-json")
	require.NoError(t, err)
	assert.Equal(t, "agent-json", agent.UUID)
	assert.Equal(t, []string{"a", "b"}, agent.Tasks[0].TaskGoals())
}

func TestFileProvider_NotFound(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "agent-1.yaml", writerYAML)
	p, err := NewFileProvider(dir, 0)
	require.NoError(t, err)

	_, err = p.GetAgent(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = p.GetTaskDefinition(context.Background(), "agent-1", "task-x")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, id := range []string{"../etc/passwd", "", ".hidden", `a\b`} {
		_, err = p.GetAgent(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotFound, id)
		assert.ErrorContains(t, err, "invalid agent id", id)
	}
}

func TestFileProvider_Invalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", "tasks: [unterminated")
	writeFile(t, dir, "other.yaml", "uuid: someone-else\nname: x\n")
	p, err := NewFileProvider(dir, 0)
	require.NoError(t, err)

	_, err = p.GetAgent(context.Background(), "broken")
	assert.ErrorContains(t, err, "failed to parse")

	_, err = p.GetAgent(context.Background(), "other")
	assert.ErrorContains(t, err, "declares uuid")
}

func TestFileProvider_CacheRefreshesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agent-1.yaml", writerYAML)
	p, err := NewFileProvider(dir, 0)
	require.NoError(t, err)

	first, err := p.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	again, err := p.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Same(t, first, again, "unchanged file is served from cache")

	require.NoError(t, os.WriteFile(path, []byte("uuid: agent-1\nname: Renamed Writer\n"), 0644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	updated, err := p.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed Writer", updated.Name)
}
