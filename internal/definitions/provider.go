// Package definitions loads agent and task definitions from disk.
//
// Each agent lives in its own file named after its uuid, in YAML or JSON:
//
//	<dir>/<agent-uuid>.yaml | .yml | .json
package definitions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/harrison/agentrun/internal/models"
)

// DefaultCacheSize is the number of agents kept in memory.
const DefaultCacheSize = 128

// ErrNotFound is returned for unknown agents or tasks.
var ErrNotFound = errors.New("definition not found")

var extensions = []string{".yaml", ".yml", ".json"}

// Provider supplies read-only definitions to the executor.
type Provider interface {
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
	GetTaskDefinition(ctx context.Context, agentID, taskID string) (*models.TaskDef, error)
}

type cachedAgent struct {
	agent   *models.Agent
	path    string
	modTime time.Time
	size    int64
}

// FileProvider reads definitions from a directory. Parsed agents are cached
// and re-read when the file's size or modification time changes. Returned
// values are shared and must not be modified.
type FileProvider struct {
	dir   string
	cache *lru.Cache[string, cachedAgent]
	mu    sync.Mutex
}

// NewFileProvider creates a provider for dir. cacheSize <= 0 uses the default.
func NewFileProvider(dir string, cacheSize int) (*FileProvider, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, cachedAgent](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create definition cache: %w", err)
	}
	return &FileProvider{dir: dir, cache: cache}, nil
}

// GetAgent returns the agent definition.
func (p *FileProvider) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	if agentID == "" || strings.ContainsAny(agentID, `/\`) || strings.HasPrefix(agentID, ".") {
		return nil, fmt.Errorf("invalid agent id %q: %w", agentID, ErrNotFound)
	}

	path, info, err := p.locate(agentID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache.Get(agentID); ok &&
		entry.path == path && entry.modTime.Equal(info.ModTime()) && entry.size == info.Size() {
		return entry.agent, nil
	}

	agent, err := load(path, agentID)
	if err != nil {
		return nil, err
	}
	p.cache.Add(agentID, cachedAgent{agent: agent, path: path, modTime: info.ModTime(), size: info.Size()})
	return agent, nil
}

// GetTaskDefinition returns one task of an agent.
func (p *FileProvider) GetTaskDefinition(ctx context.Context, agentID, taskID string) (*models.TaskDef, error) {
	agent, err := p.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	task, ok := agent.Task(taskID)
	if !ok {
		return nil, fmt.Errorf("task %s of agent %s: %w", taskID, agentID, ErrNotFound)
	}
	return task, nil
}

func (p *FileProvider) locate(agentID string) (string, os.FileInfo, error) {
	for _, ext := range extensions {
		path := filepath.Join(p.dir, agentID+ext)
		info, err := os.Stat(path)
		if err == nil {
			return path, info, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}
	return "", nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
}

// load parses an agent file. JSON is valid YAML, so one decoder serves both.
// A missing uuid defaults to the file name.
func load(path, agentID string) (*models.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var agent models.Agent
	if err := yaml.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if agent.UUID == "" {
		agent.UUID = agentID
	}
	if agent.UUID != agentID {
		return nil, fmt.Errorf("%s declares uuid %q, expected %q", path, agent.UUID, agentID)
	}
	if err := agent.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent definition %s: %w", path, err)
	}
	return &agent, nil
}
