// Package runstate persists per-task execution state. Each run is one JSON
// record under the state directory; every mutation is a locked
// read-modify-write that validates the new record before atomically
// replacing the old one.
package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/agentrun/internal/filelock"
	"github.com/harrison/agentrun/internal/models"
)

var (
	// ErrNotFound is returned for unknown runs or tasks.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt is returned when a stored record cannot be decoded or
	// violates the state invariants. It is never repaired automatically.
	ErrCorrupt = errors.New("corrupt run record")
)

// DefaultLockTimeout bounds the wait for the cross-process record lock.
const DefaultLockTimeout = 10 * time.Second

// Store is a file-backed run-state store.
type Store struct {
	dir         string
	lockTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLockTimeout sets the cross-process lock timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewStore returns a store keeping records in dir.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:         dir,
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		runLocks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(s.dir, runID+".json"), nil
}

func (s *Store) runLock(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.runLocks[runID]
	if !ok {
		m = &sync.Mutex{}
		s.runLocks[runID] = m
	}
	return m
}

// CreateRun instantiates a run from an agent: one Pending state per task
// definition, ordered as the agent lists them.
func (s *Store) CreateRun(ctx context.Context, agent *models.Agent, name, language string) (*models.Run, error) {
	if err := agent.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent: %w", err)
	}
	if language == "" {
		language = models.LanguageAuto
	}
	if name == "" {
		name = agent.Name
	}

	now := s.now()
	run := &models.Run{
		UUID:               uuid.New().String(),
		AgentUUID:          agent.UUID,
		Name:               name,
		LanguagePreference: language,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for _, task := range agent.Tasks {
		run.TaskStates = append(run.TaskStates, models.NewTaskExecutionState(run.UUID, task.UUID, now))
	}

	path, err := s.path(run.UUID)
	if err != nil {
		return nil, err
	}
	err = s.withRecordLock(ctx, run.UUID, path, func() error {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("run %s already exists", run.UUID)
		}
		data, err := encode(run)
		if err != nil {
			return err
		}
		return filelock.AtomicWrite(path, data, validateRecord)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun reads a run. Reads take no lock: records are only ever replaced by
// rename, so a reader sees a complete old or new record.
func (s *Store) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	path, err := s.path(runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	return decode(path, data)
}

// LoadRun returns the run metadata needed before executing a task.
func (s *Store) LoadRun(ctx context.Context, runID string) (models.RunMeta, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return models.RunMeta{}, err
	}
	return run.Meta(), nil
}

// GetState returns a snapshot of one task's state.
func (s *Store) GetState(ctx context.Context, runID, taskID string) (models.TaskExecutionState, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return models.TaskExecutionState{}, err
	}
	st, ok := run.TaskState(taskID)
	if !ok {
		return models.TaskExecutionState{}, fmt.Errorf("task %s in run %s: %w", taskID, runID, ErrNotFound)
	}
	return st.Clone(), nil
}

// Progress summarises the task states of a run.
func (s *Store) Progress(ctx context.Context, runID string) (models.Progress, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return models.Progress{}, err
	}
	return run.Progress(), nil
}

// errNoChange aborts an update without writing.
var errNoChange = errors.New("no change")

// Update applies fn to the task state as one atomic read-modify-write and
// returns the resulting snapshot. If fn fails nothing is written.
func (s *Store) Update(ctx context.Context, runID, taskID string, fn func(st *models.TaskExecutionState, now time.Time) error) (models.TaskExecutionState, error) {
	path, err := s.path(runID)
	if err != nil {
		return models.TaskExecutionState{}, err
	}

	var result models.TaskExecutionState
	err = s.withRecordLock(ctx, runID, path, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("run %s: %w", runID, ErrNotFound)
			}
			return fmt.Errorf("failed to read run %s: %w", runID, err)
		}
		run, err := decode(path, data)
		if err != nil {
			return err
		}
		st, ok := run.TaskState(taskID)
		if !ok {
			return fmt.Errorf("task %s in run %s: %w", taskID, runID, ErrNotFound)
		}

		now := s.now()
		working := st.Clone()
		if err := fn(&working, now); err != nil {
			result = st.Clone()
			return err
		}
		*st = working
		run.UpdatedAt = now
		result = working.Clone()

		next, err := encode(run)
		if err != nil {
			return err
		}
		return filelock.AtomicWrite(path, next, validateRecord)
	})
	if errors.Is(err, errNoChange) {
		return result, nil
	}
	return result, err
}

// Start moves the task to Running. started is false, and nothing is written,
// when the task is not Pending.
func (s *Store) Start(ctx context.Context, runID, taskID string) (st models.TaskExecutionState, started bool, err error) {
	st, err = s.Update(ctx, runID, taskID, func(st *models.TaskExecutionState, now time.Time) error {
		if !st.Start(now) {
			return errNoChange
		}
		started = true
		return nil
	})
	return st, started, err
}

// Begin starts an execution in one write: a finished (or abandoned Running)
// task is reset when rerun is set, non-nil inputs replace the current ones,
// and the task moves to Running. started is false, and nothing is written,
// when the task is not Pending and rerun is not set.
func (s *Store) Begin(ctx context.Context, runID, taskID string, rerun bool, inputs map[string]any) (st models.TaskExecutionState, started bool, err error) {
	st, err = s.Update(ctx, runID, taskID, func(st *models.TaskExecutionState, now time.Time) error {
		if st.Status != models.StatusPending {
			if !rerun {
				return errNoChange
			}
			if err := st.Reset(now); err != nil {
				return err
			}
		}
		if inputs != nil {
			if err := st.SetInputs(inputs, now); err != nil {
				return err
			}
		}
		if !st.Start(now) {
			return errNoChange
		}
		started = true
		return nil
	})
	return st, started, err
}

// Succeed moves a Running task to Completed.
func (s *Store) Succeed(ctx context.Context, runID, taskID string, outputs models.TaskOutputs) (models.TaskExecutionState, error) {
	return s.Update(ctx, runID, taskID, func(st *models.TaskExecutionState, now time.Time) error {
		return st.Succeed(outputs, now)
	})
}

// Fail moves a Running task to Error.
func (s *Store) Fail(ctx context.Context, runID, taskID, message string) (models.TaskExecutionState, error) {
	return s.Update(ctx, runID, taskID, func(st *models.TaskExecutionState, now time.Time) error {
		return st.Fail(message, now)
	})
}

// Cancel moves a Running task to Cancelled.
func (s *Store) Cancel(ctx context.Context, runID, taskID, reason string) (models.TaskExecutionState, error) {
	return s.Update(ctx, runID, taskID, func(st *models.TaskExecutionState, now time.Time) error {
		return st.Cancel(reason, now)
	})
}

// Reset returns the task to Pending for an explicit re-run.
func (s *Store) Reset(ctx context.Context, runID, taskID string) (models.TaskExecutionState, error) {
	return s.Update(ctx, runID, taskID, func(st *models.TaskExecutionState, now time.Time) error {
		if st.Status == models.StatusPending {
			return errNoChange
		}
		return st.Reset(now)
	})
}

// SetInputs replaces the inputs of a Pending task.
func (s *Store) SetInputs(ctx context.Context, runID, taskID string, inputs map[string]any) (models.TaskExecutionState, error) {
	return s.Update(ctx, runID, taskID, func(st *models.TaskExecutionState, now time.Time) error {
		return st.SetInputs(inputs, now)
	})
}

// SetConversation records the conversation id unless one is already set and
// returns the id the state holds afterwards.
func (s *Store) SetConversation(ctx context.Context, runID, taskID, conversationID string) (string, error) {
	st, err := s.Update(ctx, runID, taskID, func(st *models.TaskExecutionState, now time.Time) error {
		if st.ConversationID != "" {
			return errNoChange
		}
		st.SetConversation(conversationID, now)
		return nil
	})
	if err != nil {
		return "", err
	}
	return st.ConversationID, nil
}

func (s *Store) withRecordLock(ctx context.Context, runID, path string, fn func() error) error {
	m := s.runLock(runID)
	m.Lock()
	defer m.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	return filelock.WithLock(lockCtx, path, fn)
}

func encode(run *models.Run) ([]byte, error) {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode run %s: %w", run.UUID, err)
	}
	return data, nil
}

func decode(path string, data []byte) (*models.Run, error) {
	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if err := run.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return &run, nil
}

func validateRecord(data []byte) error {
	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return err
	}
	return run.Validate()
}
