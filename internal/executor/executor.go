// Package executor runs single tasks of an agent run against the remote
// assistant, streaming output events to the caller while keeping at most one
// execution per conversation in flight.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/harrison/agentrun/internal/assistant"
	"github.com/harrison/agentrun/internal/definitions"
	"github.com/harrison/agentrun/internal/history"
	"github.com/harrison/agentrun/internal/models"
	"github.com/harrison/agentrun/internal/prompt"
	"github.com/harrison/agentrun/internal/reconciler"
	"github.com/harrison/agentrun/internal/render"
	"github.com/harrison/agentrun/internal/threadlock"
)

// Defaults used when Config fields are zero.
const (
	DefaultLockTimeout      = 30 * time.Second
	DefaultStopLockTimeout  = 5 * time.Second
	DefaultExecutionTimeout = 10 * time.Minute
	DefaultEventBuffer      = 16

	persistTimeout = 30 * time.Second
)

var errStopped = errors.New("stopped by user")

// StateStore is the durable task state used by the executor.
type StateStore interface {
	LoadRun(ctx context.Context, runID string) (models.RunMeta, error)
	GetState(ctx context.Context, runID, taskID string) (models.TaskExecutionState, error)
	Begin(ctx context.Context, runID, taskID string, rerun bool, inputs map[string]any) (models.TaskExecutionState, bool, error)
	Succeed(ctx context.Context, runID, taskID string, outputs models.TaskOutputs) (models.TaskExecutionState, error)
	Fail(ctx context.Context, runID, taskID, message string) (models.TaskExecutionState, error)
	Cancel(ctx context.Context, runID, taskID, reason string) (models.TaskExecutionState, error)
	SetConversation(ctx context.Context, runID, taskID, conversationID string) (string, error)
}

// Ledger records finished executions.
type Ledger interface {
	RecordExecution(ctx context.Context, exec *history.Execution) error
}

// Config tunes an Executor.
type Config struct {
	LockTimeout      time.Duration
	StopLockTimeout  time.Duration
	ExecutionTimeout time.Duration
	EventBuffer      int
	FlushThreshold   int
	Prompt           prompt.Builder
}

// Deps are the collaborators of an Executor. Logger, Metrics and Ledger are
// optional.
type Deps struct {
	Store       StateStore
	Definitions definitions.Provider
	Client      assistant.Client
	Locks       *threadlock.Registry
	Reconciler  *reconciler.Reconciler
	Logger      Logger
	Metrics     *Metrics
	Ledger      Ledger
}

// ExecuteOptions modify a single execution.
type ExecuteOptions struct {
	// AllowRerun resets a task that already reached a terminal state (or was
	// left Running by a crashed process) instead of rejecting it.
	AllowRerun bool
	// Inputs replace the task inputs before the task starts.
	Inputs map[string]any
}

// StopResult is the outcome of Stop.
type StopResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Kind    Kind   `json:"-"`
}

// Executor runs tasks. It is safe for concurrent use.
type Executor struct {
	store    StateStore
	defs     definitions.Provider
	client   assistant.Client
	locks    *threadlock.Registry
	recon    *reconciler.Reconciler
	logger   Logger
	metrics  *Metrics
	ledger   Ledger
	renderer *render.Renderer
	cfg      Config

	conversations singleflight.Group

	mu       sync.Mutex
	inflight map[string]*inflight
}

type inflight struct {
	stop           context.CancelCauseFunc
	conversationID string
}

// New creates an Executor.
func New(deps Deps, cfg Config) (*Executor, error) {
	if deps.Store == nil || deps.Definitions == nil || deps.Client == nil {
		return nil, errors.New("executor requires a state store, a definition provider and an assistant client")
	}
	if deps.Locks == nil {
		deps.Locks = threadlock.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = nopLogger{}
	}
	if deps.Reconciler == nil {
		deps.Reconciler = reconciler.New(deps.Client, reconciler.Config{}, deps.Logger)
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.StopLockTimeout <= 0 {
		cfg.StopLockTimeout = DefaultStopLockTimeout
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	return &Executor{
		store:    deps.Store,
		defs:     deps.Definitions,
		client:   deps.Client,
		locks:    deps.Locks,
		recon:    deps.Reconciler,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		ledger:   deps.Ledger,
		renderer: render.New(),
		cfg:      cfg,
		inflight: make(map[string]*inflight),
	}, nil
}

// GetState returns a read-only snapshot of a task's state.
func (e *Executor) GetState(ctx context.Context, runID, taskID string) (models.TaskExecutionState, error) {
	st, err := e.store.GetState(ctx, runID, taskID)
	if err != nil {
		return models.TaskExecutionState{}, classify(err, runID, taskID, "failed to read task state")
	}
	return st, nil
}

// job carries everything one execution needs.
type job struct {
	runID  string
	taskID string
	meta   models.RunMeta
	agent  *models.Agent
	task   *models.TaskDef
	state  models.TaskExecutionState
	opts   ExecuteOptions
	events chan models.OutputEvent
	ctx    context.Context

	conversationID string
	prompt         string
	raw            string
	started        time.Time
}

// Execute starts a task execution and returns its event stream.
//
// Unknown runs or tasks and unreadable state are returned as errors. Every
// other outcome arrives on the channel, which is closed after the last event:
//
//	success:   Update* Final Complete{completed}
//	failure:   Update* Error            (state persisted before the event)
//	busy:      Error{ResourceBusy}      (state unchanged)
//	cancelled: Update* Complete{cancelled}
//
// Sends give up when ctx is done, so an abandoned consumer never blocks the
// execution. Cancelling ctx cancels the execution.
func (e *Executor) Execute(ctx context.Context, runID, taskID string, opts ExecuteOptions) (<-chan models.OutputEvent, error) {
	meta, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, classify(err, runID, taskID, "failed to load run")
	}
	agent, err := e.defs.GetAgent(ctx, meta.AgentID)
	if err != nil {
		return nil, classify(err, runID, taskID, "failed to load agent")
	}
	task, ok := agent.Task(taskID)
	if !ok {
		return nil, NewError(NotFound, runID, taskID, fmt.Sprintf("task not defined on agent %s", meta.AgentID), nil)
	}
	state, err := e.store.GetState(ctx, runID, taskID)
	if err != nil {
		return nil, classify(err, runID, taskID, "failed to load task state")
	}

	j := &job{
		runID:  runID,
		taskID: taskID,
		meta:   meta,
		agent:  agent,
		task:   task,
		state:  state,
		opts:   opts,
		events: make(chan models.OutputEvent, e.cfg.EventBuffer),
		ctx:    ctx,
	}
	go e.run(j)
	return j.events, nil
}

func (e *Executor) run(j *job) {
	defer close(j.events)
	j.started = time.Now()

	lockKey := "task:" + j.runID + "/" + j.taskID
	if j.task.RequiresConversation() {
		id, err := e.ensureConversation(j)
		if err != nil {
			e.failUnlocked(j, classify(err, j.runID, j.taskID, "failed to create conversation"))
			return
		}
		j.conversationID = id
		lockKey = id
	}

	waitStart := time.Now()
	lock, ok := e.locks.Acquire(j.ctx, lockKey, e.cfg.LockTimeout)
	e.metrics.ObserveLockWait(time.Since(waitStart))
	if !ok {
		e.logger.LogWarn("Task %s of run %s: conversation %s busy", j.taskID, j.runID, lockKey)
		e.metrics.ObserveExecution("busy")
		e.emitError(j, NewError(ResourceBusy, j.runID, j.taskID, "thread busy: another execution holds the conversation lock", nil))
		return
	}
	defer e.locks.Release(lock)
	e.metrics.IncActive()
	defer e.metrics.DecActive()

	stopCtx, stop := context.WithCancelCause(j.ctx)
	defer stop(nil)
	execCtx, cancelTimeout := context.WithTimeout(stopCtx, e.cfg.ExecutionTimeout)
	defer cancelTimeout()

	key := j.runID + "/" + j.taskID
	e.mu.Lock()
	e.inflight[key] = &inflight{stop: stop, conversationID: j.conversationID}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
	}()

	if err := e.prepare(execCtx, j); err != nil {
		e.metrics.ObserveExecution(outcomeLabel(err.Kind))
		if err.Kind == Cancelled {
			e.logger.LogInfo("Task %s of run %s cancelled before it started: %s", j.taskID, j.runID, err.Detail())
			e.emit(j, models.OutputEvent{Type: models.EventComplete, Status: models.StatusCancelled})
			return
		}
		e.emitError(j, err)
		return
	}

	if !j.task.RequiresConversation() {
		e.completeTool(j)
		return
	}
	e.stream(execCtx, j)
}

// ensureConversation returns the task's conversation, creating and persisting
// one on first use. Concurrent callers for the same task share one creation.
func (e *Executor) ensureConversation(j *job) (string, error) {
	if j.state.ConversationID != "" {
		return j.state.ConversationID, nil
	}
	v, err, _ := e.conversations.Do(j.runID+"/"+j.taskID, func() (interface{}, error) {
		st, err := e.store.GetState(j.ctx, j.runID, j.taskID)
		if err != nil {
			return "", err
		}
		if st.ConversationID != "" {
			return st.ConversationID, nil
		}
		id, err := e.client.CreateConversation(j.ctx)
		if err != nil {
			return "", err
		}
		e.logger.LogDebug("Created conversation %s for task %s of run %s", id, j.taskID, j.runID)
		pctx, cancel := persistContext()
		defer cancel()
		return e.store.SetConversation(pctx, j.runID, j.taskID, id)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// prepare runs under the lock: it checks the re-run policy, reconciles the
// conversation and only then starts the task, applying the re-run reset and
// the inputs in the same write. On success the task is Running; a busy
// conversation or an interrupted reconciliation leaves the state untouched.
func (e *Executor) prepare(ctx context.Context, j *job) *Error {
	st, err := e.store.GetState(ctx, j.runID, j.taskID)
	if err != nil {
		return e.prepareError(ctx, j, err, "failed to read task state")
	}
	if st.Status != models.StatusPending && !j.opts.AllowRerun {
		return NewError(Conflict, j.runID, j.taskID, fmt.Sprintf("task is %s; re-run not allowed", st.Status), nil)
	}

	if j.conversationID != "" {
		res, err := e.recon.EnsureClean(ctx, j.conversationID)
		e.metrics.AddCancellations(len(res.Cancelled))
		if err != nil {
			execErr := e.prepareError(ctx, j, err, "failed to reconcile conversation")
			if execErr.Kind == RemoteRequestFailed {
				e.persistFailure(j, execErr)
			}
			return execErr
		}
		if len(res.Cancelled) > 0 {
			e.logger.LogInfo("Cancelled %d stale operations on %s", len(res.Cancelled), j.conversationID)
		}
	}

	if st.Status != models.StatusPending {
		e.logger.LogInfo("Resetting task %s of run %s from %s for re-run", j.taskID, j.runID, st.Status)
	}
	st, started, err := e.store.Begin(ctx, j.runID, j.taskID, j.opts.AllowRerun, j.opts.Inputs)
	if err != nil {
		return e.prepareError(ctx, j, err, "failed to start task")
	}
	if !started {
		return NewError(Conflict, j.runID, j.taskID, fmt.Sprintf("task is %s; it was started by another caller", st.Status), nil)
	}
	j.state = st

	j.prompt = e.cfg.Prompt.Build(j.task, st.Inputs, j.agent.Context(), j.meta.LanguagePreference)
	e.logger.LogTrace("Prompt for task %s:\n%s", j.taskID, j.prompt)
	return nil
}

// prepareError classifies a failure before the task started. When the
// execution context ended the cause wins: a deadline is a busy conversation
// and a stop or caller cancellation is a Cancelled outcome.
func (e *Executor) prepareError(ctx context.Context, j *job, err error, msg string) *Error {
	if ctx.Err() == nil {
		return classify(err, j.runID, j.taskID, msg)
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		return NewError(ResourceBusy, j.runID, j.taskID, "execution timed out before the task started", nil)
	case errors.Is(cause, errStopped):
		return NewError(Cancelled, j.runID, j.taskID, errStopped.Error(), nil)
	default:
		return NewError(Cancelled, j.runID, j.taskID, "execution cancelled by caller", nil)
	}
}

// completeTool finishes a task that needs no conversation.
func (e *Executor) completeTool(j *job) {
	outputs := models.TaskOutputs{PromptUsed: j.prompt}
	ctx, cancel := persistContext()
	defer cancel()
	if _, err := e.store.Succeed(ctx, j.runID, j.taskID, outputs); err != nil {
		e.emitError(j, classify(err, j.runID, j.taskID, "failed to persist result"))
		return
	}
	e.emit(j, models.OutputEvent{Type: models.EventFinal})
	e.emit(j, models.OutputEvent{Type: models.EventComplete, Status: models.StatusCompleted})
	e.finish(j, models.StatusCompleted, nil)
}

// Stop cancels a task. An in-process execution is signalled and given
// StopLockTimeout to wind down; otherwise the conversation is force-cancelled
// under its lock, and the task moves to Cancelled only when an operation was
// actually cancelled.
func (e *Executor) Stop(ctx context.Context, runID, taskID string) StopResult {
	st, err := e.store.GetState(ctx, runID, taskID)
	if err != nil {
		execErr := classify(err, runID, taskID, "failed to load task state")
		return StopResult{Message: execErr.Detail(), Kind: execErr.Kind}
	}

	signalled := e.signalStop(runID, taskID)

	lockKey := st.ConversationID
	if lockKey == "" {
		lockKey = "task:" + runID + "/" + taskID
	}
	lock, ok := e.locks.Acquire(ctx, lockKey, e.cfg.StopLockTimeout)
	if !ok {
		msg := "task is executing and did not release its conversation in time"
		if signalled {
			msg = "cancellation requested; execution is still winding down"
		}
		return StopResult{Message: msg, Kind: Conflict}
	}
	defer e.locks.Release(lock)

	if st, err = e.store.GetState(ctx, runID, taskID); err != nil {
		execErr := classify(err, runID, taskID, "failed to load task state")
		return StopResult{Message: execErr.Detail(), Kind: execErr.Kind}
	}

	if st.ConversationID == "" {
		if signalled && st.Status == models.StatusCancelled {
			return StopResult{OK: true, Message: "Task cancelled", Kind: Cancelled}
		}
		return StopResult{OK: true, Message: "No active operations to cancel"}
	}

	res, err := e.recon.EnsureClean(ctx, st.ConversationID)
	e.metrics.AddCancellations(len(res.Cancelled))
	if err != nil {
		execErr := classify(err, runID, taskID, "failed to cancel remote operations")
		return StopResult{Message: execErr.Detail(), Kind: execErr.Kind}
	}

	if len(res.Cancelled) == 0 {
		if signalled && st.Status == models.StatusCancelled {
			return StopResult{OK: true, Message: "Task cancelled", Kind: Cancelled}
		}
		return StopResult{OK: true, Message: "No active operations to cancel"}
	}

	if st.Status == models.StatusRunning {
		if _, err := e.store.Cancel(ctx, runID, taskID, errStopped.Error()); err != nil {
			execErr := classify(err, runID, taskID, "failed to persist cancellation")
			return StopResult{Message: execErr.Detail(), Kind: execErr.Kind}
		}
		e.finish(&job{runID: runID, taskID: taskID, conversationID: st.ConversationID, started: time.Now()}, models.StatusCancelled, nil)
	}
	return StopResult{
		OK:      true,
		Message: fmt.Sprintf("Cancelled %d active operations", len(res.Cancelled)),
		Kind:    Cancelled,
	}
}

func (e *Executor) signalStop(runID, taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.inflight[runID+"/"+taskID]; ok {
		f.stop(errStopped)
		return true
	}
	return false
}

// failUnlocked persists and reports a failure that happened before the lock
// was taken.
func (e *Executor) failUnlocked(j *job, err *Error) {
	if err.Kind == RemoteRequestFailed {
		e.persistFailure(j, err)
	}
	e.metrics.ObserveExecution(outcomeLabel(err.Kind))
	e.emitError(j, err)
}

// persistFailure moves the task to Error. The task is started first, with
// the execution's re-run policy and inputs, so the transition stays within
// the state machine.
func (e *Executor) persistFailure(j *job, err *Error) {
	ctx, cancel := persistContext()
	defer cancel()
	st, started, startErr := e.store.Begin(ctx, j.runID, j.taskID, j.opts.AllowRerun, j.opts.Inputs)
	if startErr != nil {
		e.logger.LogError("Failed to record failure of task %s: %v", j.taskID, startErr)
		return
	}
	if !started {
		e.logger.LogWarn("Not recording failure of task %s: task is %s", j.taskID, st.Status)
		return
	}
	if _, failErr := e.store.Fail(ctx, j.runID, j.taskID, err.Detail()); failErr != nil {
		e.logger.LogError("Failed to record failure of task %s: %v", j.taskID, failErr)
		return
	}
	e.finish(j, models.StatusError, err)
}

// emit sends an event unless the caller has gone away.
func (e *Executor) emit(j *job, ev models.OutputEvent) bool {
	select {
	case j.events <- ev:
		e.metrics.ObserveEvent(string(ev.Type))
		return true
	case <-j.ctx.Done():
		return false
	}
}

func (e *Executor) emitError(j *job, err *Error) {
	e.logger.LogWarn("Task %s of run %s: %s", j.taskID, j.runID, err.Error())
	e.emit(j, models.OutputEvent{
		Type:      models.EventError,
		ErrorKind: err.Kind.String(),
		Error:     err.Detail(),
		Retryable: err.Kind.Retryable(),
	})
}

// finish reports a terminal execution to the logger, metrics and ledger.
func (e *Executor) finish(j *job, status models.Status, err *Error) {
	summary := models.ExecutionSummary{
		RunID:          j.runID,
		TaskID:         j.taskID,
		ConversationID: j.conversationID,
		Status:         status,
		Prompt:         j.prompt,
		RawOutput:      j.raw,
		Duration:       time.Since(j.started),
		FinishedAt:     time.Now(),
	}
	if j.task != nil {
		summary.TaskName = j.task.Name
	}
	if err != nil {
		summary.ErrorKind = err.Kind.String()
		summary.Error = err.Detail()
	}
	if err == nil {
		e.metrics.ObserveExecution(string(status))
	}
	e.logger.LogExecution(summary)
	if e.ledger != nil {
		ctx, cancel := persistContext()
		defer cancel()
		if lerr := e.ledger.RecordExecution(ctx, history.FromSummary(summary)); lerr != nil {
			e.logger.LogWarn("Failed to record execution of task %s: %v", j.taskID, lerr)
		}
	}
}

func outcomeLabel(kind Kind) string {
	switch kind {
	case ResourceBusy:
		return "busy"
	case Conflict:
		return "conflict"
	case Cancelled:
		return string(models.StatusCancelled)
	default:
		return string(models.StatusError)
	}
}

// persistContext returns a context for terminal writes that must land even
// when the caller has gone away.
func persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), persistTimeout)
}
