package executor

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/agentrun/internal/assistant"
	"github.com/harrison/agentrun/internal/assistant/assistanttest"
	"github.com/harrison/agentrun/internal/definitions"
	"github.com/harrison/agentrun/internal/history"
	"github.com/harrison/agentrun/internal/models"
	"github.com/harrison/agentrun/internal/reconciler"
	"github.com/harrison/agentrun/internal/runstate"
	"github.com/harrison/agentrun/internal/threadlock"
)

const agentYAML = `uuid: agent-1
name: Writer
description: Writes short articles
assistant_id: asst_123
tasks:
  - uuid: draft
    name: Draft
    ai_config:
      instructions: Write about {{topic}}.
  - uuid: publish
    name: Publish
    type: tool
  - uuid: summary
    name: Summary
    output_type: markdown
    instructions: Summarise the draft.
`

type harness struct {
	fake    *assistanttest.Fake
	store   *runstate.Store
	locks   *threadlock.Registry
	ledger  *history.Store
	metrics *Metrics
	exec    *Executor
	runID   string
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()

	defDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(defDir, "agent-1.yaml"), []byte(agentYAML), 0644))
	defs, err := definitions.NewFileProvider(defDir, 0)
	require.NoError(t, err)
	agent, err := defs.GetAgent(ctx, "agent-1")
	require.NoError(t, err)

	store := runstate.NewStore(t.TempDir())
	run, err := store.CreateRun(ctx, agent, "", "")
	require.NoError(t, err)

	ledger, err := history.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	fake := assistanttest.New()
	locks := threadlock.NewRegistry()
	metrics := MustNewMetrics(prometheus.NewRegistry())
	cfg := Config{LockTimeout: 2 * time.Second, StopLockTimeout: 2 * time.Second}
	for _, m := range mutate {
		m(&cfg)
	}

	exec, err := New(Deps{
		Store:       store,
		Definitions: defs,
		Client:      fake,
		Locks:       locks,
		Reconciler:  reconciler.New(fake, reconciler.Config{GracePeriod: 200 * time.Millisecond, PollInterval: 10 * time.Millisecond}, nil),
		Metrics:     metrics,
		Ledger:      ledger,
	}, cfg)
	require.NoError(t, err)

	return &harness{fake: fake, store: store, locks: locks, ledger: ledger, metrics: metrics, exec: exec, runID: run.UUID}
}

func (h *harness) state(t *testing.T, taskID string) models.TaskExecutionState {
	t.Helper()
	st, err := h.exec.GetState(context.Background(), h.runID, taskID)
	require.NoError(t, err)
	return st
}

func (h *harness) useConversation(t *testing.T, taskID, conversationID string, ops ...assistant.Operation) {
	t.Helper()
	h.fake.AddConversation(conversationID, ops...)
	id, err := h.store.SetConversation(context.Background(), h.runID, taskID, conversationID)
	require.NoError(t, err)
	require.Equal(t, conversationID, id)
}

func collect(t *testing.T, ch <-chan models.OutputEvent) []models.OutputEvent {
	t.Helper()
	var events []models.OutputEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("event stream not closed; got %d events", len(events))
			return nil
		}
	}
}

func last(events []models.OutputEvent) models.OutputEvent {
	if len(events) == 0 {
		return models.OutputEvent{}
	}
	return events[len(events)-1]
}

func TestExecute_CancelsStaleRunAndStreams(t *testing.T) {
	h := newHarness(t)
	h.useConversation(t, "draft", "thread_1",
		assistant.Operation{ID: "run_old", Status: assistant.StatusInProgress})
	h.fake.Enqueue(assistanttest.Script{Deltas: []string{"Hel", "lo wo", "rld."}})

	ch, err := h.exec.Execute(context.Background(), h.runID, "draft", ExecuteOptions{
		Inputs: map[string]any{"topic": "otters"},
	})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 5)
	for i, chunk := range []string{"Hel", "lo wo", "rld."} {
		assert.Equal(t, models.OutputEvent{Type: models.EventUpdate, Content: chunk, Incremental: true}, events[i])
	}
	assert.Equal(t, models.EventFinal, events[3].Type)
	assert.Equal(t, `<div class="text-content"><pre class="whitespace-pre-wrap">Hello world.</pre></div>`, events[3].Content)
	assert.Equal(t, models.OutputEvent{Type: models.EventComplete, Status: models.StatusCompleted}, events[4])

	st := h.state(t, "draft")
	assert.Equal(t, models.StatusCompleted, st.Status)
	require.NotNil(t, st.Outputs)
	assert.Equal(t, "Hello world.", st.Outputs.RawContent)
	assert.Equal(t, "thread_1", st.Outputs.ConversationID)
	assert.Equal(t, "asst_123", st.Outputs.AssistantID)
	assert.Contains(t, st.Outputs.PromptUsed, "Write about otters.")
	assert.NotNil(t, st.ExecutionTimeSeconds)

	assert.Equal(t, []string{"run_old"}, h.fake.CancelCalls())
	msgs := h.fake.Messages("thread_1")
	require.Len(t, msgs, 1)
	assert.Equal(t, st.Outputs.PromptUsed, msgs[0])

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.executions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.cancellations))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.active))

	records, err := h.ledger.GetExecutionHistory(context.Background(), h.runID, "draft")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusCompleted, records[0].Status)
	assert.Equal(t, "Hello world.", records[0].Output)
	assert.Equal(t, "Draft", records[0].TaskName)
}

func TestExecute_CreatesConversationOnce(t *testing.T) {
	h := newHarness(t)
	h.fake.Enqueue(
		assistanttest.Script{Deltas: []string{"one", " two"}, DeltaDelay: 30 * time.Millisecond},
		assistanttest.Script{Deltas: []string{"three"}},
	)

	var wg sync.WaitGroup
	results := make([][]models.OutputEvent, 2)
	for i := range results {
		ch, err := h.exec.Execute(context.Background(), h.runID, "draft", ExecuteOptions{})
		require.NoError(t, err)
		wg.Add(1)
		go func(i int, ch <-chan models.OutputEvent) {
			defer wg.Done()
			results[i] = collect(t, ch)
		}(i, ch)
	}
	wg.Wait()

	assert.Equal(t, 1, h.fake.Created())
	var completed, conflicts int
	for _, events := range results {
		switch ev := last(events); ev.Type {
		case models.EventComplete:
			completed++
		case models.EventError:
			assert.Equal(t, Conflict.String(), ev.ErrorKind)
			conflicts++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, conflicts)

	st := h.state(t, "draft")
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.NotEmpty(t, st.ConversationID)
}

func TestExecute_BusyConversation(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.LockTimeout = 50 * time.Millisecond })
	h.useConversation(t, "draft", "thread_busy")

	held, ok := h.locks.Acquire(context.Background(), "thread_busy", 0)
	require.True(t, ok)
	defer h.locks.Release(held)

	before := h.state(t, "draft")
	ch, err := h.exec.Execute(context.Background(), h.runID, "draft", ExecuteOptions{})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].Type)
	assert.Equal(t, ResourceBusy.String(), events[0].ErrorKind)
	assert.True(t, events[0].Retryable)

	after := h.state(t, "draft")
	assert.Equal(t, before, after)
	assert.Empty(t, h.fake.Messages("thread_busy"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.executions.WithLabelValues("busy")))
}

func TestExecute_Failures(t *testing.T) {
	tests := []struct {
		name      string
		script    assistanttest.Script
		setup     func(f *assistanttest.Fake)
		wantKind  Kind
		wantError string
	}{
		{
			name:      "no response",
			script:    assistanttest.Script{},
			wantKind:  NoResponse,
			wantError: "no response received",
		},
		{
			name:      "remote run failed",
			script:    assistanttest.Script{Deltas: []string{"partial"}, FinalStatus: assistant.StatusFailed, FailMessage: "rate limited"},
			wantKind:  RemoteRequestFailed,
			wantError: "remote run failed: rate limited",
		},
		{
			name:   "send rejected",
			script: assistanttest.Script{},
			setup: func(f *assistanttest.Fake) {
				f.SendErr = &assistant.RequestError{Op: "send message", StatusCode: 500, Body: "boom"}
			},
			wantKind:  RemoteRequestFailed,
			wantError: "failed to send message",
		},
		{
			name:      "start rejected",
			script:    assistanttest.Script{StartErr: &assistant.RequestError{Op: "start run", StatusCode: 404, Body: "no assistant"}},
			wantKind:  RemoteRequestFailed,
			wantError: "failed to start run",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.useConversation(t, "draft", "thread_1")
			if tt.setup != nil {
				tt.setup(h.fake)
			}
			h.fake.Enqueue(tt.script)

			ch, err := h.exec.Execute(context.Background(), h.runID, "draft", ExecuteOptions{})
			require.NoError(t, err)
			ev := last(collect(t, ch))

			assert.Equal(t, models.EventError, ev.Type)
			assert.Equal(t, tt.wantKind.String(), ev.ErrorKind)
			assert.False(t, ev.Retryable)
			assert.Contains(t, ev.Error, tt.wantError)

			st := h.state(t, "draft")
			assert.Equal(t, models.StatusError, st.Status)
			assert.Contains(t, st.Error, tt.wantError)
			assert.Nil(t, st.Outputs)

			records, err := h.ledger.GetExecutionHistory(context.Background(), h.runID, "draft")
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, tt.wantKind.String(), records[0].ErrorKind)
		})
	}
}

func TestExecute_ReconcileListFailure(t *testing.T) {
	h := newHarness(t)
	h.useConversation(t, "draft", "thread_1")
	h.fake.ListErr = &assistant.RequestError{Op: "list operations", StatusCode: 503, Body: "unavailable"}

	ch, err := h.exec.Execute(context.Background(), h.runID, "draft", ExecuteOptions{})
	require.NoError(t, err)
	ev := last(collect(t, ch))

	assert.Equal(t, RemoteRequestFailed.String(), ev.ErrorKind)
	assert.Equal(t, models.StatusError, h.state(t, "draft").Status)
	assert.Empty(t, h.fake.Messages("thread_1"))
}

func TestExecute_ReconcileStillBusy(t *testing.T) {
	h := newHarness(t)
	h.fake.IgnoreCancel = true
	h.useConversation(t, "draft", "thread_1",
		assistant.Operation{ID: "run_stuck", Status: assistant.StatusInProgress})

	ch, err := h.exec.Execute(context.Background(), h.runID, "draft", ExecuteOptions{})
	require.NoError(t, err)
	ev := last(collect(t, ch))

	assert.Equal(t, ResourceBusy.String(), ev.ErrorKind)
	assert.True(t, ev.Retryable)
	assert.Contains(t, ev.Error, "run_stuck")
	assert.Equal(t, models.StatusPending, h.state(t, "draft").Status)
}

func TestExecute_BusyRerunKeepsFinishedState(t *testing.T) {
	h := newHarness(t)
	h.useConversation(t, "draft", "thread_1")
	h.fake.Enqueue(assistanttest.Script{Deltas: []string{"first."}})
	ctx := context.Background()

	ch, err := h.exec.Execute(ctx, h.runID, "draft", ExecuteOptions{Inputs: map[string]any{"topic": "otters"}})
	require.NoError(t, err)
	require.Equal(t, models.EventComplete, last(collect(t, ch)).Type)
	before := h.state(t, "draft")

	h.fake.IgnoreCancel = true
	h.fake.AddConversation("thread_1", assistant.Operation{ID: "run_stuck", Status: assistant.StatusInProgress})

	ch, err = h.exec.Execute(ctx, h.runID, "draft", ExecuteOptions{AllowRerun: true, Inputs: map[string]any{"topic": "x"}})
	require.NoError(t, err)
	ev := last(collect(t, ch))
	assert.Equal(t, ResourceBusy.String(), ev.ErrorKind)

	after := h.state(t, "draft")
	assert.Equal(t, models.StatusCompleted, after.Status)
	require.NotNil(t, after.Outputs)
	assert.Equal(t, "first.", after.Outputs.RawContent)
	assert.Equal(t, "otters", after.Inputs["topic"])
	assert.Equal(t, before.CompletedAt, after.CompletedAt)

	records, err := h.ledger.GetExecutionHistory(ctx, h.runID, "draft")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestExecute_FailureOnFinishedTaskKeepsState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, started, err := h.store.Start(ctx, h.runID, "draft")
	require.NoError(t, err)
	require.True(t, started)
	_, err = h.store.Succeed(ctx, h.runID, "draft", models.TaskOutputs{RawContent: "done."})
	require.NoError(t, err)
	h.fake.CreateErr = &assistant.RequestError{Op: "create thread", StatusCode: 401, Body: "bad key"}

	ch, err := h.exec.Execute(ctx, h.runID, "draft", ExecuteOptions{})
	require.NoError(t, err)
	ev := last(collect(t, ch))
	assert.Equal(t, RemoteRequestFailed.String(), ev.ErrorKind)
	assert.Contains(t, ev.Error, "failed to create conversation")

	st := h.state(t, "draft")
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Empty(t, st.Error)
	assert.Equal(t, "done.", st.Outputs.RawContent)

	records, err := h.ledger.GetExecutionHistory(ctx, h.runID, "draft")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExecute_CallerCancelsDuringReconciliation(t *testing.T) {
	h := newHarness(t)
	h.fake.IgnoreCancel = true
	h.useConversation(t, "draft", "thread_1",
		assistant.Operation{ID: "run_stuck", Status: assistant.StatusInProgress})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := h.exec.Execute(ctx, h.runID, "draft", ExecuteOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.fake.CancelCalls()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()

	for _, ev := range collect(t, ch) {
		assert.Equal(t, models.OutputEvent{Type: models.EventComplete, Status: models.StatusCancelled}, ev)
	}
	st := h.state(t, "draft")
	assert.Equal(t, models.StatusPending, st.Status)
	assert.Empty(t, st.Error)
	assert.Empty(t, h.fake.Messages("thread_1"))
}

func TestExecute_RerunPolicy(t *testing.T) {
	h := newHarness(t)
	h.useConversation(t, "draft", "thread_1")
	h.fake.Enqueue(
		assistanttest.Script{Deltas: []string{"first."}},
		assistanttest.Script{Deltas: []string{"second."}},
	)
	ctx := context.Background()

	ch, err := h.exec.Execute(ctx, h.runID, "draft", ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.EventComplete, last(collect(t, ch)).Type)

	ch, err = h.exec.Execute(ctx, h.runID, "draft", ExecuteOptions{})
	require.NoError(t, err)
	ev := last(collect(t, ch))
	assert.Equal(t, Conflict.String(), ev.ErrorKind)
	assert.Equal(t, "first.", h.state(t, "draft").Outputs.RawContent)

	ch, err = h.exec.Execute(ctx, h.runID, "draft", ExecuteOptions{AllowRerun: true})
	require.NoError(t, err)
	assert.Equal(t, models.EventComplete, last(collect(t, ch)).Type)

	st := h.state(t, "draft")
	assert.Equal(t, "second.", st.Outputs.RawContent)
	assert.Equal(t, "thread_1", st.ConversationID)
	assert.Len(t, h.fake.Messages("thread_1"), 2)
}

func TestExecute_SerializesPerConversation(t *testing.T) {
	h := newHarness(t)
	h.useConversation(t, "draft", "thread_1")
	h.fake.Enqueue(
		assistanttest.Script{Deltas: []string{"a", "b"}, DeltaDelay: 40 * time.Millisecond},
		assistanttest.Script{Deltas: []string{"c", "d"}, DeltaDelay: 40 * time.Millisecond},
	)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		ch, err := h.exec.Execute(context.Background(), h.runID, "draft", ExecuteOptions{AllowRerun: true})
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, models.EventComplete, last(collect(t, ch)).Type)
		}()
	}
	wg.Wait()

	intervals := h.fake.Intervals("thread_1")
	require.Len(t, intervals, 2)
	sort.Slice(intervals, func(i, j int) bool { return intervals[i].Start.Before(intervals[j].Start) })
	assert.False(t, intervals[1].Start.Before(intervals[0].End), "streaming runs overlapped")
}

func TestExecute_IndependentConversations(t *testing.T) {
	h := newHarness(t)
	h.useConversation(t, "draft", "thread_a")
	h.useConversation(t, "summary", "thread_b")
	h.fake.Enqueue(
		assistanttest.Script{Deltas: []string{"x", "y"}, DeltaDelay: 150 * time.Millisecond},
		assistanttest.Script{Deltas: []string{"x", "y"}, DeltaDelay: 150 * time.Millisecond},
	)

	start := time.Now()
	var wg sync.WaitGroup
	for _, task := range []string{"draft", "summary"} {
		ch, err := h.exec.Execute(context.Background(), h.runID, task, ExecuteOptions{})
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			collect(t, ch)
		}()
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 550*time.Millisecond)
	assert.Equal(t, models.StatusCompleted, h.state(t, "draft").Status)
	assert.Equal(t, models.StatusCompleted, h.state(t, "summary").Status)
}

func TestExecute_MarkdownReRendersBuffer(t *testing.T) {
	h := newHarness(t)
	h.useConversation(t, "summary", "thread_1")
	h.fake.Enqueue(assistanttest.Script{Deltas: []string{"# Title\n", "Body text"}})

	ch, err := h.exec.Execute(context.Background(), h.runID, "summary", ExecuteOptions{})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 3)
	assert.Equal(t, models.EventUpdate, events[0].Type)
	assert.False(t, events[0].Incremental)
	assert.Contains(t, events[0].Content, "<h1>Title</h1>")
	assert.Equal(t, models.EventFinal, events[1].Type)
	assert.Contains(t, events[1].Content, `<div class="markdown-content">`)
	assert.Contains(t, events[1].Content, "<p>Body text</p>")
	assert.Equal(t, events[1].Content, h.state(t, "summary").Outputs.RenderedContent)
}

func TestExecute_ToolTask(t *testing.T) {
	h := newHarness(t)

	ch, err := h.exec.Execute(context.Background(), h.runID, "publish", ExecuteOptions{})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 2)
	assert.Equal(t, models.EventFinal, events[0].Type)
	assert.Equal(t, models.OutputEvent{Type: models.EventComplete, Status: models.StatusCompleted}, events[1])
	assert.Equal(t, 0, h.fake.Created())

	st := h.state(t, "publish")
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Empty(t, st.ConversationID)
}

func TestExecute_SynchronousErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.exec.Execute(ctx, "missing-run", "draft", ExecuteOptions{})
	assert.True(t, IsNotFound(err), "got %v", err)

	_, err = h.exec.Execute(ctx, h.runID, "missing-task", ExecuteOptions{})
	assert.True(t, IsNotFound(err), "got %v", err)

	path := filepath.Join(h.store.Dir(), h.runID+".json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err = h.exec.Execute(ctx, h.runID, "draft", ExecuteOptions{})
	assert.True(t, IsInternalInconsistency(err), "got %v", err)

	_, err = h.exec.GetState(ctx, h.runID, "draft")
	assert.True(t, IsInternalInconsistency(err), "got %v", err)
}

func TestExecute_Timeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ExecutionTimeout = 100 * time.Millisecond })
	h.useConversation(t, "draft", "thread_1")
	h.fake.Enqueue(assistanttest.Script{Deltas: []string{"slow"}, Block: true})

	ch, err := h.exec.Execute(context.Background(), h.runID, "draft", ExecuteOptions{})
	require.NoError(t, err)
	ev := last(collect(t, ch))

	assert.Equal(t, RemoteRequestFailed.String(), ev.ErrorKind)
	assert.Equal(t, "execution timed out", ev.Error)
	st := h.state(t, "draft")
	assert.Equal(t, models.StatusError, st.Status)
	assert.Equal(t, "execution timed out", st.Error)
}

func TestExecute_CallerCancels(t *testing.T) {
	h := newHarness(t)
	h.useConversation(t, "draft", "thread_1")
	h.fake.Enqueue(assistanttest.Script{Deltas: []string{"partial"}, Block: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := h.exec.Execute(ctx, h.runID, "draft", ExecuteOptions{})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, models.EventUpdate, first.Type)
	cancel()
	collect(t, ch)

	st := h.state(t, "draft")
	assert.Equal(t, models.StatusCancelled, st.Status)
	assert.Equal(t, "execution cancelled by caller", st.CancelReason)
}

func TestStop_NothingToCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.exec.Stop(ctx, h.runID, "draft")
	assert.True(t, res.OK)
	assert.Equal(t, "No active operations to cancel", res.Message)

	h.useConversation(t, "draft", "thread_1")
	res = h.exec.Stop(ctx, h.runID, "draft")
	assert.True(t, res.OK)
	assert.Equal(t, "No active operations to cancel", res.Message)
	assert.Equal(t, models.StatusPending, h.state(t, "draft").Status)
	assert.Empty(t, h.fake.CancelCalls())
}

func TestStop_DuringStream(t *testing.T) {
	h := newHarness(t)
	h.useConversation(t, "draft", "thread_1")
	h.fake.Enqueue(assistanttest.Script{Deltas: []string{"partial"}, Block: true})

	ch, err := h.exec.Execute(context.Background(), h.runID, "draft", ExecuteOptions{})
	require.NoError(t, err)
	first := <-ch
	require.Equal(t, models.EventUpdate, first.Type)

	res := h.exec.Stop(context.Background(), h.runID, "draft")
	assert.True(t, res.OK, res.Message)
	assert.Equal(t, Cancelled, res.Kind)

	events := collect(t, ch)
	assert.Equal(t, models.OutputEvent{Type: models.EventComplete, Status: models.StatusCancelled}, last(events))

	st := h.state(t, "draft")
	assert.Equal(t, models.StatusCancelled, st.Status)
	assert.Equal(t, "stopped by user", st.CancelReason)
	assert.Nil(t, st.Outputs)
}

func TestStop_DuringReconciliation(t *testing.T) {
	h := newHarness(t)
	h.fake.IgnoreCancel = true
	h.useConversation(t, "draft", "thread_1",
		assistant.Operation{ID: "run_stuck", Status: assistant.StatusInProgress})

	ch, err := h.exec.Execute(context.Background(), h.runID, "draft", ExecuteOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.fake.CancelCalls()) > 0 }, time.Second, 5*time.Millisecond)
	h.fake.SetIgnoreCancel(false)

	res := h.exec.Stop(context.Background(), h.runID, "draft")
	assert.True(t, res.OK, res.Message)
	assert.Equal(t, Cancelled, res.Kind)
	assert.Equal(t, "Cancelled 1 active operations", res.Message)

	events := collect(t, ch)
	assert.Equal(t, []models.OutputEvent{{Type: models.EventComplete, Status: models.StatusCancelled}}, events)

	st := h.state(t, "draft")
	assert.Equal(t, models.StatusPending, st.Status)
	assert.Empty(t, st.Error)
	assert.Empty(t, h.fake.Messages("thread_1"))
	assert.Equal(t, assistant.StatusCancelled, h.fake.Operations("thread_1")[0].Status)
}

func TestStop_StaleRemoteRun(t *testing.T) {
	h := newHarness(t)
	h.useConversation(t, "draft", "thread_1",
		assistant.Operation{ID: "run_orphan", Status: assistant.StatusQueued})
	_, started, err := h.store.Start(context.Background(), h.runID, "draft")
	require.NoError(t, err)
	require.True(t, started)

	res := h.exec.Stop(context.Background(), h.runID, "draft")
	assert.True(t, res.OK)
	assert.Equal(t, "Cancelled 1 active operations", res.Message)
	assert.Equal(t, []string{"run_orphan"}, h.fake.CancelCalls())
	assert.Equal(t, models.StatusCancelled, h.state(t, "draft").Status)
}

func TestStop_LockHeld(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StopLockTimeout = 30 * time.Millisecond })
	h.useConversation(t, "draft", "thread_1")
	held, ok := h.locks.Acquire(context.Background(), "thread_1", 0)
	require.True(t, ok)
	defer h.locks.Release(held)

	res := h.exec.Stop(context.Background(), h.runID, "draft")
	assert.False(t, res.OK)
	assert.Equal(t, Conflict, res.Kind)
}
