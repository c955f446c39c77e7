package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/harrison/agentrun/internal/assistant"
	"github.com/harrison/agentrun/internal/models"
	"github.com/harrison/agentrun/internal/render"
)

// stream sends the prompt, consumes the remote stream and persists the
// outcome. The caller holds the conversation lock and the task is Running.
func (e *Executor) stream(ctx context.Context, j *job) {
	if err := e.client.SendMessage(ctx, j.conversationID, j.prompt); err != nil {
		e.endWithError(ctx, j, err, "failed to send message")
		return
	}
	s, err := e.client.StartStreamingRun(ctx, j.conversationID, j.agent.AssistantID)
	if err != nil {
		e.endWithError(ctx, j, err, "failed to start run")
		return
	}
	defer s.Close()

	kind := j.task.OutputKind()
	incremental := render.Incremental(kind)
	flusher := render.Flusher{Threshold: e.cfg.FlushThreshold}
	var buf strings.Builder

	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			e.endWithError(ctx, j, err, "stream failed")
			return
		}

		switch ev.Kind {
		case assistant.EventDelta:
			if ev.Delta == "" {
				continue
			}
			buf.WriteString(ev.Delta)
			if incremental {
				e.emit(j, models.OutputEvent{Type: models.EventUpdate, Content: render.Chunk(ev.Delta), Incremental: true})
			} else if flusher.Add(ev.Delta) {
				e.emit(j, models.OutputEvent{Type: models.EventUpdate, Content: e.renderer.Render(kind, buf.String())})
			}
		case assistant.EventError:
			j.raw = buf.String()
			e.fail(j, NewError(RemoteRequestFailed, j.runID, j.taskID, "remote run failed", ev.Err))
			return
		case assistant.EventStatus:
			switch ev.Status {
			case assistant.StatusFailed, assistant.StatusExpired:
				j.raw = buf.String()
				msg := fmt.Sprintf("remote run %s", ev.Status)
				e.fail(j, NewError(RemoteRequestFailed, j.runID, j.taskID, msg, ev.Err))
				return
			case assistant.StatusCancelled:
				j.raw = buf.String()
				e.cancelled(j, "remote run was cancelled")
				return
			case assistant.StatusIncomplete:
				e.logger.LogWarn("Run %s on %s ended incomplete; keeping partial output", ev.OperationID, j.conversationID)
			}
		}
		if ev.Terminal() {
			break
		}
	}

	j.raw = buf.String()
	if strings.TrimSpace(j.raw) == "" {
		e.fail(j, NewError(NoResponse, j.runID, j.taskID, "no response received", nil))
		return
	}

	rendered := e.renderer.Render(kind, j.raw)
	outputs := models.TaskOutputs{
		RenderedContent: rendered,
		RawContent:      j.raw,
		ConversationID:  j.conversationID,
		PromptUsed:      j.prompt,
		AssistantID:     j.agent.AssistantID,
	}
	pctx, cancel := persistContext()
	defer cancel()
	if _, err := e.store.Succeed(pctx, j.runID, j.taskID, outputs); err != nil {
		e.emitError(j, classify(err, j.runID, j.taskID, "failed to persist result"))
		return
	}
	e.emit(j, models.OutputEvent{Type: models.EventFinal, Content: rendered})
	e.emit(j, models.OutputEvent{Type: models.EventComplete, Status: models.StatusCompleted})
	e.finish(j, models.StatusCompleted, nil)
}

// endWithError decides what an error from the remote service means. When the
// execution context ended, the cause wins: a stop or caller cancellation
// cancels the task and a deadline fails it.
func (e *Executor) endWithError(ctx context.Context, j *job, err error, msg string) {
	if ctx.Err() == nil {
		e.fail(j, classify(err, j.runID, j.taskID, msg))
		return
	}
	e.forceCancel(j)
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		e.fail(j, NewError(RemoteRequestFailed, j.runID, j.taskID, "execution timed out", nil))
		return
	}
	reason := errStopped.Error()
	if !errors.Is(cause, errStopped) {
		reason = "execution cancelled by caller"
	}
	e.cancelled(j, reason)
}

// forceCancel terminates whatever the interrupted execution left running on
// the conversation.
func (e *Executor) forceCancel(j *job) {
	ctx, cancel := persistContext()
	defer cancel()
	res, err := e.recon.EnsureClean(ctx, j.conversationID)
	e.metrics.AddCancellations(len(res.Cancelled))
	if err != nil {
		e.logger.LogWarn("Failed to cancel remote operations on %s: %v", j.conversationID, err)
	}
}

// fail persists an Error state and then reports it.
func (e *Executor) fail(j *job, err *Error) {
	ctx, cancel := persistContext()
	defer cancel()
	if _, perr := e.store.Fail(ctx, j.runID, j.taskID, err.Detail()); perr != nil {
		e.logger.LogError("Failed to record failure of task %s: %v", j.taskID, perr)
	}
	e.metrics.ObserveExecution(outcomeLabel(err.Kind))
	e.finish(j, models.StatusError, err)
	e.emitError(j, err)
}

// cancelled persists a Cancelled state and then reports completion.
func (e *Executor) cancelled(j *job, reason string) {
	ctx, cancel := persistContext()
	defer cancel()
	if _, err := e.store.Cancel(ctx, j.runID, j.taskID, reason); err != nil {
		e.logger.LogError("Failed to record cancellation of task %s: %v", j.taskID, err)
	}
	e.logger.LogInfo("Task %s of run %s cancelled: %s", j.taskID, j.runID, reason)
	e.finish(j, models.StatusCancelled, nil)
	e.emit(j, models.OutputEvent{Type: models.EventComplete, Status: models.StatusCancelled})
}
