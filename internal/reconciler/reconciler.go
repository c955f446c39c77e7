// Package reconciler makes sure a conversation has no in-flight remote
// operation before new input is sent to it.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/agentrun/internal/assistant"
)

// Defaults used when Config fields are zero.
const (
	DefaultListLimit    = 20
	DefaultGracePeriod  = 5 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// BusyError reports operations that were still not terminal when the grace
// period ran out. It is retryable by the caller.
type BusyError struct {
	ConversationID string
	OperationIDs   []string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("conversation %s still has %d active operations after force cancellation: [%s]",
		e.ConversationID, len(e.OperationIDs), strings.Join(e.OperationIDs, ", "))
}

// IsBusyError checks if an error is a BusyError.
func IsBusyError(err error) bool {
	var busy *BusyError
	return errors.As(err, &busy)
}

// Logger receives reconciler progress messages.
type Logger interface {
	LogDebug(format string, args ...interface{})
	LogWarn(format string, args ...interface{})
}

// Config tunes a Reconciler.
type Config struct {
	ListLimit    int
	GracePeriod  time.Duration
	PollInterval time.Duration
}

// Result describes one reconciliation.
type Result struct {
	// Cancelled holds the operations a cancel was issued for.
	Cancelled []string
}

// Reconciler force-terminates in-flight operations on a conversation.
type Reconciler struct {
	client assistant.Client
	cfg    Config
	logger Logger

	// OnCancel is called once per issued cancel request.
	OnCancel func(conversationID, operationID string)
}

// New creates a reconciler. A nil logger discards messages.
func New(client assistant.Client, cfg Config, logger Logger) *Reconciler {
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = DefaultListLimit
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Reconciler{client: client, cfg: cfg, logger: logger}
}

// EnsureClean lists recent operations on the conversation, cancels the active
// ones and polls until all of them are terminal or the grace period expires.
// A clean conversation costs a single list call and has no side effects.
//
// Errors are *assistant.RequestError when listing fails and *BusyError when
// operations survive the grace period. Failed cancel requests are logged; the
// verification poll decides the outcome.
func (r *Reconciler) EnsureClean(ctx context.Context, conversationID string) (Result, error) {
	ops, err := r.client.ListOperations(ctx, conversationID, r.cfg.ListLimit)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list operations on %s: %w", conversationID, err)
	}

	active := activeIDs(ops)
	if len(active) == 0 {
		return Result{}, nil
	}

	r.logger.LogWarn("Conversation %s has %d active operations, cancelling: %s",
		conversationID, len(active), strings.Join(active, ", "))

	var res Result
	for _, id := range active {
		if err := r.client.CancelOperation(ctx, conversationID, id); err != nil {
			r.logger.LogWarn("Failed to cancel operation %s on %s: %v", id, conversationID, err)
		}
		res.Cancelled = append(res.Cancelled, id)
		if r.OnCancel != nil {
			r.OnCancel(conversationID, id)
		}
	}

	remaining, err := r.awaitTerminal(ctx, conversationID, active)
	if err != nil {
		return res, err
	}
	if len(remaining) > 0 {
		return res, &BusyError{ConversationID: conversationID, OperationIDs: remaining}
	}
	r.logger.LogDebug("Conversation %s is clean after cancelling %d operations", conversationID, len(active))
	return res, nil
}

// awaitTerminal polls until none of ids is still non-terminal, returning the
// ids that were when the grace period ended.
func (r *Reconciler) awaitTerminal(ctx context.Context, conversationID string, ids []string) ([]string, error) {
	deadline := time.NewTimer(r.cfg.GracePeriod)
	defer deadline.Stop()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	watch := make(map[string]bool, len(ids))
	for _, id := range ids {
		watch[id] = true
	}

	remaining := ids
	for {
		select {
		case <-ctx.Done():
			return remaining, ctx.Err()
		case <-deadline.C:
			return r.verify(ctx, conversationID, watch)
		case <-ticker.C:
			still, err := r.verify(ctx, conversationID, watch)
			if err != nil {
				return still, err
			}
			if len(still) == 0 {
				return nil, nil
			}
			remaining = still
		}
	}
}

// verify re-lists operations and returns watched ones that are not terminal,
// plus any new active operation that appeared meanwhile.
func (r *Reconciler) verify(ctx context.Context, conversationID string, watch map[string]bool) ([]string, error) {
	ops, err := r.client.ListOperations(ctx, conversationID, r.cfg.ListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to verify cancellation on %s: %w", conversationID, err)
	}
	var still []string
	for _, op := range ops {
		if op.Terminal() {
			continue
		}
		if watch[op.ID] || op.Active() {
			still = append(still, op.ID)
		}
	}
	return still, nil
}

func activeIDs(ops []assistant.Operation) []string {
	var ids []string
	for _, op := range ops {
		if op.Active() {
			ids = append(ids, op.ID)
		}
	}
	return ids
}

type nopLogger struct{}

func (nopLogger) LogDebug(string, ...interface{}) {}
func (nopLogger) LogWarn(string, ...interface{})  {}
