// Package assistanttest provides a scriptable in-memory assistant.Client.
package assistanttest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/agentrun/internal/assistant"
)

// Script describes how the next streaming run behaves.
type Script struct {
	Deltas     []string
	DeltaDelay time.Duration
	// FinalStatus is the terminal status reported after the deltas.
	// Defaults to completed.
	FinalStatus string
	// FailMessage is attached to a failed final status.
	FailMessage string
	// StartErr makes StartStreamingRun fail.
	StartErr error
	// StreamErr is returned by Recv after the deltas.
	StreamErr error
	// Block keeps the stream open after the deltas until the operation is
	// cancelled or the stream context ends.
	Block bool
}

// Interval is the lifetime of one streaming run.
type Interval struct {
	OperationID string
	Start, End  time.Time
}

type operation struct {
	assistant.Operation
	settleLists int
	cancelled   chan struct{}
}

type conversation struct {
	ops       []*operation
	messages  []string
	intervals []Interval
}

// Fake is an in-memory assistant. Like the real service it rejects messages
// and new runs while an operation on the conversation is active.
type Fake struct {
	// Errors returned by the corresponding calls when set.
	CreateErr error
	ListErr   error
	SendErr   error
	CancelErr error

	// IgnoreCancel leaves operations untouched on cancel.
	IgnoreCancel bool
	// CancelSettleLists is the number of ListOperations calls a cancelled
	// operation reports "cancelling" before it becomes "cancelled".
	CancelSettleLists int

	mu            sync.Mutex
	conversations map[string]*conversation
	scripts       []Script
	cancelCalls   []string
	listCalls     int
	created       int
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{conversations: make(map[string]*conversation)}
}

// AddConversation registers a conversation with pre-existing operations.
func (f *Fake) AddConversation(id string, ops ...assistant.Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv := f.conv(id)
	for _, op := range ops {
		conv.ops = append(conv.ops, &operation{Operation: op, cancelled: make(chan struct{})})
	}
}

// Enqueue adds a script for the next streaming run. Runs without a queued
// script stream nothing and complete.
func (f *Fake) Enqueue(scripts ...Script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, scripts...)
}

// SetIgnoreCancel changes IgnoreCancel while calls may be in flight.
func (f *Fake) SetIgnoreCancel(ignore bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.IgnoreCancel = ignore
}

// Operations returns a snapshot of a conversation's operations, newest first.
func (f *Fake) Operations(conversationID string) []assistant.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot(f.conv(conversationID), 0)
}

// Messages returns the messages sent to a conversation.
func (f *Fake) Messages(conversationID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.conv(conversationID).messages...)
}

// Intervals returns the lifetimes of finished streaming runs.
func (f *Fake) Intervals(conversationID string) []Interval {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Interval(nil), f.conv(conversationID).intervals...)
}

// CancelCalls returns the ids passed to CancelOperation.
func (f *Fake) CancelCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelCalls...)
}

// ListCalls returns the number of ListOperations calls.
func (f *Fake) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// Created returns the number of conversations created through the client.
func (f *Fake) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// CreateConversation implements assistant.Client.
func (f *Fake) CreateConversation(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	id := "thread_" + uuid.NewString()
	f.conv(id)
	f.created++
	return id, nil
}

// ListOperations implements assistant.Client.
func (f *Fake) ListOperations(ctx context.Context, conversationID string, limit int) ([]assistant.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	conv := f.conv(conversationID)
	for _, op := range conv.ops {
		if op.Status == assistant.StatusCancelling {
			if op.settleLists <= 0 {
				op.Status = assistant.StatusCancelled
			} else {
				op.settleLists--
			}
		}
	}
	return f.snapshot(conv, limit), nil
}

// CancelOperation implements assistant.Client.
func (f *Fake) CancelOperation(ctx context.Context, conversationID, operationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, operationID)
	if f.CancelErr != nil {
		return f.CancelErr
	}
	op := f.find(conversationID, operationID)
	if op == nil {
		return &assistant.RequestError{Op: "cancel operation", StatusCode: http.StatusNotFound, Body: "no such run"}
	}
	if op.Terminal() {
		return &assistant.RequestError{Op: "cancel operation", StatusCode: http.StatusBadRequest,
			Body: fmt.Sprintf("Cannot cancel run with status '%s'", op.Status)}
	}
	if f.IgnoreCancel {
		return nil
	}
	if f.CancelSettleLists > 0 {
		op.Status = assistant.StatusCancelling
		op.settleLists = f.CancelSettleLists
	} else {
		op.Status = assistant.StatusCancelled
	}
	select {
	case <-op.cancelled:
	default:
		close(op.cancelled)
	}
	return nil
}

// SendMessage implements assistant.Client.
func (f *Fake) SendMessage(ctx context.Context, conversationID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	conv := f.conv(conversationID)
	if err := busy("send message", conv); err != nil {
		return err
	}
	conv.messages = append(conv.messages, text)
	return nil
}

// StartStreamingRun implements assistant.Client.
func (f *Fake) StartStreamingRun(ctx context.Context, conversationID, assistantID string) (assistant.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var script Script
	if len(f.scripts) > 0 {
		script = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	if script.StartErr != nil {
		return nil, script.StartErr
	}
	conv := f.conv(conversationID)
	if err := busy("start streaming run", conv); err != nil {
		return nil, err
	}
	op := &operation{
		Operation: assistant.Operation{ID: "run_" + uuid.NewString(), Status: assistant.StatusInProgress},
		cancelled: make(chan struct{}),
	}
	conv.ops = append(conv.ops, op)
	return &stream{fake: f, conv: conv, op: op, script: script, ctx: ctx, start: time.Now()}, nil
}

func (f *Fake) conv(id string) *conversation {
	conv, ok := f.conversations[id]
	if !ok {
		conv = &conversation{}
		f.conversations[id] = conv
	}
	return conv
}

func (f *Fake) find(conversationID, operationID string) *operation {
	for _, op := range f.conv(conversationID).ops {
		if op.ID == operationID {
			return op
		}
	}
	return nil
}

func (f *Fake) snapshot(conv *conversation, limit int) []assistant.Operation {
	out := make([]assistant.Operation, 0, len(conv.ops))
	for i := len(conv.ops) - 1; i >= 0; i-- {
		out = append(out, conv.ops[i].Operation)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func busy(op string, conv *conversation) error {
	for _, o := range conv.ops {
		if !o.Terminal() {
			return &assistant.RequestError{Op: op, StatusCode: http.StatusBadRequest,
				Body: fmt.Sprintf("Thread already has an active run %s.", o.ID)}
		}
	}
	return nil
}

type stream struct {
	fake   *Fake
	conv   *conversation
	op     *operation
	script Script
	ctx    context.Context
	start  time.Time

	idx      int
	started  bool
	finished bool
}

func (s *stream) Recv() (assistant.StreamEvent, error) {
	if s.finished {
		return assistant.StreamEvent{}, io.EOF
	}
	if !s.started {
		s.started = true
		return assistant.StreamEvent{Kind: assistant.EventStatus, OperationID: s.op.ID, Status: assistant.StatusInProgress}, nil
	}

	if s.idx < len(s.script.Deltas) {
		if err := s.wait(s.script.DeltaDelay); err != nil {
			return s.interrupted(err)
		}
		d := s.script.Deltas[s.idx]
		s.idx++
		return assistant.StreamEvent{Kind: assistant.EventDelta, Delta: d, OperationID: s.op.ID}, nil
	}

	if s.script.Block {
		if err := s.wait(-1); err != nil {
			return s.interrupted(err)
		}
	}
	if s.script.StreamErr != nil {
		s.finish(assistant.StatusFailed)
		return assistant.StreamEvent{}, s.script.StreamErr
	}

	status := s.script.FinalStatus
	if status == "" {
		status = assistant.StatusCompleted
	}
	s.finish(status)
	ev := assistant.StreamEvent{Kind: assistant.EventStatus, OperationID: s.op.ID, Status: status}
	if status == assistant.StatusFailed && s.script.FailMessage != "" {
		ev.Err = fmt.Errorf("%s", s.script.FailMessage)
	}
	return ev, nil
}

// wait sleeps for d (forever when d < 0) unless the operation is cancelled
// or the context ends.
func (s *stream) wait(d time.Duration) error {
	if d == 0 {
		select {
		case <-s.op.cancelled:
			return errCancelled
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
			return nil
		}
	}
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-timer:
		return nil
	case <-s.op.cancelled:
		return errCancelled
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

var errCancelled = fmt.Errorf("operation cancelled")

func (s *stream) interrupted(err error) (assistant.StreamEvent, error) {
	if err == errCancelled {
		s.finish("")
		return assistant.StreamEvent{Kind: assistant.EventStatus, OperationID: s.op.ID, Status: assistant.StatusCancelled}, nil
	}
	s.finish("")
	return assistant.StreamEvent{}, &assistant.RequestError{Op: "read stream", Err: err}
}

// finish records the end of the run. An empty status keeps whatever status a
// cancel already set, or marks the run cancelled.
func (s *stream) finish(status string) {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	switch {
	case status != "":
		s.op.Status = status
	case !s.op.Terminal():
		s.op.Status = assistant.StatusCancelled
	}
	s.conv.intervals = append(s.conv.intervals, Interval{OperationID: s.op.ID, Start: s.start, End: time.Now()})
}

func (s *stream) Close() error {
	if !s.finished {
		s.finish(assistant.StatusCancelled)
	}
	return nil
}
