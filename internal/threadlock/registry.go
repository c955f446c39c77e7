// Package threadlock serializes work per remote conversation.
package threadlock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Registry maps conversation ids to locks. Locks are created on first use and
// kept for the lifetime of the registry.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// Lock is a held conversation lock. Release it exactly once.
type Lock struct {
	ConversationID string
	AcquiredAt     time.Time

	sem  *semaphore.Weighted
	once sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*semaphore.Weighted)}
}

// lockFor returns the lock for a conversation, creating it under the
// registry mutex. The mutex is only held for the map access.
func (r *Registry) lockFor(conversationID string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.locks[conversationID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		r.locks[conversationID] = sem
	}
	return sem
}

// Acquire waits up to timeout for the conversation lock. ok is false when the
// timeout elapses or ctx is done first; callers treat that as retryable.
// A timeout <= 0 tries once without waiting.
func (r *Registry) Acquire(ctx context.Context, conversationID string, timeout time.Duration) (*Lock, bool) {
	sem := r.lockFor(conversationID)

	if timeout <= 0 {
		if !sem.TryAcquire(1) {
			return nil, false
		}
		return &Lock{ConversationID: conversationID, AcquiredAt: time.Now(), sem: sem}, true
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sem.Acquire(waitCtx, 1); err != nil {
		return nil, false
	}
	return &Lock{ConversationID: conversationID, AcquiredAt: time.Now(), sem: sem}, true
}

// Release releases a lock returned by Acquire. Releasing nil or an already
// released lock is a no-op.
func (r *Registry) Release(l *Lock) {
	if l == nil {
		return
	}
	l.once.Do(func() { l.sem.Release(1) })
}

// Len returns the number of conversations seen.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
