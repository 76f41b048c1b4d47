// Package queue provides the durable FIFO of pending mutating actions.
//
// The queue lives under a single key of a kvstore.VersionedStore as a JSON
// array. Every mutation is a read-modify-write guarded by an in-process mutex
// and committed with a compare-and-swap on the key revision, so an Enqueue
// that races a sync pass commit is never overwritten.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/stacklok/courier-sync/internal/kvstore"
)

// maxUpdateAttempts bounds the CAS retry loop of Update
const maxUpdateAttempts = 5

// Queue is the durable list of pending actions
type Queue interface {
	// Enqueue stores a new action and returns the stored record. Persistence
	// failures are logged and the record is still returned.
	Enqueue(ctx context.Context, in Input) PendingAction

	// List returns the queued actions in FIFO order. Unreadable or corrupt
	// data yields an empty list.
	List(ctx context.Context) []PendingAction

	// Replace overwrites the whole queue
	Replace(ctx context.Context, actions []PendingAction) error

	// Update applies fn to the current queue and commits the result
	// atomically with respect to every other writer of the queue key.
	Update(ctx context.Context, fn func([]PendingAction) []PendingAction) error

	// Len returns the number of queued actions
	Len(ctx context.Context) int
}

// Option configures a Queue
type Option func(*actionQueue)

// WithClock sets the clock used for CreatedAt and ids
func WithClock(c clock.PassiveClock) Option {
	return func(q *actionQueue) {
		q.clock = c
	}
}

type actionQueue struct {
	store kvstore.VersionedStore
	clock clock.PassiveClock
	mu    sync.Mutex
}

// New creates a Queue persisted in store
func New(store kvstore.VersionedStore, opts ...Option) Queue {
	q := &actionQueue{
		store: store,
		clock: clock.RealClock{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *actionQueue) Enqueue(ctx context.Context, in Input) PendingAction {
	action := q.newAction(in)

	err := q.Update(ctx, func(actions []PendingAction) []PendingAction {
		return append(actions, action)
	})
	if err != nil {
		slog.Error("Failed to persist queued action",
			"action_id", action.ID,
			"action_type", action.Type,
			"error", err)
	} else {
		slog.Debug("Action queued",
			"action_id", action.ID,
			"action_type", action.Type,
			"endpoint", action.Endpoint)
	}
	return action
}

func (q *actionQueue) List(ctx context.Context) []PendingAction {
	raw, found, err := q.store.Get(ctx, kvstore.QueueKey)
	if err != nil {
		slog.Error("Failed to read action queue", "error", err)
		return []PendingAction{}
	}
	return decodeList(raw, found)
}

func (q *actionQueue) Replace(ctx context.Context, actions []PendingAction) error {
	return q.Update(ctx, func([]PendingAction) []PendingAction {
		return actions
	})
}

func (q *actionQueue) Update(ctx context.Context, fn func([]PendingAction) []PendingAction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		raw, revision, found, err := q.store.GetVersioned(ctx, kvstore.QueueKey)
		if err != nil {
			return fmt.Errorf("failed to read action queue: %w", err)
		}

		next := fn(decodeList(raw, found))
		if next == nil {
			next = []PendingAction{}
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal action queue: %w", err)
		}

		_, err = q.store.CompareAndSwap(ctx, kvstore.QueueKey, string(data), revision)
		if errors.Is(err, kvstore.ErrRevisionConflict) {
			slog.Debug("Action queue changed during update, retrying", "attempt", attempt)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to write action queue: %w", err)
		}
		return nil
	}

	return fmt.Errorf("failed to update action queue after %d attempts: %w",
		maxUpdateAttempts, kvstore.ErrRevisionConflict)
}

func (q *actionQueue) Len(ctx context.Context) int {
	return len(q.List(ctx))
}

func (q *actionQueue) newAction(in Input) PendingAction {
	now := q.clock.Now()

	payload, err := json.Marshal(in.Payload)
	if err != nil {
		slog.Error("Failed to marshal action payload", "action_type", in.Type, "error", err)
		payload = json.RawMessage("null")
	}

	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return PendingAction{
		ID:         fmt.Sprintf("%d-%s", now.UnixMilli(), randomSuffix()),
		Type:       in.Type,
		Payload:    payload,
		CreatedAt:  now,
		RetryCount: 0,
		MaxRetries: maxRetries,
		Endpoint:   in.Endpoint,
		Method:     ParseMethod(in.Method),
	}
}

// randomSuffix returns 9 random hex characters
func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
}

// decodeList parses the persisted queue. A corrupt value is treated as an
// empty queue so a bad write cannot crash-loop the engine.
func decodeList(raw string, found bool) []PendingAction {
	if !found || raw == "" {
		return []PendingAction{}
	}
	var actions []PendingAction
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		slog.Warn("Action queue is corrupt, treating it as empty", "error", err)
		return []PendingAction{}
	}
	if actions == nil {
		return []PendingAction{}
	}
	return actions
}
