package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/stacklok/courier-sync/internal/kvstore"
	otelutil "github.com/stacklok/courier-sync/internal/otel"
	"github.com/stacklok/courier-sync/internal/queue"
	"github.com/stacklok/courier-sync/internal/telemetry"
)

// Dispatcher runs the network mutation for one action.
// *executor.Set satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, action queue.PendingAction) error
}

// PassObserver is told about passes that actually run. Both calls happen
// while the pass holds the in-flight guard.
type PassObserver interface {
	PassStarted(ctx context.Context)
	PassFinished(ctx context.Context, result Result)
}

// OnlineFunc reports whether the device is currently connected
type OnlineFunc func() bool

// Result summarises one sync pass
type Result struct {
	// Skipped is set when the pass did not run, because another pass was in
	// flight or the device was offline
	Skipped bool

	Attempted int
	Succeeded int
	Retried   int
	Dropped   int

	// Deferred counts actions left untouched because the pass context ended
	// before their dispatch completed
	Deferred int

	// Remaining is the queue length after the commit
	Remaining int
}

// Engine runs sync passes. The zero value is not usable, use New.
type Engine struct {
	queue      queue.Queue
	store      kvstore.Store
	dispatcher Dispatcher
	online     OnlineFunc

	clock       clock.PassiveClock
	passTimeout time.Duration
	metrics     *telemetry.SyncMetrics
	tracer      trace.Tracer
	observer    PassObserver

	// inflight admits a single pass
	inflight *semaphore.Weighted
}

// Option configures an Engine
type Option func(*Engine)

// WithClock sets the clock used for the last sync time and pass durations
func WithClock(c clock.PassiveClock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithOnlineCheck sets the connectivity check consulted before each pass.
// Without it the engine assumes it is online.
func WithOnlineCheck(fn OnlineFunc) Option {
	return func(e *Engine) {
		e.online = fn
	}
}

// WithPassTimeout bounds the context handed to executors during a pass.
// Zero means no deadline.
func WithPassTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.passTimeout = d
	}
}

// WithMetrics sets the sync metrics
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer sets the tracer for pass and action spans
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithPassObserver sets the observer notified around each pass
func WithPassObserver(o PassObserver) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// New creates a sync engine draining q through dispatcher. store receives the
// last sync time.
func New(q queue.Queue, store kvstore.Store, dispatcher Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		queue:      q,
		store:      store,
		dispatcher: dispatcher,
		online:     func() bool { return true },
		clock:      clock.RealClock{},
		inflight:   semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run performs one sync pass. It never returns an error; failures are logged
// and reflected in the Result.
func (e *Engine) Run(ctx context.Context) Result {
	if !e.inflight.TryAcquire(1) {
		slog.Debug("Sync pass already in progress, skipping")
		return Result{Skipped: true}
	}
	defer e.inflight.Release(1)

	if !e.online() {
		slog.Debug("Device offline, skipping sync pass")
		return Result{Skipped: true}
	}

	if e.observer != nil {
		e.observer.PassStarted(ctx)
	}
	result := e.pass(ctx)
	if e.observer != nil {
		e.observer.PassFinished(context.WithoutCancel(ctx), result)
	}
	return result
}

// WaitIdle blocks until no pass is in flight or ctx is done
func (e *Engine) WaitIdle(ctx context.Context) error {
	if err := e.inflight.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to wait for sync pass: %w", err)
	}
	e.inflight.Release(1)
	return nil
}

// LastSyncTime returns the persisted time of the last completed pass
func (e *Engine) LastSyncTime(ctx context.Context) (time.Time, bool) {
	return ReadLastSyncTime(ctx, e.store)
}

// ReadLastSyncTime reads the last sync time from store. A missing or
// unparsable value reports false.
func ReadLastSyncTime(ctx context.Context, store kvstore.Store) (time.Time, bool) {
	raw, found, err := store.Get(ctx, kvstore.LastSyncTimeKey)
	if err != nil {
		slog.Error("Failed to read last sync time", "error", err)
		return time.Time{}, false
	}
	if !found || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		slog.Warn("Ignoring unparsable last sync time", "value", raw, "error", err)
		return time.Time{}, false
	}
	return t, true
}

// outcome of a single action within a pass
type outcome struct {
	retryCount int
	drop       bool
	done       bool
	// interrupted dispatches failed because the pass context ended
	interrupted bool
}

func (e *Engine) pass(ctx context.Context) Result {
	start := e.clock.Now()
	snapshot := e.queue.List(ctx)

	ctx, span := otelutil.StartSpan(ctx, e.tracer, "sync.pass",
		trace.WithAttributes(otelutil.AttrQueueLength.Int(len(snapshot))))
	defer span.End()

	slog.Info("Starting sync pass", "pending", len(snapshot))

	execCtx := ctx
	if e.passTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.passTimeout)
		defer cancel()
	}

	var result Result
	outcomes := make(map[string]outcome, len(snapshot))

	for _, action := range snapshot {
		if execCtx.Err() != nil {
			break
		}
		o := e.execute(execCtx, action)
		if o.interrupted {
			break
		}
		outcomes[action.ID] = o
		result.Attempted++

		switch {
		case o.done:
			result.Succeeded++
		case o.drop:
			result.Dropped++
		default:
			result.Retried++
		}
	}
	result.Deferred = len(snapshot) - result.Attempted
	if result.Deferred > 0 {
		slog.Warn("Sync pass interrupted, leaving actions queued",
			"deferred", result.Deferred,
			"error", context.Cause(execCtx))
	}

	// The outcomes above must reach the queue even when the caller has gone
	commitCtx := context.WithoutCancel(ctx)

	// Commit against the current queue, not the snapshot, so actions enqueued
	// during the pass survive.
	err := e.queue.Update(commitCtx, func(current []queue.PendingAction) []queue.PendingAction {
		next := make([]queue.PendingAction, 0, len(current))
		for _, action := range current {
			o, seen := outcomes[action.ID]
			if !seen {
				next = append(next, action)
				continue
			}
			if o.done || o.drop {
				continue
			}
			action.RetryCount = o.retryCount
			next = append(next, action)
		}
		result.Remaining = len(next)
		return next
	})
	if err != nil {
		slog.Error("Failed to commit sync pass", "error", err)
		otelutil.RecordError(span, err)
		result.Remaining = e.queue.Len(commitCtx)
	}

	now := e.clock.Now()
	if err := e.store.Set(commitCtx, kvstore.LastSyncTimeKey, now.UTC().Format(time.RFC3339Nano)); err != nil {
		slog.Error("Failed to persist last sync time", "error", err)
	}

	elapsed := now.Sub(start)
	e.metrics.RecordPassDuration(commitCtx, elapsed, result.Attempted)
	e.metrics.RecordPendingActions(commitCtx, result.Remaining)

	slog.Info("Sync pass completed",
		"attempted", result.Attempted,
		"succeeded", result.Succeeded,
		"retried", result.Retried,
		"dropped", result.Dropped,
		"deferred", result.Deferred,
		"remaining", result.Remaining,
		"duration", elapsed.String())

	return result
}

func (e *Engine) execute(ctx context.Context, action queue.PendingAction) outcome {
	ctx, span := otelutil.StartSpan(ctx, e.tracer, "sync.action",
		trace.WithAttributes(
			otelutil.AttrActionID.String(action.ID),
			otelutil.AttrActionType.String(string(action.Type)),
			otelutil.AttrActionRetryCount.Int(action.RetryCount),
		))
	defer span.End()

	err := e.dispatcher.Dispatch(ctx, action)
	if err == nil {
		slog.Debug("Action synced", "action_id", action.ID, "action_type", action.Type)
		span.SetAttributes(otelutil.AttrActionOutcome.String(telemetry.OutcomeSucceeded))
		e.metrics.RecordActionOutcome(ctx, string(action.Type), telemetry.OutcomeSucceeded)
		return outcome{done: true}
	}

	otelutil.RecordError(span, err)
	if ctx.Err() != nil {
		slog.Info("Action interrupted by end of sync pass",
			"action_id", action.ID,
			"action_type", action.Type,
			"error", err)
		return outcome{interrupted: true}
	}

	retries := action.RetryCount + 1
	if retries < action.MaxRetries {
		slog.Info("Action failed, will retry",
			"action_id", action.ID,
			"action_type", action.Type,
			"retry_count", retries,
			"max_retries", action.MaxRetries,
			"error", err)
		span.SetAttributes(otelutil.AttrActionOutcome.String(telemetry.OutcomeRetried))
		e.metrics.RecordActionOutcome(ctx, string(action.Type), telemetry.OutcomeRetried)
		return outcome{retryCount: retries}
	}

	slog.Warn("Action exceeded max retries, dropping",
		"action_id", action.ID,
		"action_type", action.Type,
		"retry_count", retries,
		"max_retries", action.MaxRetries,
		"error", err)
	span.SetAttributes(otelutil.AttrActionOutcome.String(telemetry.OutcomeDropped))
	e.metrics.RecordActionOutcome(ctx, string(action.Type), telemetry.OutcomeDropped)
	return outcome{retryCount: retries, drop: true}
}
