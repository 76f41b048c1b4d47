// Package offline provides the coordinator facade of the offline engine.
//
// The Coordinator owns the action queue, the read cache and the sync engine
// built over one persistent store. It tracks connectivity, publishes a State
// snapshot to subscribers and triggers sync passes on the offline to online
// edge, after every enqueue while online, and optionally on a fixed interval.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/stacklok/courier-sync/internal/cache"
	"github.com/stacklok/courier-sync/internal/kvstore"
	"github.com/stacklok/courier-sync/internal/queue"
	pkgsync "github.com/stacklok/courier-sync/internal/sync"
)

// Connectivity is the transition source the coordinator follows.
// *connectivity.Monitor satisfies it.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(connected bool)) (unsubscribe func())
}

// Deps are the collaborators of a Coordinator
type Deps struct {
	Store        kvstore.VersionedStore
	Dispatcher   pkgsync.Dispatcher
	Connectivity Connectivity
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock sets the clock used by the queue, cache, engine and sync ticker
func WithClock(c clock.WithTicker) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// WithSyncInterval enables a periodic sync while online. Zero disables it.
func WithSyncInterval(d time.Duration) Option {
	return func(co *Coordinator) {
		co.syncInterval = d
	}
}

// WithRetryPolicy overrides MaxRetries for the given action types
func WithRetryPolicy(maxRetries map[queue.Type]int) Option {
	return func(co *Coordinator) {
		for t, n := range maxRetries {
			if n > 0 {
				co.retryPolicy[t] = n
			}
		}
	}
}

// WithEngineOptions passes extra options to the sync engine
func WithEngineOptions(opts ...pkgsync.Option) Option {
	return func(co *Coordinator) {
		co.engineOpts = append(co.engineOpts, opts...)
	}
}

// WithCacheObserver sets the observer for cache lookups
func WithCacheObserver(o cache.Observer) Option {
	return func(co *Coordinator) {
		co.cacheObserver = o
	}
}

// WithCacheTracer sets the tracer for cache lookup spans
func WithCacheTracer(t trace.Tracer) Option {
	return func(co *Coordinator) {
		co.cacheTracer = t
	}
}

// Coordinator is the public facade of the offline engine
type Coordinator struct {
	store        kvstore.VersionedStore
	queue        queue.Queue
	cache        *cache.Store
	engine       *pkgsync.Engine
	connectivity Connectivity

	clock         clock.WithTicker
	syncInterval  time.Duration
	retryPolicy   map[queue.Type]int
	engineOpts    []pkgsync.Option
	cacheObserver cache.Observer
	cacheTracer   trace.Tracer

	mu        gosync.Mutex
	connected bool
	// transitioned is set once a connectivity transition has been applied
	transitioned bool
	offlineMode  bool
	pending      int
	lastSync     *time.Time
	phase        Phase
	nextID       int
	listeners    map[int]func(State)

	// notifyMu serialises snapshot delivery so listeners observe states in order
	notifyMu gosync.Mutex

	trigger     chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
}

// New creates a Coordinator. Call Start before relying on connectivity
// driven behaviour.
func New(deps Deps, opts ...Option) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if deps.Connectivity == nil {
		return nil, errors.New("connectivity is required")
	}

	c := &Coordinator{
		store:        deps.Store,
		connectivity: deps.Connectivity,
		clock:        clock.RealClock{},
		retryPolicy:  make(map[queue.Type]int),
		phase:        PhaseOffline,
		listeners:    make(map[int]func(State)),
		trigger:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.queue = queue.New(c.store, queue.WithClock(c.clock))

	cacheOpts := []cache.Option{cache.WithClock(c.clock)}
	if c.cacheObserver != nil {
		cacheOpts = append(cacheOpts, cache.WithObserver(c.cacheObserver))
	}
	if c.cacheTracer != nil {
		cacheOpts = append(cacheOpts, cache.WithTracer(c.cacheTracer))
	}
	c.cache = cache.New(c.store, cacheOpts...)

	engineOpts := append([]pkgsync.Option{
		pkgsync.WithClock(c.clock),
		pkgsync.WithOnlineCheck(c.isOnline),
		pkgsync.WithPassObserver(passObserver{c}),
	}, c.engineOpts...)
	c.engine = pkgsync.New(c.queue, c.store, deps.Dispatcher, engineOpts...)

	return c, nil
}

// Start loads the persisted state, takes the initial connectivity reading
// and starts the background sync loop. Starting while online with pending
// actions triggers a sync.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.mu.Unlock()

	raw, found, err := c.store.Get(ctx, kvstore.OfflineModeKey)
	if err != nil {
		return fmt.Errorf("failed to read offline mode: %w", err)
	}
	offlineMode := found && raw == "true"

	var lastSync *time.Time
	if t, ok := pkgsync.ReadLastSyncTime(ctx, c.store); ok {
		lastSync = &t
	}
	pending := c.queue.Len(ctx)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.offlineMode = offlineMode
	c.lastSync = lastSync
	c.pending = pending
	c.mu.Unlock()

	// Subscribe before the first reading so no transition falls between them.
	// A transition delivered meanwhile is at least as fresh as the reading.
	unsubscribe := c.connectivity.Subscribe(c.onConnectivity)
	connected := c.connectivity.Online()

	c.mu.Lock()
	if !c.transitioned {
		c.connected = connected
	}
	c.phase = c.restingPhaseLocked()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.unsubscribe = unsubscribe
	online := c.onlineLocked()
	c.mu.Unlock()

	go c.loop(loopCtx)

	slog.Info("Offline coordinator started",
		"online", online,
		"offline_mode", offlineMode,
		"pending_actions", pending)

	c.publish()
	if online && pending > 0 {
		c.requestSync()
	}
	return nil
}

// Stop stops the background loop and waits for it to exit
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	cancel, done, unsubscribe := c.cancel, c.done, c.unsubscribe
	c.cancel, c.unsubscribe = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	cancel()
	<-done

	slog.Info("Offline coordinator stopped")
	return nil
}

// Subscribe calls fn with the current state, then after every change. fn
// runs on the goroutine that caused the change and must not call mutating
// Coordinator methods.
func (c *Coordinator) Subscribe(fn func(State)) (unsubscribe func()) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	fn(snapshot)

	var once gosync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Updates returns a channel that always holds the latest state. Intermediate
// states are dropped if the reader falls behind. Call cancel to stop updates
// and close the channel.
func (c *Coordinator) Updates() (<-chan State, func()) {
	ch := make(chan State, 1)
	closed := false

	unsubscribe := c.Subscribe(func(s State) {
		if closed {
			return
		}
		select {
		case <-ch:
		default:
		}
		ch <- s
	})

	var once gosync.Once
	return ch, func() {
		once.Do(func() {
			unsubscribe()
			c.notifyMu.Lock()
			closed = true
			close(ch)
			c.notifyMu.Unlock()
		})
	}
}

// GetState returns the current snapshot
func (c *Coordinator) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// QueueAction persists an action and, when online, schedules a sync.
// Persistence failures are logged and the record is still returned.
func (c *Coordinator) QueueAction(ctx context.Context, in queue.Input) queue.PendingAction {
	if n, ok := c.retryPolicy[in.Type]; ok {
		in.MaxRetries = n
	}

	action := c.queue.Enqueue(ctx, in)
	pending := c.queue.Len(ctx)

	c.mu.Lock()
	c.pending = pending
	online := c.onlineLocked()
	c.mu.Unlock()

	c.publish()
	if online {
		c.requestSync()
	}
	return action
}

// QueueLocationUpdate queues a rider location report
func (c *Coordinator) QueueLocationUpdate(ctx context.Context, p queue.LocationUpdate) queue.PendingAction {
	return c.QueueAction(ctx, queue.LocationUpdateInput(p))
}

// QueueJobStatusUpdate queues a job status change
func (c *Coordinator) QueueJobStatusUpdate(ctx context.Context, p queue.JobStatusUpdate) queue.PendingAction {
	return c.QueueAction(ctx, queue.JobStatusInput(p))
}

// QueueQRScan queues a sample scan
func (c *Coordinator) QueueQRScan(ctx context.Context, p queue.QRScan) queue.PendingAction {
	return c.QueueAction(ctx, queue.QRScanInput(p))
}

// QueuePhotoUpload queues a job photo
func (c *Coordinator) QueuePhotoUpload(ctx context.Context, p queue.PhotoUpload) queue.PendingAction {
	return c.QueueAction(ctx, queue.PhotoUploadInput(p))
}

// QueueAvailabilityUpdate queues an availability toggle
func (c *Coordinator) QueueAvailabilityUpdate(ctx context.Context, p queue.AvailabilityUpdate) queue.PendingAction {
	return c.QueueAction(ctx, queue.AvailabilityInput(p))
}

// PendingActions returns the queued actions in FIFO order
func (c *Coordinator) PendingActions(ctx context.Context) []queue.PendingAction {
	return c.queue.List(ctx)
}

// SyncPendingActions runs a sync pass on the calling goroutine. It is a
// no-op while another pass is running or while offline.
func (c *Coordinator) SyncPendingActions(ctx context.Context) pkgsync.Result {
	return c.engine.Run(ctx)
}

// CacheData stores data under key for ttl
func (c *Coordinator) CacheData(ctx context.Context, key string, data any, ttl time.Duration) error {
	return c.cache.CacheData(ctx, key, data, ttl)
}

// GetCachedData returns the valid entries for key, or all when key is empty
func (c *Coordinator) GetCachedData(ctx context.Context, key string) []cache.Entry {
	return c.cache.GetCachedData(ctx, key)
}

// ClearCache removes the entry for key, or every entry when key is empty
func (c *Coordinator) ClearCache(ctx context.Context, key string) error {
	return c.cache.ClearCache(ctx, key)
}

// IsDataAvailable reports whether data for key can be served right now
func (c *Coordinator) IsDataAvailable(ctx context.Context, key string) bool {
	return c.cache.IsDataAvailable(ctx, key, c.isOnline())
}

// SetOfflineMode forces the coordinator offline, or releases it. Releasing
// while connected counts as an offline to online edge.
func (c *Coordinator) SetOfflineMode(ctx context.Context, enabled bool) {
	value := "false"
	if enabled {
		value = "true"
	}
	if err := c.store.Set(ctx, kvstore.OfflineModeKey, value); err != nil {
		slog.Error("Failed to persist offline mode", "enabled", enabled, "error", err)
	}

	c.mu.Lock()
	wasOnline := c.onlineLocked()
	c.offlineMode = enabled
	online := c.onlineLocked()
	c.updatePhaseLocked(wasOnline, online)
	c.mu.Unlock()

	slog.Info("Offline mode changed", "enabled", enabled)
	c.publish()
	if !wasOnline && online {
		c.requestSync()
	}
}

// ClearAllOfflineData waits for any running pass, then removes the queue,
// the cache, the last sync time and the offline mode flag.
func (c *Coordinator) ClearAllOfflineData(ctx context.Context) error {
	if err := c.engine.WaitIdle(ctx); err != nil {
		return err
	}
	if err := c.store.MultiRemove(ctx, kvstore.AllKeys...); err != nil {
		return fmt.Errorf("failed to clear offline data: %w", err)
	}

	c.mu.Lock()
	c.pending = 0
	c.lastSync = nil
	c.offlineMode = false
	if c.phase != PhaseOnlineSyncing {
		c.phase = c.restingPhaseLocked()
	}
	c.mu.Unlock()

	slog.Info("Cleared all offline data")
	c.publish()
	return nil
}

// WaitIdle blocks until no sync pass is running
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	return c.engine.WaitIdle(ctx)
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)

	var tick <-chan time.Time
	if c.syncInterval > 0 {
		ticker := c.clock.NewTicker(c.syncInterval)
		defer ticker.Stop()
		tick = ticker.C()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
		case <-tick:
			slog.Debug("Periodic sync tick")
		}

		// Triggers must not be lost to a caller-initiated pass in flight
		if err := c.engine.WaitIdle(ctx); err != nil {
			return
		}
		c.engine.Run(ctx)
	}
}

// requestSync schedules a pass on the loop. Requests coalesce while one is
// already pending.
func (c *Coordinator) requestSync() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Coordinator) onConnectivity(connected bool) {
	c.mu.Lock()
	wasOnline := c.onlineLocked()
	c.connected = connected
	c.transitioned = true
	online := c.onlineLocked()
	c.updatePhaseLocked(wasOnline, online)
	c.mu.Unlock()

	c.publish()
	if !wasOnline && online {
		slog.Info("Back online, scheduling sync")
		c.requestSync()
	}
}

func (c *Coordinator) isOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onlineLocked()
}

func (c *Coordinator) onlineLocked() bool {
	return c.connected && !c.offlineMode
}

func (c *Coordinator) restingPhaseLocked() Phase {
	if c.onlineLocked() {
		return PhaseOnlineIdle
	}
	return PhaseOffline
}

func (c *Coordinator) updatePhaseLocked(wasOnline, online bool) {
	switch {
	case !online:
		c.phase = PhaseOffline
	case !wasOnline:
		c.phase = PhaseOnlineIdle
	}
}

func (c *Coordinator) snapshotLocked() State {
	return State{
		IsOnline:            c.onlineLocked(),
		OfflineModeEnabled:  c.offlineMode,
		PendingActionsCount: c.pending,
		LastSyncTime:        c.lastSync,
		Phase:               c.phase,
	}.clone()
}

func (c *Coordinator) publish() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	snapshot := c.snapshotLocked()
	listeners := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot.clone())
	}
}

// passObserver moves the state machine around engine passes
type passObserver struct {
	c *Coordinator
}

func (o passObserver) PassStarted(context.Context) {
	o.c.mu.Lock()
	o.c.phase = PhaseOnlineSyncing
	o.c.mu.Unlock()
	o.c.publish()
}

func (o passObserver) PassFinished(ctx context.Context, result pkgsync.Result) {
	lastSync, ok := pkgsync.ReadLastSyncTime(ctx, o.c.store)

	o.c.mu.Lock()
	o.c.pending = result.Remaining
	if ok {
		o.c.lastSync = &lastSync
	}
	o.c.phase = o.c.restingPhaseLocked()
	o.c.mu.Unlock()

	o.c.publish()
}
