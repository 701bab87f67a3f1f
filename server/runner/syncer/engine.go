// Package syncer drains the pending operation queue against the remote store.
//
// Each operation moves through
//
//	Queued -> InFlight -> Succeeded
//	                   -> RetryScheduled -> Queued
//	                   -> FailedPermanently
//
// Only one sync pass runs at a time. Timer, reconnect and explicit triggers
// all funnel into TriggerSync.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	coreerrors "github.com/hrygo/crmsync/internal/errors"
	"github.com/hrygo/crmsync/internal/observability"
	"github.com/hrygo/crmsync/internal/tenancy"
	"github.com/hrygo/crmsync/plugin/connectivity"
	"github.com/hrygo/crmsync/plugin/metrics"
	"github.com/hrygo/crmsync/plugin/remote"
	"github.com/hrygo/crmsync/plugin/sensitivity"
	"github.com/hrygo/crmsync/store"
)

// Invalidator drops cached copies of a record. *cache.TieredCache implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, pattern string) int
}

// EventType is the kind of outcome reported to listeners.
type EventType string

const (
	EventSucceeded EventType = "succeeded"
	EventRetry     EventType = "retry_scheduled"
	EventFailed    EventType = "failed_permanently"
	EventConflict  EventType = "conflict"
)

// Event is delivered to listeners after an operation outcome.
type Event struct {
	Type      EventType
	Operation *store.PendingOperation
	Conflict  *Conflict
	Err       error
}

// Listener receives outcome events. Listeners run synchronously on the sync
// goroutine and must not block; a panicking listener is logged and ignored.
type Listener func(Event)

// Skip reasons of a pass that did not run.
const (
	SkipBusy    = "busy"
	SkipOffline = "offline"
)

// PassResult summarises one sync pass.
type PassResult struct {
	PassID      string        `json:"pass_id"`
	Skipped     string        `json:"skipped,omitempty"`
	Attempted   int           `json:"attempted"`
	Succeeded   int           `json:"succeeded"`
	Retried     int           `json:"retried"`
	Failed      int           `json:"failed"`
	Conflicts   int           `json:"conflicts"`
	NotDue      int           `json:"not_due"`
	Batches     int           `json:"batches"`
	Interrupted bool          `json:"interrupted,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

// Stats is a snapshot of the engine and its queue.
type Stats struct {
	Online            bool        `json:"online"`
	Running           bool        `json:"running"`
	QueueDepth        int         `json:"queue_depth"`
	FailedDepth       int         `json:"failed_depth"`
	Succeeded         int64       `json:"succeeded"`
	Retried           int64       `json:"retried"`
	FailedPermanently int64       `json:"failed_permanently"`
	Conflicts         int64       `json:"conflicts"`
	Passes            int64       `json:"passes"`
	LastPass          *PassResult `json:"last_pass,omitempty"`
}

// Engine is the sync engine.
type Engine struct {
	cfg     Config
	store   *store.Store
	remote  remote.Store
	monitor *connectivity.Monitor
	cache   Invalidator
	sink    metrics.Sink
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	listeners []Listener
	lastPass  *PassResult
	timers    map[string]*time.Timer

	running   atomic.Bool
	started   atomic.Bool
	succeeded atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
	conflicts atomic.Int64
	passes    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a sync engine. cache and sink may be nil.
func NewEngine(cfg Config, s *store.Store, remoteStore remote.Store, monitor *connectivity.Monitor, cache Invalidator, sink metrics.Sink) *Engine {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = metrics.NopSink{}
	}
	if monitor == nil {
		monitor = connectivity.NewMonitor(nil)
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.BatchSize
	if burst < 1 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		store:   s,
		remote:  remoteStore,
		monitor: monitor,
		cache:   cache,
		sink:    sink,
		limiter: rate.NewLimiter(limit, burst),
		sem:     semaphore.NewWeighted(1),
		logger:  slog.Default().With(slog.String(observability.LogFieldComponent, "syncer")),
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddListener registers a listener for operation outcomes.
func (e *Engine) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Start runs a first pass, then the periodic timer, and subscribes to reconnects.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.monitor.OnReconnect(func() {
		go e.runTriggered("reconnect")
	})

	e.wg.Add(1)
	go e.run()
}

// Stop stops the timer, pending retry timers and waits for a running pass.
func (e *Engine) Stop() {
	e.cancel()

	e.mu.Lock()
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()

	e.wg.Wait()
	// A pass started by a reconnect or retry holds the semaphore until it settles.
	if err := e.sem.Acquire(context.Background(), 1); err == nil {
		e.sem.Release(1)
	}
}

func (e *Engine) run() {
	defer e.wg.Done()

	e.runTriggered("startup")

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.runTriggered("timer")
		case <-e.ctx.Done():
			e.logger.Info("sync engine stopped")
			return
		}
	}
}

func (e *Engine) runTriggered(trigger string) {
	if e.ctx.Err() != nil {
		return
	}
	result, err := e.TriggerSync(e.ctx)
	if err != nil {
		e.logger.Error("sync pass aborted", slog.String("trigger", trigger), slog.String("error", err.Error()))
		return
	}
	if result.Skipped == "" && result.Attempted > 0 {
		e.logger.Info("sync pass completed",
			slog.String("trigger", trigger),
			slog.String(observability.LogFieldPassID, result.PassID),
			slog.Int("attempted", result.Attempted),
			slog.Int("succeeded", result.Succeeded),
			slog.Int("retried", result.Retried),
			slog.Int("failed", result.Failed),
		)
	}
}

// ScheduleOperation persists op and, when online and no pass is running,
// executes it right away. The operation is durable before it is attempted.
// Missing ID, tenant, user and enqueue time are filled in from ctx.
func (e *Engine) ScheduleOperation(ctx context.Context, op *store.PendingOperation) error {
	if op == nil {
		return coreerrors.InvalidArgument("operation required")
	}
	if op.TenantID == "" || op.UserID == "" {
		caller, ok := tenancy.FromContext(ctx)
		if !ok {
			return coreerrors.MissingContext()
		}
		op.TenantID, op.UserID = caller.TenantID, caller.UserID
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = e.now()
	}
	if op.RecordID == "" {
		if id, ok := store.RecordID(op.Payload); ok {
			op.RecordID = id
		}
	}
	if op.Kind != store.OperationCreate && op.RecordID == "" {
		return coreerrors.InvalidArgument("record id required for " + string(op.Kind))
	}

	// A replay must send what the caller sent. The queue never holds CRITICAL
	// fields, so such a payload cannot be replayed whole.
	if op.Payload != nil && e.store.Classifier().ClassifyRecord(op.Payload) == sensitivity.Critical {
		e.logger.Warn("refused operation carrying critical fields",
			slog.String(observability.LogFieldTenantID, op.TenantID),
			slog.String("resource", op.Resource))
		e.sink.Emit(metrics.NewEvent(metrics.EventSecurityViolation, map[string]any{
			"type":      "critical_sync_attempt",
			"tenant_id": op.TenantID,
			"resource":  op.Resource,
		}))
		return coreerrors.CriticalRejected("operation payload carries critical fields")
	}

	if err := e.store.EnqueueOperation(ctx, op); err != nil {
		return err
	}
	e.emitOperation(op, "queued")

	if !e.monitor.Online() || !e.sem.TryAcquire(1) {
		return nil
	}
	defer e.sem.Release(1)

	queued, err := e.queuedOnRecord(ctx, op)
	if err != nil {
		e.logger.Warn("could not check the queue before immediate execution",
			slog.String(observability.LogFieldOperationID, op.ID),
			slog.String("error", err.Error()))
		return nil
	}
	if queued {
		// Earlier writes to the same record go first, so replay the queue in order.
		result := e.newPassResult()
		if err := e.runPass(ctx, result); err != nil {
			e.logger.Warn("sync pass aborted", slog.String(observability.LogFieldPassID, result.PassID), slog.String("error", err.Error()))
		}
		return nil
	}

	e.running.Store(true)
	defer e.running.Store(false)

	var result PassResult
	if err := e.process(ctx, op, &passCounters{result: &result}); err != nil {
		// The operation is still queued; the next pass picks it up.
		e.logger.Warn("immediate execution could not record its outcome",
			slog.String(observability.LogFieldOperationID, op.ID),
			slog.String("error", err.Error()))
	}
	return nil
}

// ForceSync runs a pass now. It is the explicit caller trigger.
func (e *Engine) ForceSync(ctx context.Context) (*PassResult, error) {
	return e.TriggerSync(ctx)
}

// TriggerSync runs one sync pass unless one is already running or the remote
// is unreachable. Errors mean the pass was aborted; no queued operation is lost.
func (e *Engine) TriggerSync(ctx context.Context) (*PassResult, error) {
	result := e.newPassResult()

	if !e.sem.TryAcquire(1) {
		result.Skipped = SkipBusy
		return result, nil
	}
	defer e.sem.Release(1)

	if !e.monitor.Verify(ctx) {
		result.Skipped = SkipOffline
		return result, nil
	}

	return result, e.runPass(ctx, result)
}

func (e *Engine) newPassResult() *PassResult {
	return &PassResult{PassID: observability.NewPassID(), StartedAt: e.now()}
}

// queuedOnRecord reports whether another queued operation writes the record op writes.
func (e *Engine) queuedOnRecord(ctx context.Context, op *store.PendingOperation) (bool, error) {
	if op.RecordID == "" {
		return false, nil
	}
	pending, err := e.store.PendingOperations(ctx, &store.FindOperation{TenantID: &op.TenantID})
	if err != nil {
		return false, err
	}
	key := recordKey(op)
	for _, other := range pending {
		if other.ID != op.ID && recordKey(other) == key {
			return true, nil
		}
	}
	return false, nil
}

// runPass runs one pass and records it. The caller holds the semaphore.
func (e *Engine) runPass(ctx context.Context, result *PassResult) error {
	e.running.Store(true)
	defer e.running.Store(false)

	err := e.pass(ctx, result)
	result.Duration = time.Since(result.StartedAt)

	e.passes.Add(1)
	e.mu.Lock()
	e.lastPass = result
	e.mu.Unlock()

	e.sink.Emit(metrics.NewEvent(metrics.EventSyncPass, map[string]any{
		"pass_id":   result.PassID,
		"attempted": result.Attempted,
		"succeeded": result.Succeeded,
		"retried":   result.Retried,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
	}))
	if depth, derr := e.store.QueueDepth(ctx); derr == nil {
		e.sink.Emit(metrics.NewEvent(metrics.EventQueueDepth, map[string]any{"depth": depth}))
	}

	return err
}

func (e *Engine) pass(ctx context.Context, result *PassResult) error {
	ops, err := e.store.PendingOperations(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to load pending operations")
	}

	sortOperations(ops)

	// An operation waiting for its retry holds back later writes to its record.
	now := e.now()
	held := make(map[string]bool)
	due := make([]*store.PendingOperation, 0, len(ops))
	for _, op := range ops {
		key := recordKey(op)
		if held[key] || !op.Due(now) {
			held[key] = true
			result.NotDue++
			continue
		}
		due = append(due, op)
	}

	counters := &passCounters{result: result}
	for _, batch := range planBatches(due, e.cfg.BatchSize) {
		if !e.monitor.Online() {
			result.Interrupted = true
			e.logger.Info("connectivity lost, stopping sync pass", slog.String(observability.LogFieldPassID, result.PassID))
			break
		}
		result.Batches++

		var g errgroup.Group
		for _, op := range batch {
			op := op
			g.Go(func() error {
				return e.process(ctx, op, counters)
			})
		}
		if err := g.Wait(); err != nil {
			return errors.Wrap(err, "sync pass aborted")
		}
	}
	return nil
}

type passCounters struct {
	mu     sync.Mutex
	result *PassResult
}

func (c *passCounters) add(fn func(r *PassResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.result)
}

// process executes op once and records the outcome. It returns an error only
// when the outcome could not be persisted.
func (e *Engine) process(ctx context.Context, op *store.PendingOperation, counters *passCounters) error {
	counters.add(func(r *PassResult) { r.Attempted++ })

	server, err := e.execute(ctx, op)
	if err != nil {
		return e.handleFailure(ctx, op, err, counters)
	}

	if err := e.store.CompleteOperation(ctx, op.ID); err != nil {
		return err
	}
	e.succeeded.Add(1)
	counters.add(func(r *PassResult) { r.Succeeded++ })
	e.emitOperation(op, "succeeded")
	e.notify(Event{Type: EventSucceeded, Operation: op})

	if op.Kind == store.OperationUpdate {
		if fields := diffFields(op.Payload, server, e.cfg.ConflictIgnoreFields); len(fields) > 0 {
			counters.add(func(r *PassResult) { r.Conflicts++ })
			return e.resolveConflict(ctx, op, op.Payload, server, fields)
		}
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, op *store.PendingOperation) (store.Record, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter")
	}

	callerCtx := tenancy.WithCaller(ctx, tenancy.Caller{TenantID: op.TenantID, UserID: op.UserID})
	switch op.Kind {
	case store.OperationCreate:
		return e.remote.Create(callerCtx, op.Resource, op.Payload)
	case store.OperationUpdate:
		return e.remote.Update(callerCtx, op.Resource, op.RecordID, op.Payload)
	case store.OperationDelete:
		return nil, e.remote.Delete(callerCtx, op.Resource, op.RecordID)
	default:
		return nil, errors.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (e *Engine) handleFailure(ctx context.Context, op *store.PendingOperation, cause error, counters *passCounters) error {
	op.RetryCount++
	op.LastError = cause.Error()

	if op.RetryCount > e.cfg.MaxRetries {
		if err := e.store.FailOperation(ctx, op); err != nil {
			return err
		}
		e.failed.Add(1)
		counters.add(func(r *PassResult) { r.Failed++ })

		failure := coreerrors.SyncOperationFailed(op.ID, cause)
		call := observability.NewCallContextWithID(e.logger, op.ID, "", op.TenantID, op.UserID)
		call.Error("operation failed permanently", failure,
			slog.String(observability.LogFieldErrorCode, string(coreerrors.ErrCodeSyncOperationFailed)),
			slog.Int("retry_count", op.RetryCount),
		)
		e.sink.Emit(metrics.NewEvent(metrics.EventOperationFailed, map[string]any{
			"resource": op.Resource,
			"kind":     string(op.Kind),
			"tenant":   op.TenantID,
			"retries":  op.RetryCount,
		}))
		e.notify(Event{Type: EventFailed, Operation: op, Err: failure})
		return nil
	}

	delay := e.cfg.retryDelay(op.RetryCount)
	op.NextAttemptAt = e.now().Add(delay)
	if err := e.store.UpdateOperation(ctx, op); err != nil {
		return err
	}
	e.retried.Add(1)
	counters.add(func(r *PassResult) { r.Retried++ })
	e.logger.Debug("operation retry scheduled",
		slog.String(observability.LogFieldOperationID, op.ID),
		slog.Int("retry_count", op.RetryCount),
		slog.Duration("delay", delay),
		slog.String("error", op.LastError),
	)
	e.emitOperation(op, "retry_scheduled")
	e.notify(Event{Type: EventRetry, Operation: op, Err: cause})
	e.armRetry(op.ID, delay)
	return nil
}

// armRetry triggers a pass once the delay elapsed. Only a started engine arms
// timers; otherwise the next explicit or periodic pass picks the operation up.
func (e *Engine) armRetry(id string, delay time.Duration) {
	if !e.started.Load() || e.ctx.Err() != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.timers[id]; ok {
		old.Stop()
	}
	e.timers[id] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, id)
		e.mu.Unlock()

		e.runTriggered("retry")
	})
}

func (e *Engine) emitOperation(op *store.PendingOperation, status string) {
	e.sink.Emit(metrics.NewEvent(metrics.EventSyncOperation, map[string]any{
		"status":   status,
		"kind":     string(op.Kind),
		"resource": op.Resource,
		"priority": op.Priority.String(),
		"tenant":   op.TenantID,
	}))
}

func (e *Engine) notify(event Event) {
	e.mu.Lock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("sync listener panicked", slog.Any("panic", r), slog.String("event", string(event.Type)))
				}
			}()
			l(event)
		}()
	}
}

// GetSyncStats returns engine counters and queue depths.
func (e *Engine) GetSyncStats(ctx context.Context) (*Stats, error) {
	depth, err := e.store.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := e.store.FailedOperations(ctx, nil)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	lastPass := e.lastPass
	e.mu.Unlock()

	return &Stats{
		Online:            e.monitor.Online(),
		Running:           e.running.Load(),
		QueueDepth:        depth,
		FailedDepth:       len(failed),
		Succeeded:         e.succeeded.Load(),
		Retried:           e.retried.Load(),
		FailedPermanently: e.failed.Load(),
		Conflicts:         e.conflicts.Load(),
		Passes:            e.passes.Load(),
		LastPass:          lastPass,
	}, nil
}

// FailedOperations lists permanently failed operations. With a caller in ctx
// only that tenant's operations are returned.
func (e *Engine) FailedOperations(ctx context.Context) ([]*store.PendingOperation, error) {
	return e.store.FailedOperations(ctx, findForCaller(ctx))
}

// ClearFailedOperations discards permanently failed operations, scoped like FailedOperations.
func (e *Engine) ClearFailedOperations(ctx context.Context) (int, error) {
	var tenantID *string
	if caller, ok := tenancy.FromContext(ctx); ok {
		tenantID = &caller.TenantID
	}
	return e.store.ClearFailedOperations(ctx, tenantID)
}

// PendingOperations lists queued operations, scoped like FailedOperations.
func (e *Engine) PendingOperations(ctx context.Context) ([]*store.PendingOperation, error) {
	return e.store.PendingOperations(ctx, findForCaller(ctx))
}

func findForCaller(ctx context.Context) *store.FindOperation {
	caller, ok := tenancy.FromContext(ctx)
	if !ok {
		return nil
	}
	return &store.FindOperation{TenantID: &caller.TenantID}
}
