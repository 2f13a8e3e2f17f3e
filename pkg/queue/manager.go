package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// candidateWindow bounds how many eligible requests are fetched per
// cycle for the pure-selection strategies.
const candidateWindow = 64

// admission tracks one in-flight enqueue of a fingerprint so concurrent
// duplicates share its result instead of racing past the dedup lookup.
type admission struct {
	done chan struct{}
	out  *Outcome
	err  error
}

// Manager owns the request lifecycle: admission, deduplication, the
// processing loop, retry and timeout scheduling, batching, circuit
// breaking, and result delivery through outcome handles.
type Manager struct {
	cfg       Config
	backend   Backend
	scheduler *Scheduler
	breakers  *BreakerManager
	batches   *BatchManager
	registry  *processorRegistry
	backoff   BackoffPolicy
	events    *EventBus
	logger    *slog.Logger

	// Correlation state: completion handles and per-request timers are
	// held here, never on the persisted records. inflight reserves a
	// fingerprint for the duration of one admission so concurrent
	// enqueues of the same content cannot both miss the dedup lookup.
	mu            sync.Mutex
	outcomes      map[uuid.UUID]*Outcome
	inflight      map[string]*admission
	retryTimers   map[uuid.UUID]*time.Timer
	timeoutTimers map[uuid.UUID]*time.Timer

	wake chan struct{}
	sem  chan struct{}

	wg       sync.WaitGroup
	stopMu   sync.Mutex // synchronizes WaitGroup adds with Stop
	stopping atomic.Bool
	runMu    sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewManager creates a queue manager on top of the given storage backend.
func NewManager(cfg Config, backend Backend, opts ...ManagerOption) (*Manager, error) {
	if backend == nil {
		return nil, ErrBackendNil
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	if cfg.CircuitRetryDelay <= 0 {
		cfg.CircuitRetryDelay = 5 * time.Second
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if !cfg.Strategy.Valid() {
		cfg.Strategy = StrategyPriority
	}

	options := &managerOptions{
		logger:  slog.Default(),
		backoff: cfg.Backoff.Policy(),
		events:  NewEventBus(64),
	}
	for _, opt := range opts {
		opt(options)
	}

	m := &Manager{
		cfg:           cfg,
		backend:       backend,
		scheduler:     NewScheduler(cfg.Strategy, cfg.Scheduler),
		breakers:      NewBreakerManager(cfg.Breaker),
		registry:      newProcessorRegistry(),
		backoff:       options.backoff,
		events:        options.events,
		logger:        options.logger,
		outcomes:      make(map[uuid.UUID]*Outcome),
		inflight:      make(map[string]*admission),
		retryTimers:   make(map[uuid.UUID]*time.Timer),
		timeoutTimers: make(map[uuid.UUID]*time.Timer),
		wake:          make(chan struct{}, 1),
		sem:           make(chan struct{}, cfg.MaxConcurrency),
	}

	m.breakers.OnStateChange(func(zone string, from, to BreakerStatus) {
		m.logger.Info("circuit breaker state changed",
			slog.String("zone", zone),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.events.Publish(Event{Type: EventBreakerChanged, Zone: zone, Breaker: to.String()})
	})

	if cfg.Batching.Enabled {
		m.batches = NewBatchManager(cfg.Batching, cfg.BatchTune, backend, m.handleBatchReady)
	}
	return m, nil
}

// RegisterProcessor registers the default processor, used when no
// endpoint or method registration matches.
func (m *Manager) RegisterProcessor(p Processor) { m.registry.registerDefault(p) }

// RegisterEndpointProcessor routes requests for an exact endpoint to p.
func (m *Manager) RegisterEndpointProcessor(endpoint string, p Processor) {
	m.registry.registerEndpoint(endpoint, p)
}

// RegisterMethodProcessor routes requests with the given method to p
// when no endpoint registration matches.
func (m *Manager) RegisterMethodProcessor(method Method, p Processor) {
	m.registry.registerMethod(method, p)
}

// Start initializes the backend and launches the processing and
// maintenance loops. A backend that cannot initialize is fatal.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return fmt.Errorf("queue manager already started")
	}
	if err := m.backend.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize storage backend: %w", err)
	}

	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.stopping.Store(false)

	go m.run()
	go m.maintain()

	m.logger.Info("queue manager started",
		slog.String("strategy", string(m.cfg.Strategy)),
		slog.Int("max_concurrency", cap(m.sem)),
		slog.Int("max_queue_size", m.cfg.MaxQueueSize))
	return nil
}

// Stop shuts the manager down: intake stops immediately, in-flight
// executions get up to ShutdownTimeout to settle, then the backend closes.
func (m *Manager) Stop() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel == nil {
		return fmt.Errorf("queue manager not started")
	}

	m.stopMu.Lock()
	m.stopping.Store(true)
	m.stopMu.Unlock()

	cancel := m.cancel
	m.cancel = nil
	cancel()

	if m.batches != nil {
		m.batches.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownTimeout):
		m.logger.Warn("shutdown timeout elapsed with executions still in flight",
			slog.Duration("timeout", m.cfg.ShutdownTimeout))
	}

	m.mu.Lock()
	for id, t := range m.retryTimers {
		t.Stop()
		delete(m.retryTimers, id)
	}
	for id, t := range m.timeoutTimers {
		t.Stop()
		delete(m.timeoutTimers, id)
	}
	m.mu.Unlock()

	m.events.Close()
	err := m.backend.Close()
	m.logger.Info("queue manager stopped")
	return err
}

// Subscribe returns a channel of lifecycle events. The subscription
// ends when ctx is cancelled or the manager stops.
func (m *Manager) Subscribe(ctx context.Context) <-chan Event {
	return m.events.Subscribe(ctx)
}

// Metrics returns the backend's aggregate snapshot.
func (m *Manager) Metrics(ctx context.Context) (*StorageMetrics, error) {
	return m.backend.Metrics(ctx)
}

// BreakerStates returns a snapshot of every destination zone's breaker.
func (m *Manager) BreakerStates() []BreakerSnapshot {
	return m.breakers.Snapshots()
}

// Health combines processor health with backend reachability.
func (m *Manager) Health(ctx context.Context) Health {
	if _, err := m.backend.Size(ctx, ""); err != nil {
		return Health{Status: "unhealthy", Message: fmt.Sprintf("storage backend: %v", err)}
	}
	if m.registry.empty() {
		return Health{Status: "degraded", Message: "no processors registered"}
	}
	return m.registry.health()
}

// Enqueue admits a new deferred request and returns its outcome handle.
// Duplicate content (same zone+method+endpoint+payload) within the
// dedup window returns the original request's handle instead of
// creating a second live request.
func (m *Manager) Enqueue(ctx context.Context, endpoint string, method Method, zone string, opts ...EnqueueOption) (*Outcome, error) {
	if m.stopping.Load() {
		return nil, ErrQueueClosed
	}
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if !method.Valid() {
		return nil, ErrInvalidMethod
	}
	if zone == "" {
		zone = DefaultZone
	}

	options := &enqueueOptions{
		priority:   PriorityDefault,
		timeout:    m.cfg.DefaultTimeout,
		maxRetries: m.cfg.DefaultMaxRetries,
		retryable:  true,
	}
	for _, opt := range opts {
		opt(options)
	}
	if !options.hasRetries {
		options.maxRetries = m.cfg.DefaultMaxRetries
	}
	if options.priority < PriorityMin || options.priority > PriorityMax {
		return nil, ErrInvalidPriority
	}

	if err := m.ensureCapacity(ctx, zone); err != nil {
		return nil, err
	}

	fingerprint := FingerprintRequest(zone, method, endpoint, options.data)
	id := uuid.New()
	out := newOutcome(id)

	commit := func(*Outcome, error) {}
	if m.cfg.DedupEnabled {
		if existing := m.dedupe(ctx, fingerprint); existing != nil {
			return existing, nil
		}
		// Reserve the fingerprint for the rest of the admission: a
		// concurrent enqueue of the same content that also missed the
		// lookup waits for this admission's result instead of creating
		// a second live request.
		adm := &admission{done: make(chan struct{})}
		m.mu.Lock()
		if prev, ok := m.inflight[fingerprint]; ok {
			m.mu.Unlock()
			select {
			case <-prev.done:
				return prev.out, prev.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		m.inflight[fingerprint] = adm
		m.mu.Unlock()
		defer func() {
			m.mu.Lock()
			delete(m.inflight, fingerprint)
			m.mu.Unlock()
		}()
		commit = func(o *Outcome, err error) {
			adm.out, adm.err = o, err
			close(adm.done)
		}

		// Re-check after reserving: an overlapping admission may have
		// persisted between the first lookup and the reservation.
		if existing := m.dedupe(ctx, fingerprint); existing != nil {
			commit(existing, nil)
			return existing, nil
		}
	}

	now := time.Now()
	r := &Request{
		ID:          id,
		GroupID:     options.groupID,
		Fingerprint: fingerprint,
		Endpoint:    endpoint,
		Method:      method,
		Zone:        zone,
		Priority:    options.priority,
		CreatedAt:   now,
		ScheduledAt: options.scheduledAt,
		Timeout:     options.timeout,
		MaxRetries:  options.maxRetries,
		Retryable:   options.retryable,
		Batchable:   options.batchable,
		Payload:     options.data,
		Headers:     options.headers,
		Metadata:    options.metadata,
		Status:      StatusPending,
	}

	batched := m.batches != nil && r.Batchable
	if batched {
		// Batch members are held out of the dequeue scan until their
		// batch flushes.
		r.Status = StatusDeferred
	}

	if err := m.backend.Enqueue(ctx, r); err != nil {
		err = fmt.Errorf("enqueue request %s: %w", r.ID, err)
		commit(nil, err)
		return nil, err
	}

	m.mu.Lock()
	m.outcomes[r.ID] = out
	if r.Timeout > 0 {
		m.timeoutTimers[r.ID] = time.AfterFunc(r.Timeout, func() { m.expire(r.ID) })
	}
	m.mu.Unlock()
	commit(out, nil)

	m.events.Publish(Event{Type: EventRequestEnqueued, RequestID: r.ID, Zone: r.Zone})
	m.logger.Debug("request enqueued",
		slog.String("request_id", r.ID.String()),
		slog.String("endpoint", r.Endpoint),
		slog.String("zone", r.Zone),
		slog.Int("priority", r.Priority))

	if batched {
		b, err := m.batches.Add(ctx, r)
		if err != nil {
			m.logger.Error("failed to add request to batch",
				slog.String("request_id", r.ID.String()),
				slog.String("error", err.Error()))
		} else if len(b.Requests) == 1 {
			m.events.Publish(Event{Type: EventBatchCreated, BatchID: b.ID, Zone: b.Zone})
		}
	} else {
		m.signal()
	}
	return out, nil
}

// Cancel transitions a non-terminal request to cancelled and rejects
// its outcome handle. Cancelling a terminal request is a no-op.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) error {
	r, err := m.backend.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return nil
	}

	status := StatusCancelled
	if err := m.backend.UpdateRequest(ctx, id, Update{Status: &status}); err != nil {
		return err
	}
	m.clearTimers(id)
	m.settle(id, nil, ErrRequestCancelled)
	m.events.Publish(Event{Type: EventRequestCancelled, RequestID: id, Zone: r.Zone})
	return nil
}

// ensureCapacity enforces the queue size cap, shedding expired entries
// before rejecting the admission.
func (m *Manager) ensureCapacity(ctx context.Context, zone string) error {
	size, err := m.backend.Size(ctx, "")
	if err != nil {
		return fmt.Errorf("check queue size: %w", err)
	}
	if size < m.cfg.MaxQueueSize {
		return nil
	}

	// Full: reclaim entries that outlived their timeout, then re-check.
	res, err := m.backend.Maintenance(ctx)
	if err == nil {
		m.settleExpired(res.Expired)
	}
	size, err = m.backend.Size(ctx, "")
	if err != nil {
		return fmt.Errorf("check queue size: %w", err)
	}
	if size >= m.cfg.MaxQueueSize {
		m.events.Publish(Event{Type: EventQueueFull, Zone: zone})
		return ErrQueueFull
	}
	return nil
}

// dedupe returns the original outcome handle when a live request with
// the fingerprint exists inside the dedup window.
func (m *Manager) dedupe(ctx context.Context, fingerprint string) *Outcome {
	existing, err := m.backend.GetByFingerprint(ctx, fingerprint)
	if err != nil || existing == nil {
		return nil
	}
	if m.cfg.DedupWindow > 0 && time.Since(existing.CreatedAt) > m.cfg.DedupWindow {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outcomes[existing.ID]
	if !ok {
		// Request survived a restart; re-create its handle.
		out = newOutcome(existing.ID)
		m.outcomes[existing.ID] = out
	}
	return out
}

// persistCtx returns a context that survives Stop's cancellation. Every
// state transition that ends or reschedules a claimed request must be
// durably recorded even while the shutdown wait is already in progress;
// the outcome handle resolves only after the write.
func (m *Manager) persistCtx() context.Context {
	return context.WithoutCancel(m.ctx)
}

// signal wakes the processing loop without blocking.
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// run is the processing loop: a wake-up on enqueue plus a fallback tick
// drive claim-and-execute cycles, bounded by the concurrency semaphore.
func (m *Manager) run() {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		case <-ticker.C:
		}
		m.drain()
	}
}

// drain claims and launches eligible requests until either the queue or
// the execution slots run dry.
func (m *Manager) drain() {
	for {
		select {
		case m.sem <- struct{}{}:
		default:
			return
		}

		r, err := m.claimNext()
		if err != nil {
			// Storage hiccups are logged; the next cycle retries.
			m.logger.Error("dequeue failed", slog.String("error", err.Error()))
			<-m.sem
			return
		}
		if r == nil {
			<-m.sem
			return
		}

		m.stopMu.Lock()
		if m.stopping.Load() {
			m.stopMu.Unlock()
			<-m.sem
			return
		}
		m.wg.Add(1)
		m.stopMu.Unlock()

		go func() {
			defer m.wg.Done()
			defer func() { <-m.sem }()
			m.execute(r)
		}()
	}
}

// claimNext picks and atomically claims the next request according to
// the configured strategy.
func (m *Manager) claimNext() (*Request, error) {
	if m.cfg.Strategy == StrategyPriority {
		// The backend's native scan implements priority ordering.
		return m.backend.Dequeue(m.ctx, "")
	}

	// Pure-selection strategies: fetch the eligible window, select, then
	// claim; a lost race against a concurrent worker just reselects.
	for attempt := 0; attempt < 3; attempt++ {
		candidates, err := m.candidates()
		if err != nil {
			return nil, err
		}
		pick := m.scheduler.SelectNext(candidates)
		if pick == nil {
			return nil, nil
		}
		r, err := m.backend.Claim(m.ctx, pick.ID)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrNotClaimable) && !errors.Is(err, ErrRequestNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// candidates fetches the eligible window for the pure-selection
// strategies. LIFO fetches newest-first so the globally newest request
// is always in the window. Weighted and adaptive merge the oldest
// window with a highest-priority window: aging keeps old low-priority
// entries visible while a fresh high-priority arrival is never hidden
// behind a large backlog.
func (m *Manager) candidates() ([]*Request, error) {
	base := Filter{
		Statuses:        []Status{StatusPending},
		ScheduledBefore: time.Now(),
		SortBy:          SortByCreatedAt,
		Limit:           candidateWindow,
	}

	switch m.cfg.Strategy {
	case StrategyLIFO:
		base.SortDesc = true
		return m.backend.GetRequests(m.ctx, base)
	case StrategyFIFO:
		return m.backend.GetRequests(m.ctx, base)
	}

	oldest, err := m.backend.GetRequests(m.ctx, base)
	if err != nil {
		return nil, err
	}
	if len(oldest) < candidateWindow {
		// The window already holds every eligible request.
		return oldest, nil
	}

	top := base
	top.SortBy = SortByPriority
	top.SortDesc = true
	byPriority, err := m.backend.GetRequests(m.ctx, top)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]struct{}, len(oldest))
	for _, r := range oldest {
		seen[r.ID] = struct{}{}
	}
	merged := oldest
	for _, r := range byPriority {
		if _, ok := seen[r.ID]; !ok {
			merged = append(merged, r)
		}
	}
	return merged, nil
}

// execute runs a claimed request through the breaker gate and its
// processor, then records the outcome everywhere it belongs.
func (m *Manager) execute(r *Request) {
	if !m.breakers.CanExecute(r.Zone) {
		// Destination is isolated: put the request back with a short
		// delay. CircuitOpenError never surfaces unless retries exhaust.
		m.rescheduleCircuitOpen(r)
		return
	}

	m.events.Publish(Event{Type: EventRequestProcessing, RequestID: r.ID, Zone: r.Zone})

	processor := m.registry.resolve(r)
	if processor == nil {
		// Configuration error: retrying cannot help.
		m.fail(r, ErrNoProcessor, 0, 0)
		return
	}

	start := time.Now()
	ctx := context.Background()
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, r.CreatedAt.Add(r.Timeout))
		defer cancel()
	}

	res, err := func() (res *Result, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic in processor: %v", p)
			}
		}()
		return processor.ProcessRequest(ctx, r)
	}()
	duration := time.Since(start)

	if err != nil {
		m.breakers.RecordFailure(r.Zone)
		m.scheduler.RecordOutcome(r.Priority, false, duration)
		m.handleFailure(r, err, duration, 0)
		return
	}

	m.breakers.RecordSuccess(r.Zone)
	m.scheduler.RecordOutcome(r.Priority, true, duration)
	m.complete(r, res, duration)
}

// rescheduleCircuitOpen returns a claimed request to pending with the
// configured short delay.
func (m *Manager) rescheduleCircuitOpen(r *Request) {
	status := StatusPending
	at := time.Now().Add(m.cfg.CircuitRetryDelay)
	err := m.backend.UpdateRequest(m.persistCtx(), r.ID, Update{Status: &status, ScheduledAt: &at})
	if err != nil {
		m.logger.Error("failed to reschedule request behind open breaker",
			slog.String("request_id", r.ID.String()),
			slog.String("zone", r.Zone),
			slog.String("error", err.Error()))
		return
	}
	m.logger.Debug("circuit open, request rescheduled",
		slog.String("request_id", r.ID.String()),
		slog.String("zone", r.Zone),
		slog.Duration("delay", m.cfg.CircuitRetryDelay))
}

// complete durably records success, then resolves the caller's handle.
func (m *Manager) complete(r *Request, res *Result, duration time.Duration) {
	status := StatusCompleted
	exec := Execution{At: time.Now(), Duration: duration, Outcome: "success"}
	if res != nil {
		exec.StatusCode = res.StatusCode
	}
	if err := m.backend.UpdateRequest(m.persistCtx(), r.ID, Update{Status: &status, AppendExecution: &exec}); err != nil {
		m.logger.Error("failed to persist completion",
			slog.String("request_id", r.ID.String()),
			slog.String("error", err.Error()))
	}

	m.clearTimers(r.ID)
	m.settle(r.ID, res, nil)
	m.events.Publish(Event{Type: EventRequestCompleted, RequestID: r.ID, Zone: r.Zone})
	m.logger.Info("request completed",
		slog.String("request_id", r.ID.String()),
		slog.String("endpoint", r.Endpoint),
		slog.String("zone", r.Zone),
		slog.Duration("duration", duration))
}

// handleFailure drives the retry decision for a failed execution.
func (m *Manager) handleFailure(r *Request, execErr error, duration time.Duration, statusCode int) {
	m.logger.Error("request execution failed",
		slog.String("request_id", r.ID.String()),
		slog.String("endpoint", r.Endpoint),
		slog.String("zone", r.Zone),
		slog.Int("retry_count", r.RetryCount),
		slog.Int("max_retries", r.MaxRetries),
		slog.String("error", execErr.Error()))

	if r.Retryable && r.RetryCount < r.MaxRetries {
		m.retry(r, execErr, duration, statusCode)
		return
	}
	m.fail(r, execErr, duration, statusCode)
}

// retry schedules the next attempt with exponential backoff.
func (m *Manager) retry(r *Request, execErr error, duration time.Duration, statusCode int) {
	delay := m.backoff.NextDelay(r.RetryCount)
	retryCount := r.RetryCount + 1
	status := StatusRetrying
	at := time.Now().Add(delay)
	lastErr := execErr.Error()
	exec := Execution{At: time.Now(), Duration: duration, Outcome: "failure", StatusCode: statusCode, Error: lastErr}

	err := m.backend.UpdateRequest(m.persistCtx(), r.ID, Update{
		Status:          &status,
		RetryCount:      &retryCount,
		ScheduledAt:     &at,
		LastError:       &lastErr,
		AppendExecution: &exec,
	})
	if err != nil {
		m.logger.Error("failed to persist retry state",
			slog.String("request_id", r.ID.String()),
			slog.String("error", err.Error()))
		return
	}

	m.events.Publish(Event{Type: EventRequestRetrying, RequestID: r.ID, Zone: r.Zone, Err: lastErr})
	m.logger.Info("request scheduled for retry",
		slog.String("request_id", r.ID.String()),
		slog.Int("retry_count", retryCount),
		slog.Duration("delay", delay))

	id := r.ID
	m.mu.Lock()
	m.retryTimers[id] = time.AfterFunc(delay, func() { m.releaseRetry(id) })
	m.mu.Unlock()
}

// releaseRetry flips a retrying request back to pending once its delay
// elapses. A request cancelled or expired in the meantime is left alone.
func (m *Manager) releaseRetry(id uuid.UUID) {
	m.mu.Lock()
	delete(m.retryTimers, id)
	m.mu.Unlock()

	r, err := m.backend.GetRequest(context.Background(), id)
	if err != nil || r.Status != StatusRetrying {
		return
	}
	status := StatusPending
	if err := m.backend.UpdateRequest(context.Background(), id, Update{Status: &status}); err != nil {
		m.logger.Error("failed to release retry",
			slog.String("request_id", id.String()),
			slog.String("error", err.Error()))
		return
	}
	m.signal()
}

// fail durably records a terminal failure, then rejects the handle.
func (m *Manager) fail(r *Request, execErr error, duration time.Duration, statusCode int) {
	status := StatusFailed
	lastErr := execErr.Error()
	exec := Execution{At: time.Now(), Duration: duration, Outcome: "failure", StatusCode: statusCode, Error: lastErr}
	err := m.backend.UpdateRequest(m.persistCtx(), r.ID, Update{
		Status:          &status,
		LastError:       &lastErr,
		AppendExecution: &exec,
	})
	if err != nil {
		m.logger.Error("failed to persist failure",
			slog.String("request_id", r.ID.String()),
			slog.String("error", err.Error()))
	}

	m.clearTimers(r.ID)
	terminal := execErr
	if !errors.Is(execErr, ErrNoProcessor) && r.RetryCount >= r.MaxRetries && r.MaxRetries > 0 {
		terminal = fmt.Errorf("%w: %s", ErrRetriesExhausted, lastErr)
	}
	m.settle(r.ID, nil, terminal)
	m.events.Publish(Event{Type: EventRequestFailed, RequestID: r.ID, Zone: r.Zone, Err: lastErr})
}

// expire handles a request whose queue timeout elapsed before completion.
// Requests currently processing are left to finish.
func (m *Manager) expire(id uuid.UUID) {
	m.mu.Lock()
	delete(m.timeoutTimers, id)
	m.mu.Unlock()

	r, err := m.backend.GetRequest(context.Background(), id)
	if err != nil {
		return
	}
	switch r.Status {
	case StatusPending, StatusRetrying, StatusDeferred:
	default:
		return
	}

	status := StatusExpired
	if err := m.backend.UpdateRequest(context.Background(), id, Update{Status: &status}); err != nil {
		m.logger.Error("failed to expire request",
			slog.String("request_id", id.String()),
			slog.String("error", err.Error()))
		return
	}
	m.clearTimers(id)
	m.settle(id, nil, ErrRequestTimeout)
	m.events.Publish(Event{Type: EventRequestExpired, RequestID: id, Zone: r.Zone})
}

// settleExpired rejects handles for requests the maintenance sweep expired.
func (m *Manager) settleExpired(expired []*Request) {
	for _, r := range expired {
		m.clearTimers(r.ID)
		m.settle(r.ID, nil, ErrRequestTimeout)
		m.events.Publish(Event{Type: EventRequestExpired, RequestID: r.ID, Zone: r.Zone})
	}
}

// settle resolves or rejects the outcome handle for the request and
// drops it from the correlation map.
func (m *Manager) settle(id uuid.UUID, res *Result, err error) {
	m.mu.Lock()
	out, ok := m.outcomes[id]
	if ok {
		delete(m.outcomes, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if err != nil {
		out.reject(err)
	} else {
		out.resolve(res)
	}
}

func (m *Manager) clearTimers(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.retryTimers[id]; ok {
		t.Stop()
		delete(m.retryTimers, id)
	}
	if t, ok := m.timeoutTimers[id]; ok {
		t.Stop()
		delete(m.timeoutTimers, id)
	}
}

// maintain is the housekeeping loop, decoupled from processing.
func (m *Manager) maintain() {
	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := m.backend.Maintenance(m.ctx)
		if err != nil {
			m.logger.Error("maintenance pass failed", slog.String("error", err.Error()))
			continue
		}
		m.settleExpired(res.Expired)

		metrics, err := m.backend.Metrics(m.ctx)
		if err == nil {
			m.events.Publish(Event{Type: EventMetricsUpdated, Metrics: metrics})
		}
	}
}

// handleBatchReady executes a ready batch: the members still live at
// flush time run through the batch processor; per-member outcomes
// resolve individually.
func (m *Manager) handleBatchReady(b *Batch) {
	m.events.Publish(Event{Type: EventBatchReady, BatchID: b.ID, Zone: b.Zone})

	if !m.breakers.CanExecute(b.Zone) {
		// The whole batch targets one zone; wait out the breaker.
		time.AfterFunc(m.cfg.CircuitRetryDelay, func() {
			if !m.stopping.Load() {
				m.handleBatchReady(b)
			}
		})
		return
	}

	select {
	case m.sem <- struct{}{}:
	case <-m.ctx.Done():
		return
	}

	m.stopMu.Lock()
	if m.stopping.Load() {
		m.stopMu.Unlock()
		<-m.sem
		return
	}
	m.wg.Add(1)
	m.stopMu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() { <-m.sem }()
		m.executeBatch(b)
	}()
}

func (m *Manager) executeBatch(b *Batch) {
	// An admitted batch settles even when Stop's cancellation races the
	// execution, so persistence and the processor outlive m.ctx.
	ctx := m.persistCtx()

	// Re-read members: some may have been cancelled or expired while
	// the batch was collecting.
	live := make([]*Request, 0, len(b.Requests))
	for _, member := range b.Requests {
		current, err := m.backend.GetRequest(ctx, member.ID)
		if err != nil || current.Status.IsTerminal() {
			continue
		}
		live = append(live, current)
	}
	if len(live) == 0 {
		status := BatchStatusExpired
		_ = m.backend.UpdateBatch(ctx, b.ID, BatchUpdate{Status: &status})
		return
	}

	processing := StatusProcessing
	for _, r := range live {
		if err := m.backend.UpdateRequest(ctx, r.ID, Update{Status: &processing}); err != nil {
			m.logger.Error("failed to mark batch member processing",
				slog.String("request_id", r.ID.String()),
				slog.String("error", err.Error()))
		}
		m.events.Publish(Event{Type: EventRequestProcessing, RequestID: r.ID, Zone: r.Zone})
	}

	exec := &Batch{
		ID: b.ID, Priority: b.Priority, CreatedAt: b.CreatedAt,
		Endpoint: b.Endpoint, Zone: b.Zone, Requests: live,
		MaxSize: b.MaxSize, Timeout: b.Timeout, Status: BatchStatusProcessing,
	}

	processor := m.registry.resolve(live[0])
	if processor == nil {
		for _, r := range live {
			m.fail(r, ErrNoProcessor, 0, 0)
		}
		status := BatchStatusFailed
		_ = m.backend.UpdateBatch(ctx, b.ID, BatchUpdate{Status: &status})
		return
	}

	start := time.Now()
	results, err := func() (results []*Result, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic in batch processor: %v", p)
			}
		}()
		return processor.ProcessBatch(ctx, exec)
	}()
	duration := time.Since(start)

	succeeded := 0
	for i, r := range live {
		if err == nil && i < len(results) {
			m.breakers.RecordSuccess(r.Zone)
			m.scheduler.RecordOutcome(r.Priority, true, duration)
			m.complete(r, results[i], duration)
			succeeded++
			continue
		}
		memberErr := err
		if memberErr == nil {
			memberErr = fmt.Errorf("batch processor returned no result for request %s", r.ID)
		}
		m.breakers.RecordFailure(r.Zone)
		m.scheduler.RecordOutcome(r.Priority, false, duration)
		m.handleFailure(r, memberErr, duration, 0)
	}

	var status BatchStatus
	switch {
	case succeeded == len(live):
		status = BatchStatusCompleted
	case succeeded > 0:
		status = BatchStatusPartial
	default:
		status = BatchStatusFailed
	}
	_ = m.backend.UpdateBatch(ctx, b.ID, BatchUpdate{Status: &status})

	if m.batches != nil {
		m.batches.RecordFlush(len(live), duration, len(live)-succeeded)
	}
	m.logger.Info("batch executed",
		slog.String("batch_id", b.ID.String()),
		slog.String("zone", b.Zone),
		slog.Int("size", len(live)),
		slog.Int("succeeded", succeeded),
		slog.Duration("duration", duration))
}
