package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/stowage/internal/bus"
	stowotel "github.com/basket/stowage/internal/otel"
	"github.com/basket/stowage/internal/persistence"
	"github.com/basket/stowage/internal/shared"
)

// Store is the task store the drainer works against.
type Store interface {
	InsertTaskWithEvent(ctx context.Context, nt persistence.NewTask) (string, bool, error)
	ListUnstarted(ctx context.Context, owner persistence.OwnerClass, kinds []string, limit int) ([]persistence.Task, error)
	ListUnstartedExcept(ctx context.Context, owner persistence.OwnerClass, kinds []string, limit int) ([]persistence.Task, error)
	HasUnstarted(ctx context.Context, owner persistence.OwnerClass, kinds []string) (bool, error)
	ClaimTask(ctx context.Context, taskID string) (time.Time, bool, error)
	ReleaseTask(ctx context.Context, taskID string) error
	CompleteTask(ctx context.Context, taskID string) error
	FailTask(ctx context.Context, taskID, code, message string, details json.RawMessage) error
	AppendUpdate(ctx context.Context, taskID, message string, data any) error
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Sink receives folder notifications. Delivery is best effort.
type Sink interface {
	Notify(ctx context.Context, folderID, kind string, payload any) error
}

const (
	DefaultCeiling = 10
	// unregisteredScan bounds how many foreign-kind rows are inspected per cycle.
	unregisteredScan = 50
)

type Config struct {
	Owner      persistence.OwnerClass
	Ceiling    int
	StaleAfter time.Duration
	Store      Store
	Registry   *Registry
	Sink       Sink
	Logger     *slog.Logger
	Metrics    *stowotel.Metrics
	Tracer     trace.Tracer
}

type Status struct {
	Owner     persistence.OwnerClass `json:"owner"`
	Ceiling   int                    `json:"ceiling"`
	Running   int                    `json:"running"`
	Deferred  int                    `json:"deferred"`
	Cycles    uint64                 `json:"cycles"`
	LastError string                 `json:"last_error,omitempty"`
}

type EnqueueRequest struct {
	Kind      string
	OwnerID   string
	Input     any
	FolderID  string
	ObjectKey string
	// Dedupe is the trigger data the idempotency key is derived from.
	// Input is used when nil.
	Dedupe    any
	EventKind string
}

type EnqueueResult struct {
	TaskID          string `json:"task_id"`
	AlreadyEnqueued bool   `json:"already_enqueued"`
}

// Drainer runs at most one drain loop. Triggers arriving while a cycle runs
// coalesce into a single rerun.
type Drainer struct {
	owner    persistence.OwnerClass
	store    Store
	registry *Registry
	sink     Sink
	logger   *slog.Logger
	metrics  *stowotel.Metrics
	tracer   trace.Tracer
	stale    time.Duration

	mu       sync.Mutex
	ceiling  int
	running  int
	deferred map[string]time.Time
	warned   map[string]struct{}

	trigger   chan struct{}
	startOnce sync.Once
	loopDone  chan struct{}
	handlers  sync.WaitGroup
	cycles    atomic.Uint64
	lastError atomic.Pointer[string]
}

func NewDrainer(cfg Config) (*Drainer, error) {
	if cfg.Owner != persistence.OwnerCore && cfg.Owner != persistence.OwnerApp {
		return nil, fmt.Errorf("new drainer: unknown owner class %q", cfg.Owner)
	}
	if cfg.Store == nil {
		return nil, errors.New("new drainer: store is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(stowotel.ScopeName)
	}
	return &Drainer{
		owner:    cfg.Owner,
		store:    cfg.Store,
		registry: cfg.Registry,
		sink:     cfg.Sink,
		logger:   cfg.Logger.With("component", "drainer", "owner", string(cfg.Owner)),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		stale:    cfg.StaleAfter,
		ceiling:  cfg.Ceiling,
		deferred: make(map[string]time.Time),
		warned:   make(map[string]struct{}),
		trigger:  make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}, nil
}

func (d *Drainer) Registry() *Registry { return d.registry }

// Start recovers stale claims and launches the drain loop. The loop exits
// when ctx is done; Wait blocks until in-flight handlers return as well.
func (d *Drainer) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		if d.stale > 0 {
			n, err := d.store.RecoverStale(ctx, d.stale)
			if err != nil {
				d.setLastError(fmt.Errorf("recover stale tasks: %w", err))
				d.logger.Error("stale task recovery failed", "error", err)
			} else if n > 0 {
				d.logger.Info("recovered stale tasks on startup", "count", n)
			}
		}
		go d.loop(ctx)
		d.Trigger()
	})
}

func (d *Drainer) Wait() {
	<-d.loopDone
	d.handlers.Wait()
}

// Trigger requests a drain cycle. It never blocks.
func (d *Drainer) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// SetCeiling changes the concurrency ceiling. Running handlers are not
// interrupted when it shrinks.
func (d *Drainer) SetCeiling(n int) {
	if n <= 0 {
		n = DefaultCeiling
	}
	d.mu.Lock()
	changed := d.ceiling != n
	d.ceiling = n
	d.mu.Unlock()
	if changed {
		d.logger.Info("concurrency ceiling changed", "ceiling", n)
		d.Trigger()
	}
}

func (d *Drainer) Status() Status {
	d.mu.Lock()
	st := Status{Owner: d.owner, Ceiling: d.ceiling, Running: d.running, Deferred: len(d.deferred)}
	d.mu.Unlock()
	st.Cycles = d.cycles.Load()
	if p := d.lastError.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

// Enqueue validates input and inserts the task with its trigger event. A
// repeated trigger resolves to the existing task.
func (d *Drainer) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	ownerID := req.OwnerID
	if ownerID == "" {
		if d.owner == persistence.OwnerApp {
			return EnqueueResult{}, errors.New("enqueue: app tasks need an owner id")
		}
		ownerID = shared.CoreOwnerID
	}
	input, err := json.Marshal(req.Input)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("encode task input: %w", err)
	}
	if req.Input == nil {
		input = json.RawMessage(`{}`)
	}
	if err := d.registry.Validate(req.Kind, input); err != nil {
		return EnqueueResult{}, err
	}
	dedupe := req.Dedupe
	if dedupe == nil {
		dedupe = json.RawMessage(input)
	}
	key, err := IdempotencyKey(ownerID, req.Kind, dedupe)
	if err != nil {
		return EnqueueResult{}, err
	}
	eventKind := req.EventKind
	if eventKind == "" {
		eventKind = "TASK_ENQUEUED"
	}
	taskID, created, err := d.store.InsertTaskWithEvent(ctx, persistence.NewTask{
		OwnerClass:       d.owner,
		OwnerID:          ownerID,
		TaskKind:         req.Kind,
		Input:            input,
		SubjectFolderID:  req.FolderID,
		SubjectObjectKey: req.ObjectKey,
		IdempotencyKey:   key,
		Trigger: persistence.Event{
			EmitterID: ownerID,
			Kind:      eventKind,
			Payload:   input,
		},
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", req.Kind, err)
	}
	if created {
		d.logger.Debug("task enqueued", "task_id", taskID, "kind", req.Kind)
		d.Trigger()
	}
	return EnqueueResult{TaskID: taskID, AlreadyEnqueued: !created}, nil
}

func (d *Drainer) loop(ctx context.Context) {
	defer close(d.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.trigger:
		}
		for d.cycle(ctx) {
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// cycle claims up to the free budget and reports whether another cycle
// should follow immediately.
func (d *Drainer) cycle(ctx context.Context) bool {
	d.cycles.Add(1)
	kinds := d.registry.Kinds()
	d.reportUnregistered(ctx, kinds)

	budget := d.budget()
	if budget == 0 || len(kinds) == 0 {
		return false
	}
	skip := d.deferredIDs(time.Now())
	tasks, err := d.store.ListUnstarted(ctx, d.owner, kinds, budget+len(skip))
	if err != nil {
		d.setLastError(err)
		d.logger.Error("list unstarted tasks failed", "error", err)
		return false
	}

	claimed := 0
	for _, task := range tasks {
		if _, ok := skip[task.ID]; ok {
			continue
		}
		if !d.reserve() {
			break
		}
		startedAt, ok, err := d.store.ClaimTask(ctx, task.ID)
		if err != nil || !ok {
			d.unreserve()
			if err != nil {
				d.setLastError(err)
				d.logger.Error("claim task failed", "task_id", task.ID, "error", err)
			}
			continue
		}
		// The listed row predates the claim.
		task.StartedAt = &startedAt
		task.UpdatedAt = startedAt
		claimed++
		d.handlers.Add(1)
		go d.run(ctx, task)
	}
	if claimed == 0 || d.budget() == 0 {
		return false
	}
	more, err := d.store.HasUnstarted(ctx, d.owner, kinds)
	if err != nil {
		d.setLastError(err)
		return false
	}
	return more
}

func (d *Drainer) budget() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return max(0, d.ceiling-d.running)
}

func (d *Drainer) reserve() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running >= d.ceiling {
		return false
	}
	d.running++
	return true
}

func (d *Drainer) unreserve() {
	d.mu.Lock()
	d.running--
	d.mu.Unlock()
}

func (d *Drainer) deferredIDs(now time.Time) map[string]struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]struct{}, len(d.deferred))
	for id, until := range d.deferred {
		if now.Before(until) {
			out[id] = struct{}{}
		} else {
			delete(d.deferred, id)
		}
	}
	return out
}

// reportUnregistered logs each owned task whose kind has no handler, once
// per task id while it stays in the scan. Such tasks stay unstarted.
func (d *Drainer) reportUnregistered(ctx context.Context, kinds []string) {
	tasks, err := d.store.ListUnstartedExcept(ctx, d.owner, kinds, unregisteredScan)
	if err != nil {
		d.logger.Error("scan unregistered kinds failed", "error", err)
		return
	}
	// Rebuilt from each scan so ids that left the unstarted pool are dropped.
	current := make(map[string]struct{}, len(tasks))
	d.mu.Lock()
	previous := d.warned
	for _, task := range tasks {
		current[task.ID] = struct{}{}
	}
	d.warned = current
	d.mu.Unlock()

	for _, task := range tasks {
		if _, seen := previous[task.ID]; seen {
			continue
		}
		err := fmt.Errorf("task %s: %w: %s", task.ID, ErrUnregisteredKind, task.TaskKind)
		d.setLastError(err)
		d.logger.Error("no handler registered for task kind; task left unstarted",
			"task_id", task.ID, "kind", task.TaskKind)
	}
}

type taskProgress struct {
	store  Store
	taskID string
}

func (p taskProgress) Update(ctx context.Context, message string, data any) error {
	return p.store.AppendUpdate(ctx, p.taskID, message, data)
}

func (d *Drainer) run(ctx context.Context, task persistence.Task) {
	defer d.handlers.Done()
	d.metrics.TaskStarted(ctx, task.OwnerID)
	defer func() {
		d.metrics.TaskFinished(context.WithoutCancel(ctx), task.OwnerID)
		d.unreserve()
		d.Trigger()
	}()

	ctx = shared.WithScope(ctx, shared.Scope{
		TraceID:  shared.NewTraceID(),
		TaskID:   task.ID,
		TaskKind: task.TaskKind,
		OwnerID:  task.OwnerID,
	})
	ctx, span := stowotel.StartTaskSpan(ctx, d.tracer, task.ID, task.TaskKind, task.OwnerID)
	outcome := "abandoned"
	defer func() { stowotel.EndTask(span, outcome) }()

	logger := d.logger.With(shared.ScopeFrom(ctx).LogAttrs()...)
	logger.Info("task started")
	d.notify(ctx, task, bus.KindTaskStarted, nil)

	start := time.Now()
	err := d.invoke(ctx, task)
	elapsed := time.Since(start)
	// Terminal writes survive shutdown of the drain context.
	writeCtx := context.WithoutCancel(ctx)

	if err == nil {
		if cErr := d.store.CompleteTask(writeCtx, task.ID); cErr != nil {
			d.setLastError(cErr)
			logger.Error("record completion failed", "error", cErr)
			return
		}
		outcome = "completed"
		d.metrics.RecordTask(ctx, task.TaskKind, outcome, elapsed)
		logger.Info("task completed", "elapsed_ms", elapsed.Milliseconds())
		d.notify(ctx, task, bus.KindTaskCompleted, nil)
		return
	}

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Shutdown interrupted the handler; leave the task for the next start.
		if rErr := d.store.ReleaseTask(writeCtx, task.ID); rErr != nil {
			logger.Error("release interrupted task failed", "error", rErr)
		}
		outcome = "interrupted"
		logger.Info("task interrupted by shutdown")
		return
	}

	var retry requeuer
	if errors.As(err, &retry) {
		outcome = "requeued"
		d.requeue(writeCtx, logger, task, retry, elapsed)
		return
	}

	code, message, details := classify(err)
	stowotel.Fail(span, err)
	d.setLastError(err)
	if fErr := d.store.FailTask(writeCtx, task.ID, code, message, details); fErr != nil {
		logger.Error("record failure failed", "error", fErr)
		return
	}
	outcome = "errored"
	d.metrics.RecordTask(ctx, task.TaskKind, outcome, elapsed)
	logger.Warn("task errored", "code", code, "error", message)
	d.notify(ctx, task, bus.KindTaskFailed, map[string]string{"code": code, "message": message})
}

func (d *Drainer) invoke(ctx context.Context, task persistence.Task) (err error) {
	handler, ok := d.registry.Lookup(task.TaskKind)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnregisteredKind, task.TaskKind)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = NewProcessorError("HANDLER_PANIC", "handler panicked: %v", rec)
		}
	}()
	return handler.Handle(ctx, task, taskProgress{store: d.store, taskID: task.ID})
}

func (d *Drainer) requeue(ctx context.Context, logger *slog.Logger, task persistence.Task, retry requeuer, elapsed time.Duration) {
	delay := time.Duration(retry.RequeueDelayMS()) * time.Millisecond
	if err := d.store.ReleaseTask(ctx, task.ID); err != nil {
		d.setLastError(err)
		logger.Error("release task failed", "error", err)
		return
	}
	d.mu.Lock()
	d.deferred[task.ID] = time.Now().Add(delay)
	d.mu.Unlock()
	time.AfterFunc(delay, d.Trigger)
	d.metrics.RecordTask(ctx, task.TaskKind, "requeued", elapsed)
	logger.Info("task requeued", "reason", retry.Error(), "delay_ms", delay.Milliseconds())
	d.notify(ctx, task, bus.KindTaskUpdated, map[string]any{"requeued": true, "requeue_delay_ms": delay.Milliseconds()})
}

func (d *Drainer) notify(ctx context.Context, task persistence.Task, kind string, extra any) {
	if d.sink == nil || task.SubjectFolderID == "" {
		return
	}
	payload := map[string]any{
		"task_id": task.ID,
		"kind":    task.TaskKind,
		"owner":   task.OwnerID,
	}
	if task.SubjectObjectKey != "" {
		payload["object_key"] = task.SubjectObjectKey
	}
	if extra != nil {
		payload["detail"] = extra
	}
	if err := d.sink.Notify(ctx, task.SubjectFolderID, kind, payload); err != nil {
		d.logger.Warn("folder notification failed", "task_id", task.ID, "kind", kind, "error", err)
	}
}

func (d *Drainer) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	d.lastError.Store(&msg)
}
