package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/output"
)

// ExecutorConfig holds task executor configuration.
type ExecutorConfig struct {
	Workers   int // Concurrent filter tasks; tasks on the same layer still serialize
	QueueSize int // Submission queue capacity
}

// handleKey identifies a (layer, backend) result-handle slot.
type handleKey struct {
	layer   string
	backend domain.BackendKind
}

// batchRef shares one geometry batch across the tasks of a multi-target
// submission, so each reference geometry is extracted at most once per
// batch. The last holder to release closes the batch.
type batchRef struct {
	batch     *GeometryBatch
	remaining atomic.Int32
}

func (b *batchRef) release() {
	if b.remaining.Add(-1) == 0 {
		b.batch.Close()
	}
}

// task is the executor-internal task record.
type task struct {
	mu     sync.Mutex
	status domain.TaskStatus
	req    domain.FilterRequest
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	shared *batchRef
}

func (t *task) setState(state domain.TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.State = state
}

func (t *task) progress(milestone string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Progress = append(t.status.Progress, domain.ProgressEvent{Milestone: milestone, At: time.Now()})
}

func (t *task) snapshot() domain.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := t.status
	status.Progress = make([]domain.ProgressEvent, len(t.status.Progress))
	copy(status.Progress, t.status.Progress)
	return status
}

// TaskExecutor runs filter operations as cancellable background tasks and
// owns the per-layer result-handle accounting.
type TaskExecutor struct {
	factory  *BackendFactory
	registry *LayerRegistry
	cache    *SourceGeometryCache
	history  *HistoryManager
	listIDs  func(ctx context.Context, layerID string) ([]int64, error)
	metrics  output.MetricsCollector
	logger   *slog.Logger

	queue    chan *task
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*task
	active int

	layerMu    sync.Mutex
	layerLocks map[string]*sync.Mutex

	handleMu sync.Mutex
	handles  map[handleKey]*domain.ResultHandle
}

// NewTaskExecutor creates a task executor. listIDs enumerates a reference
// layer's feature IDs when the request carries no explicit selection.
func NewTaskExecutor(
	cfg ExecutorConfig,
	factory *BackendFactory,
	registry *LayerRegistry,
	cache *SourceGeometryCache,
	listIDs func(ctx context.Context, layerID string) ([]int64, error),
	metrics output.MetricsCollector,
	logger *slog.Logger,
) *TaskExecutor {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	e := &TaskExecutor{
		factory:    factory,
		registry:   registry,
		cache:      cache,
		listIDs:    listIDs,
		metrics:    metrics,
		logger:     logger,
		queue:      make(chan *task, cfg.QueueSize),
		stopCh:     make(chan struct{}),
		tasks:      make(map[string]*task),
		layerLocks: make(map[string]*sync.Mutex),
		handles:    make(map[handleKey]*domain.ResultHandle),
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// AttachHistory connects the history manager. Must be called before the
// first submission; separated from construction because the history
// manager's restorer is built on top of the executor.
func (e *TaskExecutor) AttachHistory(h *HistoryManager) {
	e.history = h
}

// Stop drains the executor: no new tasks start, running tasks are cancelled,
// and tasks still sitting in the queue are finished as cancelled so their
// done channels close.
func (e *TaskExecutor) Stop() {
	e.stopOnce.Do(e.stop)
}

func (e *TaskExecutor) stop() {
	close(e.stopCh)

	e.mu.Lock()
	for _, t := range e.tasks {
		t.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()

	for {
		select {
		case t := <-e.queue:
			e.finish(t, nil, context.Canceled)
		default:
			return
		}
	}
}

// Submit validates a request and enqueues it, returning immediately with a
// task handle.
func (e *TaskExecutor) Submit(_ context.Context, req domain.FilterRequest) (domain.TaskHandle, error) {
	if err := req.Validate(); err != nil {
		return domain.TaskHandle{}, err
	}
	if err := e.checkLayers(req); err != nil {
		return domain.TaskHandle{}, err
	}
	return e.enqueue(req, nil)
}

// SubmitBatch enqueues one task per target layer. All tasks share one
// reference selection and one geometry batch, so each reference geometry is
// extracted at most once for the whole submission. Returns the handles of
// tasks already enqueued even when a later enqueue fails.
func (e *TaskExecutor) SubmitBatch(_ context.Context, req domain.BatchRequest) ([]domain.TaskHandle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	requests := req.Requests()
	for _, r := range requests {
		if err := e.checkLayers(r); err != nil {
			return nil, err
		}
	}

	shared := &batchRef{batch: e.cache.NewBatch()}
	shared.remaining.Store(int32(len(requests)))

	handles := make([]domain.TaskHandle, 0, len(requests))
	for i, r := range requests {
		handle, err := e.enqueue(r, shared)
		if err != nil {
			// Targets never started still hold batch references; drop them
			// so the shared batch can close.
			for j := i + 1; j < len(requests); j++ {
				shared.release()
			}
			return handles, err
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

// checkLayers verifies that the request's layers are registered.
func (e *TaskExecutor) checkLayers(req domain.FilterRequest) error {
	if _, err := e.registry.Get(req.TargetLayer); err != nil {
		return err
	}
	if req.ReferenceLayer != "" {
		if _, err := e.registry.Get(req.ReferenceLayer); err != nil {
			return err
		}
	}
	return nil
}

func (e *TaskExecutor) enqueue(req domain.FilterRequest, shared *batchRef) (domain.TaskHandle, error) {
	// The task context is detached from the submitter: the work outlives the
	// submission call and is cancelled via Cancel or executor shutdown.
	tctx, cancel := context.WithCancel(context.Background())
	t := &task{
		req:    req,
		ctx:    tctx,
		cancel: cancel,
		done:   make(chan struct{}),
		shared: shared,
		status: domain.TaskStatus{
			ID:          uuid.NewString(),
			State:       domain.TaskPending,
			TargetLayer: req.TargetLayer,
			SubmittedAt: time.Now(),
		},
	}

	e.mu.Lock()
	e.tasks[t.status.ID] = t
	e.active++
	e.metrics.SetActiveTasks(e.active)
	e.mu.Unlock()

	select {
	case e.queue <- t:
	default:
		e.finish(t, nil, fmt.Errorf("submission queue full: %w", domain.ErrUnavailable))
		return domain.TaskHandle{}, fmt.Errorf("submission queue full: %w", domain.ErrUnavailable)
	}

	e.logger.Debug("task submitted", "task", t.status.ID, "layer", req.TargetLayer)
	return domain.TaskHandle{ID: t.status.ID, Done: t.done}, nil
}

// Cancel requests cooperative cancellation of a task. Cancellation takes
// effect at the next yield point.
func (e *TaskExecutor) Cancel(taskID string) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	e.mu.Unlock()

	if !ok {
		return domain.ErrTaskNotFound
	}
	t.mu.Lock()
	terminal := t.status.State.Terminal()
	t.mu.Unlock()
	if terminal {
		return domain.ErrTaskNotCancellable
	}

	t.cancel()
	e.logger.Info("task cancellation requested", "task", taskID)
	return nil
}

// Status returns a snapshot of a task's state.
func (e *TaskExecutor) Status(taskID string) (domain.TaskStatus, error) {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	e.mu.Unlock()

	if !ok {
		return domain.TaskStatus{}, domain.ErrTaskNotFound
	}
	return t.snapshot(), nil
}

// worker pulls tasks off the queue until the executor stops.
func (e *TaskExecutor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case t := <-e.queue:
			e.execute(t)
		}
	}
}

// execute drives one task through the Pending -> Running -> terminal
// transition.
func (e *TaskExecutor) execute(t *task) {
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		e.finish(t, nil, t.ctx.Err())
		return
	}
	t.status.State = domain.TaskRunning
	t.status.StartedAt = time.Now()
	t.mu.Unlock()

	var batch *GeometryBatch
	if t.shared != nil {
		batch = t.shared.batch
	}
	res, err := e.runFilter(t.ctx, t.req, t.progress, true, batch)
	e.finish(t, res, err)
}

// finish moves a task to its terminal state and closes its done channel.
func (e *TaskExecutor) finish(t *task, res *domain.FilterResult, err error) {
	t.mu.Lock()
	switch {
	case err == nil:
		t.status.State = domain.TaskCompleted
		t.status.Result = res
		if res != nil {
			t.status.Backend = res.Backend
		}
	case errors.Is(err, context.Canceled):
		t.status.State = domain.TaskCancelled
		t.status.Err = err
	default:
		t.status.State = domain.TaskFailed
		t.status.Err = err
	}
	t.status.FinishedAt = time.Now()
	state := t.status.State
	t.mu.Unlock()

	t.cancel()
	close(t.done)
	if t.shared != nil {
		t.shared.release()
	}

	e.mu.Lock()
	e.active--
	e.metrics.SetActiveTasks(e.active)
	e.mu.Unlock()

	success := state == domain.TaskCompleted
	e.metrics.IncFilterCount(t.req.TargetLayer, t.status.Backend, success)
	if !success && err != nil {
		e.logger.Warn("task finished", "task", t.status.ID, "state", state, "error", err)
	} else {
		e.logger.Info("task finished", "task", t.status.ID, "state", state)
	}
}

// runFilter executes one filter request end to end. recordHistory is false
// when the history manager itself re-applies a request (redo). batch is the
// shared geometry batch of a multi-target submission, nil for single tasks.
func (e *TaskExecutor) runFilter(
	ctx context.Context,
	req domain.FilterRequest,
	progress func(string),
	recordHistory bool,
	batch *GeometryBatch,
) (*domain.FilterResult, error) {
	desc, err := e.registry.Get(req.TargetLayer)
	if err != nil {
		return nil, err
	}

	backend, warning, err := e.factory.Resolve(ctx, desc, req)
	if err != nil {
		return nil, err
	}
	progress(domain.MilestoneBackendResolved)

	// Yield point: before geometry extraction / backend invocation.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resolved := output.ResolvedRequest{Request: req, Layer: desc, BufferApplied: true}
	var refIDs []int64
	if req.IsSpatial() {
		geoms := batch
		if geoms == nil {
			geoms = e.cache.NewBatch()
			defer geoms.Close()
		}

		serverBuffer := req.Buffer != nil && backend.Capabilities().ServerSideBuffer
		var buf *domain.BufferSpec
		if !serverBuffer {
			buf = req.Buffer
		}
		resolved.BufferApplied = !serverBuffer

		refIDs, err = e.referenceSelection(ctx, req)
		if err != nil {
			return nil, err
		}

		// An empty reference selection matches nothing. Committing the empty
		// result directly avoids handing the backends a predicate with no
		// reference geometries.
		if len(refIDs) == 0 {
			progress(domain.MilestoneGeometriesExtracted)
			progress(domain.MilestoneQueryBuilt)
			progress(domain.MilestoneQueryExecuted)
			res := &domain.FilterResult{
				TargetLayer: desc.ID,
				FeatureIDs:  []int64{},
				Backend:     backend.Kind(),
				Warning:     warning,
			}
			if err := e.commit(ctx, backend, req, res, refIDs, recordHistory); err != nil {
				return nil, err
			}
			progress(domain.MilestoneCommitted)
			return res, nil
		}

		for _, fid := range refIDs {
			g, gerr := geoms.GetOrExtract(ctx, req.ReferenceLayer, fid, buf)
			if gerr != nil {
				return nil, gerr
			}
			resolved.RefGeometries = append(resolved.RefGeometries, g)
		}
		progress(domain.MilestoneGeometriesExtracted)

		// Yield point: after geometry extraction.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	progress(domain.MilestoneQueryBuilt)

	// Relational drivers cannot safely abort in-flight statements, so the
	// query context is detached and cancellation is honored at the next
	// yield point instead.
	qctx := ctx
	if backend.Kind() == domain.BackendRelational {
		qctx = context.WithoutCancel(ctx)
	}

	start := time.Now()
	res, err := backend.CreateFilteredResult(qctx, resolved)
	if err != nil {
		var berr *domain.BackendError
		if errors.As(err, &berr) {
			return nil, err
		}
		return nil, &domain.BackendError{Backend: backend.Kind(), Layer: desc.ID, Op: "filter", Err: err}
	}
	res.Backend = backend.Kind()
	res.Warning = warning
	if res.Elapsed == 0 {
		res.Elapsed = time.Since(start)
	}
	res.NormalizeIDs()
	e.metrics.ObserveFilterDuration(backend.Kind(), res.Elapsed)
	progress(domain.MilestoneQueryExecuted)

	// Yield point: before result commit. A cancellation landing here must
	// not leak the freshly created artifact.
	if cerr := ctx.Err(); cerr != nil {
		e.releaseHandle(backend, res.Handle)
		return nil, cerr
	}

	if err := e.commit(ctx, backend, req, res, refIDs, recordHistory); err != nil {
		e.releaseHandle(backend, res.Handle)
		return nil, err
	}
	progress(domain.MilestoneCommitted)

	return res, nil
}

// referenceSelection determines which reference features drive the filter:
// the explicit request selection, else the reference layer's current subset,
// else every feature of the layer.
func (e *TaskExecutor) referenceSelection(ctx context.Context, req domain.FilterRequest) ([]int64, error) {
	if len(req.ReferenceFeatureIDs) > 0 {
		return req.ReferenceFeatureIDs, nil
	}
	state, err := e.registry.FilterState(req.ReferenceLayer)
	if err != nil {
		return nil, err
	}
	if state.FeatureIDs != nil {
		return state.FeatureIDs, nil
	}
	return e.listIDs(ctx, req.ReferenceLayer)
}

// commit atomically swaps the layer's result handle, updates filter state
// and records history. The per-layer mutex is held only across this step.
func (e *TaskExecutor) commit(
	ctx context.Context,
	backend output.Backend,
	req domain.FilterRequest,
	res *domain.FilterResult,
	refIDs []int64,
	recordHistory bool,
) error {
	lock := e.layerLock(req.TargetLayer)
	lock.Lock()
	defer lock.Unlock()

	snapshots := make(map[string]domain.LayerSnapshot)
	snap, err := e.registry.Snapshot(req.TargetLayer)
	if err != nil {
		return err
	}
	snapshots[req.TargetLayer] = snap

	multiLayer := req.SyncReference && req.ReferenceLayer != ""
	if multiLayer {
		refSnap, err := e.registry.Snapshot(req.ReferenceLayer)
		if err != nil {
			return err
		}
		snapshots[req.ReferenceLayer] = refSnap
	}

	// At-most-one live handle per (layer, backend): the prior artifact is
	// released before the new one is stored.
	key := handleKey{layer: req.TargetLayer, backend: backend.Kind()}
	e.handleMu.Lock()
	prior := e.handles[key]
	delete(e.handles, key)
	e.handleMu.Unlock()
	if prior != nil {
		if rerr := backend.Release(context.WithoutCancel(ctx), prior); rerr != nil {
			e.logger.Warn("failed to release prior result handle",
				"layer", req.TargetLayer, "backend", backend.Kind(), "error", rerr)
		}
	}
	if res.Handle != nil {
		e.handleMu.Lock()
		e.handles[key] = res.Handle
		e.handleMu.Unlock()
	}

	if err := e.registry.SetFilterState(req.TargetLayer, domain.FilterState{
		FeatureIDs: res.FeatureIDs,
		Expression: req.Expression,
	}); err != nil {
		return err
	}
	if multiLayer {
		if err := e.registry.SetFilterState(req.ReferenceLayer, domain.FilterState{
			FeatureIDs: refIDs,
		}); err != nil {
			return err
		}
		res.ReferenceAffected = true
	}

	if recordHistory && e.history != nil {
		e.history.Push(&domain.HistoryEntry{
			OperationID: uuid.NewString(),
			SessionID:   sessionOrDefault(req.SessionID),
			Scope:       domain.InferScope(snapshots),
			Request:     req,
			Snapshots:   snapshots,
			Timestamp:   time.Now(),
		})
	}
	return nil
}

// ReleaseLayerHandles releases every live artifact belonging to a layer.
// Called when a layer is unregistered or its state is restored.
func (e *TaskExecutor) ReleaseLayerHandles(ctx context.Context, layerID string) {
	e.handleMu.Lock()
	var handles []*domain.ResultHandle
	for key, h := range e.handles {
		if key.layer == layerID {
			handles = append(handles, h)
			delete(e.handles, key)
		}
	}
	e.handleMu.Unlock()

	for _, h := range handles {
		if b, ok := e.factory.Backend(h.Backend); ok {
			if err := b.Release(ctx, h); err != nil {
				e.logger.Warn("failed to release result handle", "layer", layerID, "backend", h.Backend, "error", err)
			}
		}
	}
}

// LiveHandleCount returns the number of live result handles for a layer.
func (e *TaskExecutor) LiveHandleCount(layerID string) int {
	e.handleMu.Lock()
	defer e.handleMu.Unlock()

	n := 0
	for key := range e.handles {
		if key.layer == layerID {
			n++
		}
	}
	return n
}

// releaseHandle disposes an artifact that will never be committed.
func (e *TaskExecutor) releaseHandle(backend output.Backend, handle *domain.ResultHandle) {
	if handle == nil {
		return
	}
	if err := backend.Release(context.Background(), handle); err != nil {
		e.logger.Warn("failed to release uncommitted result handle", "backend", backend.Kind(), "error", err)
	}
}

// layerLock returns the mutex serializing handle mutation for a layer.
func (e *TaskExecutor) layerLock(layerID string) *sync.Mutex {
	e.layerMu.Lock()
	defer e.layerMu.Unlock()

	lock, ok := e.layerLocks[layerID]
	if !ok {
		lock = &sync.Mutex{}
		e.layerLocks[layerID] = lock
	}
	return lock
}

// Reapply runs a recorded request synchronously without recording history.
func (e *TaskExecutor) Reapply(ctx context.Context, req domain.FilterRequest) error {
	_, err := e.runFilter(ctx, req, func(string) {}, false, nil)
	return err
}

func sessionOrDefault(sessionID string) string {
	if sessionID == "" {
		return "default"
	}
	return sessionID
}
