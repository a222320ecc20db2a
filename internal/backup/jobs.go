package backup

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"compliance-backup/internal/logging"
)

// JobState is the lifecycle of a queued job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateDone      JobState = "done"
	JobStateCancelled JobState = "cancelled"
)

// JobFunc is the unit of work run by the queue
type JobFunc func(ctx context.Context) error

// JobHandle observes and controls one submitted job
type JobHandle struct {
	id       string
	tenantID string
	fn       JobFunc
	onCancel func(error)
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu    sync.Mutex
	state JobState
	err   error
}

// ID returns the job ID, which is the backup ID
func (h *JobHandle) ID() string { return h.id }

// TenantID returns the tenant the job runs for
func (h *JobHandle) TenantID() string { return h.tenantID }

// Done is closed when the job finishes or is cancelled before starting
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Err returns the job's error once Done is closed
func (h *JobHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// State returns the current state
func (h *JobHandle) State() JobState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Cancel cancels the job context. A queued job finishes right away as
// cancelled without running; a running job observes the cancelled context.
func (h *JobHandle) Cancel() {
	h.cancel()
}

// Wait blocks until the job finishes or ctx is done
func (h *JobHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *JobHandle) finish(state JobState, err error) {
	h.mu.Lock()
	h.state = state
	h.err = err
	h.mu.Unlock()
	h.cancel()
	close(h.done)
}

// begin moves a queued job to running. It reports false once the job was
// cancelled.
func (h *JobHandle) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != JobStateQueued || h.ctx.Err() != nil {
		return false
	}
	h.state = JobStateRunning
	return true
}

// tenantSlot bounds concurrent jobs for one tenant. Jobs that find the
// semaphore full wait in line and inherit a permit when one frees up.
type tenantSlot struct {
	sem     *semaphore.Weighted
	waiting []*JobHandle
}

// JobQueue runs jobs on a fixed worker pool with a per-tenant concurrency cap
type JobQueue struct {
	jobs      chan *JobHandle
	perTenant int64
	logger    *logging.Logger

	mu      sync.Mutex
	tenants map[string]*tenantSlot
	handles map[string]*JobHandle
	closed  bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewJobQueue starts config.Workers workers
func NewJobQueue(config JobsConfig, logger *logging.Logger) *JobQueue {
	config.SetDefaults()
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	q := &JobQueue{
		jobs:       make(chan *JobHandle, config.QueueSize),
		perTenant:  int64(config.PerTenant),
		logger:     logger,
		tenants:    make(map[string]*tenantSlot),
		handles:    make(map[string]*JobHandle),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}

	for i := 0; i < config.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit enqueues fn without blocking. It fails when the queue is shut
// down or full.
func (q *JobQueue) Submit(tenantID, id string, fn JobFunc) (*JobHandle, error) {
	return q.SubmitWithCancel(tenantID, id, fn, nil)
}

// SubmitWithCancel is Submit with a callback invoked instead of fn when the
// job is cancelled before it starts. onCancel runs before Done is closed.
func (q *JobQueue) SubmitWithCancel(tenantID, id string, fn JobFunc, onCancel func(error)) (*JobHandle, error) {
	ctx, cancel := context.WithCancel(q.baseCtx)
	h := &JobHandle{
		id:       id,
		tenantID: tenantID,
		fn:       fn,
		onCancel: onCancel,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    JobStateQueued,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		cancel()
		return nil, NewInternalError("job queue is shut down", nil)
	}
	if _, exists := q.handles[id]; exists {
		cancel()
		return nil, NewConflictError(fmt.Sprintf("job %s is already queued", id), nil)
	}

	select {
	case q.jobs <- h:
	default:
		cancel()
		return nil, NewInternalError("job queue is full", nil).WithContext("capacity", cap(q.jobs))
	}
	q.handles[id] = h
	context.AfterFunc(ctx, func() { q.abandon(h) })
	return h, nil
}

// Handle returns the live handle for id
func (q *JobQueue) Handle(id string) (*JobHandle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.handles[id]
	return h, ok
}

// Shutdown stops accepting jobs and waits for queued and running jobs.
// When ctx expires first, running jobs are cancelled.
func (q *JobQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		q.baseCancel()
		return nil
	case <-ctx.Done():
		q.baseCancel()
		<-finished
		return ctx.Err()
	}
}

func (q *JobQueue) worker() {
	defer q.wg.Done()

	for h := range q.jobs {
		if !q.acquire(h) {
			continue
		}
		// run h, then any job of the same tenant that queued behind it
		for next := h; next != nil; next = q.handoff(next.tenantID) {
			q.run(next)
		}
	}

	// drain jobs parked behind a tenant cap when the channel closed
	for {
		h := q.popAnyWaiting()
		if h == nil {
			return
		}
		q.run(h)
		q.mu.Lock()
		if slot := q.tenants[h.tenantID]; slot != nil {
			slot.sem.Release(1)
		}
		q.mu.Unlock()
	}
}

// acquire takes a tenant permit or parks h behind the tenant's running jobs
func (q *JobQueue) acquire(h *JobHandle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	slot, ok := q.tenants[h.tenantID]
	if !ok {
		slot = &tenantSlot{sem: semaphore.NewWeighted(q.perTenant)}
		q.tenants[h.tenantID] = slot
	}
	if slot.sem.TryAcquire(1) {
		return true
	}
	slot.waiting = append(slot.waiting, h)
	return false
}

// handoff passes the caller's permit to the next parked job of tenantID,
// or releases it
func (q *JobQueue) handoff(tenantID string) *JobHandle {
	q.mu.Lock()
	defer q.mu.Unlock()

	slot := q.tenants[tenantID]
	if len(slot.waiting) > 0 {
		next := slot.waiting[0]
		slot.waiting = slot.waiting[1:]
		return next
	}
	slot.sem.Release(1)
	return nil
}

func (q *JobQueue) popAnyWaiting() *JobHandle {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, slot := range q.tenants {
		if len(slot.waiting) > 0 && slot.sem.TryAcquire(1) {
			h := slot.waiting[0]
			slot.waiting = slot.waiting[1:]
			return h
		}
	}
	return nil
}

func (q *JobQueue) run(h *JobHandle) {
	defer func() {
		q.mu.Lock()
		delete(q.handles, h.id)
		q.mu.Unlock()
	}()

	if !h.begin() {
		q.abandon(h)
		return
	}

	err := q.safeRun(h)
	if err != nil {
		q.logger.WithFields(map[string]interface{}{
			"job_id":    h.id,
			"tenant_id": h.tenantID,
		}).Warnf("Job finished with error: %v", err)
	}
	h.finish(JobStateDone, err)
}

// abandon finishes a job cancelled before it started. It is a no-op once
// the job has begun or was already abandoned.
func (q *JobQueue) abandon(h *JobHandle) {
	h.mu.Lock()
	if h.state != JobStateQueued {
		h.mu.Unlock()
		return
	}
	h.state = JobStateCancelled
	h.err = h.ctx.Err()
	h.mu.Unlock()

	q.mu.Lock()
	if slot := q.tenants[h.tenantID]; slot != nil {
		for i, parked := range slot.waiting {
			if parked == h {
				slot.waiting = append(slot.waiting[:i:i], slot.waiting[i+1:]...)
				break
			}
		}
	}
	q.mu.Unlock()

	if h.onCancel != nil {
		h.onCancel(h.err)
	}
	close(h.done)

	q.mu.Lock()
	if q.handles[h.id] == h {
		delete(q.handles, h.id)
	}
	q.mu.Unlock()
}

func (q *JobQueue) safeRun(h *JobHandle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewInternalError(fmt.Sprintf("job panicked: %v", r), nil)
		}
	}()
	return h.fn(h.ctx)
}
