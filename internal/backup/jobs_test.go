package backup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitJob(t *testing.T, h *JobHandle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "job %s did not finish", h.ID())
	return err
}

func TestJobQueue_RunsJob(t *testing.T) {
	q := NewJobQueue(JobsConfig{Workers: 2, PerTenant: 1, QueueSize: 4}, nil)
	defer q.Shutdown(context.Background())

	h, err := q.Submit("tenant-1", "bkp_1", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "bkp_1", h.ID())
	assert.Equal(t, "tenant-1", h.TenantID())

	assert.NoError(t, waitJob(t, h))
	assert.Equal(t, JobStateDone, h.State())
}

func TestJobQueue_ReportsJobError(t *testing.T) {
	q := NewJobQueue(JobsConfig{Workers: 1, PerTenant: 1, QueueSize: 4}, nil)
	defer q.Shutdown(context.Background())

	boom := errors.New("boom")
	h, err := q.Submit("tenant-1", "bkp_err", func(ctx context.Context) error { return boom })
	require.NoError(t, err)

	assert.ErrorIs(t, waitJob(t, h), boom)
	assert.Equal(t, JobStateDone, h.State())
}

func TestJobQueue_RecoversPanic(t *testing.T) {
	q := NewJobQueue(JobsConfig{Workers: 1, PerTenant: 1, QueueSize: 4}, nil)
	defer q.Shutdown(context.Background())

	h, err := q.Submit("tenant-1", "bkp_panic", func(ctx context.Context) error { panic("bad row") })
	require.NoError(t, err)

	err = waitJob(t, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job panicked: bad row")

	next, err := q.Submit("tenant-1", "bkp_after", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.NoError(t, waitJob(t, next), "worker survives a panic")
}

func TestJobQueue_PerTenantCap(t *testing.T) {
	q := NewJobQueue(JobsConfig{Workers: 4, PerTenant: 1, QueueSize: 16}, nil)
	defer q.Shutdown(context.Background())

	var running, peak int32
	job := func(ctx context.Context) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}

	var handles []*JobHandle
	for _, id := range []string{"a", "b", "c", "d"} {
		h, err := q.Submit("tenant-1", id, job)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		assert.NoError(t, waitJob(t, h))
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestJobQueue_TenantsDoNotBlockEachOther(t *testing.T) {
	q := NewJobQueue(JobsConfig{Workers: 2, PerTenant: 1, QueueSize: 4}, nil)
	defer q.Shutdown(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	slow, err := q.Submit("tenant-1", "slow", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	fast, err := q.Submit("tenant-2", "fast", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.NoError(t, waitJob(t, fast))
	assert.Equal(t, JobStateRunning, slow.State())

	close(release)
	assert.NoError(t, waitJob(t, slow))
}

func TestJobQueue_CancelQueuedJob(t *testing.T) {
	q := NewJobQueue(JobsConfig{Workers: 1, PerTenant: 1, QueueSize: 4}, nil)
	defer q.Shutdown(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	blocker, err := q.Submit("tenant-1", "blocker", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	var ran atomic.Bool
	queued, err := q.Submit("tenant-2", "queued", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, JobStateQueued, queued.State())

	queued.Cancel()
	close(release)

	require.NoError(t, waitJob(t, blocker))
	assert.ErrorIs(t, waitJob(t, queued), context.Canceled)
	assert.Equal(t, JobStateCancelled, queued.State())
	assert.False(t, ran.Load())
}

func TestJobQueue_CancelParkedJobFinishesImmediately(t *testing.T) {
	q := NewJobQueue(JobsConfig{Workers: 2, PerTenant: 1, QueueSize: 4}, nil)
	defer q.Shutdown(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	running, err := q.Submit("tenant-1", "running", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	var ran atomic.Bool
	parked, err := q.Submit("tenant-1", "parked", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)

	// let the second worker pick it up and park it behind the tenant cap
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		slot := q.tenants["tenant-1"]
		return slot != nil && len(slot.waiting) == 1
	}, 5*time.Second, time.Millisecond)

	parked.Cancel()

	select {
	case <-parked.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled job still %s while the tenant's running job blocks", parked.State())
	}
	assert.ErrorIs(t, parked.Err(), context.Canceled)
	assert.Equal(t, JobStateCancelled, parked.State())
	assert.Eventually(t, func() bool {
		_, ok := q.Handle("parked")
		return !ok
	}, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, waitJob(t, running))
	assert.False(t, ran.Load())

	q.mu.Lock()
	assert.Empty(t, q.tenants["tenant-1"].waiting)
	q.mu.Unlock()

	next, err := q.Submit("tenant-1", "next", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.NoError(t, waitJob(t, next), "tenant permit is released")
}

func TestJobQueue_OnCancelRunsForUnstartedJob(t *testing.T) {
	q := NewJobQueue(JobsConfig{Workers: 1, PerTenant: 1, QueueSize: 4}, nil)
	defer q.Shutdown(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	blocker, err := q.Submit("tenant-1", "blocker", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	var cancelErr error
	var calls atomic.Int32
	queued, err := q.SubmitWithCancel("tenant-2", "queued",
		func(ctx context.Context) error { return nil },
		func(err error) {
			calls.Add(1)
			cancelErr = err
		})
	require.NoError(t, err)

	queued.Cancel()
	assert.ErrorIs(t, waitJob(t, queued), context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, cancelErr, context.Canceled)

	close(release)
	require.NoError(t, waitJob(t, blocker))
	assert.Equal(t, int32(1), calls.Load(), "callback fires once")
}

func TestJobQueue_OnCancelSkippedForCompletedJob(t *testing.T) {
	q := NewJobQueue(JobsConfig{Workers: 1, PerTenant: 1, QueueSize: 4}, nil)
	defer q.Shutdown(context.Background())

	var calls atomic.Int32
	h, err := q.SubmitWithCancel("tenant-1", "done",
		func(ctx context.Context) error { return nil },
		func(error) { calls.Add(1) })
	require.NoError(t, err)

	require.NoError(t, waitJob(t, h))
	h.Cancel()
	assert.Equal(t, JobStateDone, h.State())
	assert.Zero(t, calls.Load())
}

func TestJobQueue_CancelRunningJob(t *testing.T) {
	q := NewJobQueue(JobsConfig{Workers: 1, PerTenant: 1, QueueSize: 4}, nil)
	defer q.Shutdown(context.Background())

	started := make(chan struct{})
	h, err := q.Submit("tenant-1", "running", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	h.Cancel()
	assert.ErrorIs(t, waitJob(t, h), context.Canceled)
	assert.Equal(t, JobStateDone, h.State())
}

func TestJobQueue_RejectsDuplicateID(t *testing.T) {
	q := NewJobQueue(JobsConfig{Workers: 1, PerTenant: 1, QueueSize: 4}, nil)
	defer q.Shutdown(context.Background())

	release := make(chan struct{})
	first, err := q.Submit("tenant-1", "same", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	_, err = q.Submit("tenant-1", "same", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrConflict)

	h, ok := q.Handle("same")
	require.True(t, ok)
	assert.Same(t, first, h)

	close(release)
	require.NoError(t, waitJob(t, first))
}

func TestJobQueue_FullQueue(t *testing.T) {
	q := NewJobQueue(JobsConfig{Workers: 1, PerTenant: 1, QueueSize: 1}, nil)
	defer q.Shutdown(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	running, err := q.Submit("tenant-1", "running", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	waiting, err := q.Submit("tenant-1", "waiting", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	_, err = q.Submit("tenant-1", "overflow", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job queue is full")

	close(release)
	assert.NoError(t, waitJob(t, running))
	assert.NoError(t, waitJob(t, waiting))
}

func TestJobQueue_ShutdownDrainsQueuedJobs(t *testing.T) {
	q := NewJobQueue(JobsConfig{Workers: 2, PerTenant: 1, QueueSize: 8}, nil)

	var mu sync.Mutex
	var finished []string
	var handles []*JobHandle
	for _, id := range []string{"a", "b", "c"} {
		id := id
		h, err := q.Submit("tenant-1", id, func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			finished = append(finished, id)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))

	for _, h := range handles {
		assert.Equal(t, JobStateDone, h.State())
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, finished)

	_, err := q.Submit("tenant-1", "late", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shut down")
}

func TestJobQueue_ShutdownDeadlineCancelsRunningJobs(t *testing.T) {
	q := NewJobQueue(JobsConfig{Workers: 1, PerTenant: 1, QueueSize: 4}, nil)

	started := make(chan struct{})
	h, err := q.Submit("tenant-1", "stuck", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Shutdown(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, h.Err(), context.Canceled)
}
