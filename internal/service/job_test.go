package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraprisma/api/internal/data"
	"github.com/terraprisma/api/internal/domain/model"
)

func strPtr(s string) *string { return &s }

type jobTestEnv struct {
	svc   *JobService
	store *data.MemDocStore
	clock *data.FixedTimeProvider
}

func newJobTestEnv(t *testing.T) *jobTestEnv {
	t.Helper()
	clock := data.NewFixedTimeProvider(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	store := data.NewMemDocStore(data.MemDocStoreOptions{TimeProvider: clock})
	svc, err := NewJobService(JobServiceOptions{
		Store:          store,
		MaxAttempts:    3,
		RunningTimeout: 10 * time.Minute,
		TimeProvider:   clock,
	})
	require.NoError(t, err)
	return &jobTestEnv{svc: svc, store: store, clock: clock}
}

func (e *jobTestEnv) enqueue(t *testing.T, jobType string, tenantID *string) *model.Job {
	t.Helper()
	job, err := e.svc.Create(context.Background(), &model.CreateJobRequest{
		Type:     jobType,
		Payload:  json.RawMessage(`{"x":1}`),
		TenantID: tenantID,
	})
	require.NoError(t, err)
	return job
}

func TestNewJobServiceDefaultsToWallClock(t *testing.T) {
	ctx := context.Background()
	store := data.NewMemDocStore(data.MemDocStoreOptions{})

	svc, err := NewJobService(JobServiceOptions{
		Store:          store,
		MaxAttempts:    3,
		RunningTimeout: 10 * time.Minute,
	})
	require.NoError(t, err)

	// The default clock backs the recovery cutoff and metrics window.
	_, err = svc.RecoverStuck(ctx)
	require.NoError(t, err)
	m, err := svc.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Total)
}

func TestJobServiceCreateDefaults(t *testing.T) {
	env := newJobTestEnv(t)

	job := env.enqueue(t, "test", strPtr("acme"))

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Nil(t, job.LockedAt)
	assert.Nil(t, job.Error)
	require.NotNil(t, job.TenantID)
	assert.Equal(t, "acme", *job.TenantID)
	assert.JSONEq(t, `{"x":1}`, string(job.Payload))
}

func TestJobServiceCreateValidation(t *testing.T) {
	env := newJobTestEnv(t)

	_, err := env.svc.Create(context.Background(), &model.CreateJobRequest{Type: "  "})
	assert.Error(t, err)
}

func TestJobServiceClaimIncrementsAttemptsOncePerClaim(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)
	created := env.enqueue(t, "test", nil)

	// Three claim cycles: each claim increments attempts exactly once,
	// regardless of outcome.
	for n := 1; n <= 3; n++ {
		claimed, err := env.svc.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, created.ID, claimed.ID)
		assert.Equal(t, model.JobStatusRunning, claimed.Status)
		assert.Equal(t, n, claimed.Attempts)
		require.NotNil(t, claimed.LockedAt)

		require.NoError(t, env.svc.Fail(ctx, claimed.ID, &model.JobError{Message: "boom"}))
		res, err := env.svc.Retry(ctx, claimed.ID, nil)
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	job, err := env.svc.Get(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempts)
}

func TestJobServiceClaimIsMutuallyExclusive(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)
	env.enqueue(t, "test", nil)

	const claimers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := env.svc.ClaimNext(ctx)
			assert.NoError(t, err)
			if job != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestJobServiceClaimNextEmptyQueue(t *testing.T) {
	env := newJobTestEnv(t)

	job, err := env.svc.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestJobServiceClaimSkipsCancelledJob(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)
	created := env.enqueue(t, "test", nil)

	res, err := env.svc.Cancel(ctx, created.ID, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	job, err := env.svc.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestJobServiceCompleteStoresResult(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)
	created := env.enqueue(t, "test", nil)

	claimed, err := env.svc.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, env.svc.Complete(ctx, claimed.ID, json.RawMessage(`{"ok":true}`)))

	job, err := env.svc.Get(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSuccess, job.Status)
	assert.Nil(t, job.LockedAt)
	assert.Nil(t, job.Error)
	assert.JSONEq(t, `{"ok":true}`, string(job.Result))
}

func TestJobServiceFailDefaultsErrorCode(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)
	created := env.enqueue(t, "test", nil)

	_, err := env.svc.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, env.svc.Fail(ctx, created.ID, &model.JobError{Message: "handler blew up"}))

	job, err := env.svc.Get(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusError, job.Status)
	assert.Nil(t, job.LockedAt)
	require.NotNil(t, job.Error)
	assert.Equal(t, model.ErrCodeProcessing, job.Error.Code)
	assert.Equal(t, "handler blew up", job.Error.Message)
}

func TestJobServiceRetryRejectsTerminalStatuses(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)

	for _, status := range []model.JobStatus{
		model.JobStatusSuccess,
		model.JobStatusCancelled,
		model.JobStatusErrorFinal,
	} {
		t.Run(string(status), func(t *testing.T) {
			created := env.enqueue(t, "test", nil)
			require.NoError(t, env.store.Update(ctx, JobsCollection, created.ID,
				map[string]any{"status": string(status)}))

			res, err := env.svc.Retry(ctx, created.ID, nil)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.False(t, res.NotFound)
			assert.NotEmpty(t, res.Message)

			job, err := env.svc.Get(ctx, created.ID, nil)
			require.NoError(t, err)
			assert.Equal(t, status, job.Status)
		})
	}
}

func TestJobServiceRetryIsNotIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)
	created := env.enqueue(t, "test", nil)

	_, err := env.svc.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, env.svc.Fail(ctx, created.ID, nil))

	res, err := env.svc.Retry(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)

	// The job is now queued, which is not retryable.
	res, err = env.svc.Retry(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)

	job, err := env.svc.Get(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Nil(t, job.Error)
	assert.Nil(t, job.Result)
}

func TestJobServiceCancelRejectsTerminalStatuses(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)

	for _, status := range []model.JobStatus{
		model.JobStatusSuccess,
		model.JobStatusErrorFinal,
	} {
		t.Run(string(status), func(t *testing.T) {
			created := env.enqueue(t, "test", nil)
			require.NoError(t, env.store.Update(ctx, JobsCollection, created.ID,
				map[string]any{"status": string(status)}))

			res, err := env.svc.Cancel(ctx, created.ID, nil)
			require.NoError(t, err)
			assert.False(t, res.Success)
		})
	}
}

func TestJobServiceCancelRunningJobIsAdvisory(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)
	created := env.enqueue(t, "test", nil)

	_, err := env.svc.ClaimNext(ctx)
	require.NoError(t, err)

	res, err := env.svc.Cancel(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)

	job, err := env.svc.Get(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, job.Status)
	assert.Nil(t, job.LockedAt)

	// The handler is not interrupted: a late completion overwrites the
	// cancelled status under current semantics.
	require.NoError(t, env.svc.Complete(ctx, created.ID, nil))
	job, err = env.svc.Get(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSuccess, job.Status)
}

func TestJobServiceRecoverRequeuesStuckJob(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)
	created := env.enqueue(t, "test", nil)

	claimed, err := env.svc.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 1, claimed.Attempts)

	env.clock.AddTime(11 * time.Minute)

	res, err := env.svc.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)
	assert.Equal(t, 0, res.MovedToFinal)

	job, err := env.svc.Get(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Nil(t, job.LockedAt)
	assert.Equal(t, 1, job.Attempts)
}

func TestJobServiceRecoverDeadLettersExhaustedJob(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)
	created := env.enqueue(t, "test", nil)

	// Burn through the attempt budget: three claim/fail/retry cycles,
	// ending with the job running on its third attempt.
	for n := 1; n <= 3; n++ {
		claimed, err := env.svc.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		if n == 3 {
			assert.Equal(t, 3, claimed.Attempts)
			break
		}
		require.NoError(t, env.svc.Fail(ctx, claimed.ID, nil))
		res, err := env.svc.Retry(ctx, claimed.ID, nil)
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	env.clock.AddTime(11 * time.Minute)

	res, err := env.svc.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Recovered)
	assert.Equal(t, 1, res.MovedToFinal)

	job, err := env.svc.Get(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusErrorFinal, job.Status)
	assert.Nil(t, job.LockedAt)
	require.NotNil(t, job.Error)
	assert.Equal(t, model.ErrCodeMaxAttempts, job.Error.Code)
}

func TestJobServiceRecoverLeavesFreshJobsAlone(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)
	created := env.enqueue(t, "test", nil)

	_, err := env.svc.ClaimNext(ctx)
	require.NoError(t, err)

	env.clock.AddTime(5 * time.Minute)

	res, err := env.svc.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Recovered)
	assert.Equal(t, 0, res.MovedToFinal)

	job, err := env.svc.Get(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, job.Status)
}

func TestJobServiceRecoverFinalizesExhaustedErrorJob(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)
	created := env.enqueue(t, "test", nil)

	require.NoError(t, env.store.Update(ctx, JobsCollection, created.ID, map[string]any{
		"status":   string(model.JobStatusError),
		"attempts": 3,
	}))

	res, err := env.svc.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MovedToFinal)

	job, err := env.svc.Get(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusErrorFinal, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, model.ErrCodeMaxAttempts, job.Error.Code)
}

func TestJobServiceTenantIsolation(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)
	created := env.enqueue(t, "test", strPtr("tenant-b"))

	_, err := env.svc.Get(ctx, created.ID, strPtr("tenant-a"))
	assert.Error(t, err)

	_, err = env.svc.Get(ctx, created.ID, nil)
	assert.Error(t, err)

	res, err := env.svc.Retry(ctx, created.ID, strPtr("tenant-a"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.NotFound)

	res, err = env.svc.Cancel(ctx, created.ID, strPtr("tenant-a"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.NotFound)

	job, err := env.svc.Get(ctx, created.ID, strPtr("tenant-b"))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, job.Status)
}

func TestJobServiceListFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)

	first := env.enqueue(t, "report.weekly", strPtr("acme"))
	env.clock.AddTime(time.Second)
	second := env.enqueue(t, "report.weekly", strPtr("acme"))
	env.clock.AddTime(time.Second)
	env.enqueue(t, "report.weekly", strPtr("globex"))
	env.enqueue(t, "plan.generate", strPtr("acme"))

	jobs, err := env.svc.List(ctx, model.JobListOptions{
		TenantID: strPtr("acme"),
		Type:     "report.weekly",
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	// Most recently created first.
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)

	jobs, err = env.svc.List(ctx, model.JobListOptions{
		TenantID: strPtr("acme"),
		Limit:    1,
	})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestJobServiceListSystemJobsOnly(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)

	system := env.enqueue(t, "maintenance", nil)
	env.enqueue(t, "maintenance", strPtr("acme"))

	jobs, err := env.svc.List(ctx, model.JobListOptions{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, system.ID, jobs[0].ID)
}

func TestJobServiceMetrics(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)

	done := env.enqueue(t, "test", nil)
	_, err := env.svc.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, env.svc.Complete(ctx, done.ID, nil))

	env.enqueue(t, "test", nil)

	m, err := env.svc.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Total)
	assert.Equal(t, 1, m.ByStatus[model.JobStatusSuccess])
	assert.Equal(t, 1, m.ByStatus[model.JobStatusQueued])
	assert.Equal(t, 1, m.Last24h.Success)
	assert.Equal(t, 0, m.Last24h.Error)
}

type fakeMetricsCache struct {
	mu     sync.Mutex
	stored *model.JobMetrics
	gets   int
	sets   int
}

func (c *fakeMetricsCache) GetJobMetrics(_ context.Context) (*model.JobMetrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	return c.stored, nil
}

func (c *fakeMetricsCache) SetJobMetrics(_ context.Context, m *model.JobMetrics, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.stored = m
	return nil
}

func TestJobServiceMetricsUsesCache(t *testing.T) {
	ctx := context.Background()
	clock := data.NewFixedTimeProvider(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	store := data.NewMemDocStore(data.MemDocStoreOptions{TimeProvider: clock})
	cache := &fakeMetricsCache{}
	svc, err := NewJobService(JobServiceOptions{
		Store:          store,
		MaxAttempts:    3,
		RunningTimeout: 10 * time.Minute,
		TimeProvider:   clock,
		MetricsCache:   cache,
	})
	require.NoError(t, err)

	_, err = svc.Create(ctx, &model.CreateJobRequest{Type: "test"})
	require.NoError(t, err)

	m1, err := svc.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)

	// Second read is served from the cache: no recompute, same snapshot.
	m2, err := svc.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)
	assert.Equal(t, 2, cache.gets)
	assert.Equal(t, m1.Total, m2.Total)
}

func TestJobServiceEndToEnd(t *testing.T) {
	ctx := context.Background()
	env := newJobTestEnv(t)

	created, err := env.svc.Create(ctx, &model.CreateJobRequest{
		Type:    "test",
		Payload: json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)

	claimed, err := env.svc.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, created.ID, claimed.ID)
	assert.Equal(t, model.JobStatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	require.NoError(t, env.svc.Complete(ctx, claimed.ID, json.RawMessage(`{"ok":true}`)))

	job, err := env.svc.Get(ctx, created.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSuccess, job.Status)
	assert.JSONEq(t, `{"ok":true}`, string(job.Result))
}
