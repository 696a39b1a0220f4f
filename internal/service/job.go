// Package service implements the business logic for the job queue: the job
// state machine, tenant scoping, recovery, and metrics aggregation.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/terraprisma/api/internal/core"
	"github.com/terraprisma/api/internal/data"
	apperrors "github.com/terraprisma/api/internal/errors"
	"github.com/terraprisma/api/internal/domain/model"
	"github.com/terraprisma/api/internal/observability/metrics"
	"github.com/terraprisma/api/internal/observability/statsd"
)

// JobsCollection is the document collection that holds job records.
const JobsCollection = "jobs"

const (
	defaultListLimit = 20
	maxListLimit     = 200

	defaultMetricsTTL = 30 * time.Second
)

// errClaimLost aborts a claim transaction when the candidate is no longer
// queued. It never escapes ClaimNext.
var errClaimLost = errors.New("claim lost")

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Store          core.DocumentStore // Required: job document store
	MaxAttempts    int                // Required: retry budget before dead-lettering
	RunningTimeout time.Duration      // Required: lock age after which a running job is stuck
	Logger         *slog.Logger       // Optional: structured logger
	Metrics        statsd.Sink        // Optional: lifecycle metric sink
	MetricsCache   core.MetricsCache  // Optional: cache for aggregate metrics
	MetricsTTL     time.Duration      // Optional: cache TTL, defaults to 30s
	TimeProvider   data.TimeProvider  // Optional: clock, defaults to wall time
}

// JobService owns every persisted job state transition. No other code path
// writes to the jobs collection: workers, the sweeper, and the HTTP layer
// all go through this service.
type JobService struct {
	store          core.DocumentStore
	maxAttempts    int
	runningTimeout time.Duration
	logger         *slog.Logger
	sink           statsd.Sink
	metricsCache   core.MetricsCache
	metricsTTL     time.Duration
	timeProvider   data.TimeProvider
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Store == nil {
		return nil, errors.New("DocumentStore is required")
	}
	if opts.MaxAttempts <= 0 {
		return nil, errors.New("MaxAttempts must be positive")
	}
	if opts.RunningTimeout <= 0 {
		return nil, errors.New("RunningTimeout must be positive")
	}

	metricsTTL := opts.MetricsTTL
	if metricsTTL <= 0 {
		metricsTTL = defaultMetricsTTL
	}
	timeProvider := opts.TimeProvider
	if timeProvider == nil {
		timeProvider = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
	}

	return &JobService{
		store:          opts.Store,
		maxAttempts:    opts.MaxAttempts,
		runningTimeout: opts.RunningTimeout,
		logger:         logger,
		sink:           opts.Metrics,
		metricsCache:   opts.MetricsCache,
		metricsTTL:     metricsTTL,
		timeProvider:   timeProvider,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// MaxAttempts returns the configured retry budget.
func (s *JobService) MaxAttempts() int { return s.maxAttempts }

// Create enqueues a new job with status=queued and attempts=0. The job type
// is not validated here: unknown types fail at dispatch.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, apperrors.Validation("request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	doc := core.Doc{
		"type":     req.Type,
		"status":   string(model.JobStatusQueued),
		"attempts": 0,
		"lockedAt": nil,
	}
	if len(req.Payload) > 0 {
		doc["payload"] = json.RawMessage(req.Payload)
	}
	if req.TenantID != nil {
		doc["tenantId"] = *req.TenantID
	}

	id, err := s.store.Insert(ctx, JobsCollection, doc)
	if err != nil {
		return nil, apperrors.MapStoreError(fmt.Errorf("create job: %w", err))
	}

	job, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logDebug(ctx, "job created", "id", job.ID, "type", job.Type)
	metrics.EmitQueueEvent(s.sink, metrics.QueueEvent{
		JobType:    job.Type,
		Transition: metrics.TransitionEnqueue,
		Result:     metrics.ResultSuccess,
	})
	return job, nil
}

// Get returns the job, tenant-scoped: a job owned by a different tenant is
// reported as not-found, never as forbidden.
func (s *JobService) Get(ctx context.Context, id string, tenantID *string) (*model.Job, error) {
	job, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tenantMatches(job, tenantID) {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	return job, nil
}

// List returns jobs matching the filters, most recently created first. The
// store only filters by equality, so ordering and the final cut happen in
// memory; the limit is clamped to keep that bounded.
func (s *JobService) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var filters []core.Filter
	if opts.TenantID != nil {
		filters = append(filters, core.Filter{Field: "tenantId", Value: *opts.TenantID})
	}
	if opts.Status != "" {
		filters = append(filters, core.Filter{Field: "status", Value: string(opts.Status)})
	}
	if opts.Type != "" {
		filters = append(filters, core.Filter{Field: "type", Value: opts.Type})
	}

	docs, err := s.store.Query(ctx, JobsCollection, filters, 0)
	if err != nil {
		return nil, apperrors.MapStoreError(fmt.Errorf("list jobs: %w", err))
	}

	jobs := make([]*model.Job, 0, len(docs))
	for _, doc := range docs {
		job, err := jobFromDoc(doc)
		if err != nil {
			return nil, err
		}
		// A nil tenant filter scopes the listing to system jobs; the
		// store cannot filter on a missing field, so do it here.
		if opts.TenantID == nil && job.TenantID != nil {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ClaimNext claims one queued job for processing, or returns (nil, nil) when
// no work is available.
//
// The claim races under a single-document transaction: the candidate is
// re-read inside the transaction and abandoned without retry if it is no
// longer queued; the caller's poll loop provides the outer retry. Store
// errors are swallowed into "no work" so a flaky store degrades the worker
// to poll-and-retry instead of crashing it.
func (s *JobService) ClaimNext(ctx context.Context) (*model.Job, error) {
	docs, err := s.store.Query(ctx, JobsCollection,
		[]core.Filter{{Field: "status", Value: string(model.JobStatusQueued)}}, 1)
	if err != nil {
		s.logWarn(ctx, "claim query failed", "error", err)
		return nil, nil
	}
	if len(docs) == 0 {
		return nil, nil
	}
	id := docs[0].String("id")

	err = s.store.RunTransaction(ctx, func(tx core.DocTx) error {
		doc, err := tx.Get(JobsCollection, id)
		if err != nil {
			return err
		}
		if doc.String("status") != string(model.JobStatusQueued) {
			return errClaimLost
		}
		return tx.Update(JobsCollection, id, core.Doc{
			"status":   string(model.JobStatusRunning),
			"lockedAt": core.ServerTimestamp,
			"attempts": doc.Int("attempts") + 1,
			"error":    nil,
		})
	})
	if err != nil {
		if !errors.Is(err, errClaimLost) {
			s.logWarn(ctx, "claim transaction failed", "id", id, "error", err)
		}
		return nil, nil
	}

	job, err := s.fetch(ctx, id)
	if err != nil {
		s.logWarn(ctx, "claimed job read-back failed", "id", id, "error", err)
		return nil, nil
	}

	s.logDebug(ctx, "job claimed", "id", job.ID, "type", job.Type, "attempts", job.Attempts)
	metrics.EmitQueueEvent(s.sink, metrics.QueueEvent{
		JobType:    job.Type,
		Transition: metrics.TransitionClaim,
		Result:     metrics.ResultSuccess,
	})
	return job, nil
}

// Complete marks the job successful and stores its result.
//
// The transition is unconditional: the prior status is not verified, so a
// worker must only call this for a job it claimed. A handler finishing after
// cancellation will overwrite the cancelled status (see DESIGN.md).
func (s *JobService) Complete(ctx context.Context, id string, result json.RawMessage) error {
	patch := core.Doc{
		"status":   string(model.JobStatusSuccess),
		"lockedAt": nil,
		"error":    nil,
	}
	if len(result) > 0 {
		patch["result"] = json.RawMessage(result)
	} else {
		patch["result"] = nil
	}

	if err := s.store.Update(ctx, JobsCollection, id, patch); err != nil {
		return apperrors.MapStoreError(fmt.Errorf("complete job %s: %w", id, err))
	}

	s.logDebug(ctx, "job completed", "id", id)
	metrics.EmitQueueEvent(s.sink, metrics.QueueEvent{
		Transition: metrics.TransitionComplete,
		Result:     metrics.ResultSuccess,
	})
	return nil
}

// Fail records a handler failure. A nil jobErr or empty code defaults to
// PROCESSING_ERROR. Same caller-discipline caveat as Complete.
func (s *JobService) Fail(ctx context.Context, id string, jobErr *model.JobError) error {
	if jobErr == nil {
		jobErr = &model.JobError{}
	}
	if jobErr.Code == "" {
		jobErr.Code = model.ErrCodeProcessing
	}

	patch := core.Doc{
		"status":   string(model.JobStatusError),
		"lockedAt": nil,
		"result":   nil,
		"error":    jobErr,
	}
	if err := s.store.Update(ctx, JobsCollection, id, patch); err != nil {
		return apperrors.MapStoreError(fmt.Errorf("fail job %s: %w", id, err))
	}

	s.logDebug(ctx, "job failed", "id", id, "code", jobErr.Code)
	metrics.EmitQueueEvent(s.sink, metrics.QueueEvent{
		Transition: metrics.TransitionFail,
		Result:     metrics.ResultError,
	})
	return nil
}

// Retry resets a failed job to queued so a worker can claim it again. Only
// status=error is retryable; attempts is left untouched: it counts claims,
// and the next claim will increment it.
func (s *JobService) Retry(ctx context.Context, id string, tenantID *string) (model.OpResult, error) {
	job, err := s.fetch(ctx, id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return model.RejectedNotFound(), nil
		}
		return model.OpResult{}, err
	}
	if !tenantMatches(job, tenantID) {
		return model.RejectedNotFound(), nil
	}
	if !job.Status.Retryable() {
		return model.Rejected(fmt.Sprintf("job in status %q cannot be retried", job.Status)), nil
	}

	patch := core.Doc{
		"status":   string(model.JobStatusQueued),
		"lockedAt": nil,
		"result":   nil,
		"error":    nil,
	}
	if err := s.store.Update(ctx, JobsCollection, id, patch); err != nil {
		return model.OpResult{}, apperrors.MapStoreError(fmt.Errorf("retry job %s: %w", id, err))
	}

	s.logInfo(ctx, "job requeued for retry", "id", id, "attempts", job.Attempts)
	metrics.EmitQueueEvent(s.sink, metrics.QueueEvent{
		JobType:    job.Type,
		Transition: metrics.TransitionRetry,
		Result:     metrics.ResultSuccess,
	})
	return model.Accepted("job requeued"), nil
}

// Cancel marks a queued or running job as cancelled. For a running job the
// cancellation is advisory: the handler is not interrupted, and current
// semantics allow a late Complete/Fail to overwrite the cancelled status.
func (s *JobService) Cancel(ctx context.Context, id string, tenantID *string) (model.OpResult, error) {
	job, err := s.fetch(ctx, id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return model.RejectedNotFound(), nil
		}
		return model.OpResult{}, err
	}
	if !tenantMatches(job, tenantID) {
		return model.RejectedNotFound(), nil
	}
	if !job.Status.Cancellable() {
		return model.Rejected(fmt.Sprintf("job in status %q cannot be cancelled", job.Status)), nil
	}

	patch := core.Doc{
		"status":   string(model.JobStatusCancelled),
		"lockedAt": nil,
	}
	if err := s.store.Update(ctx, JobsCollection, id, patch); err != nil {
		return model.OpResult{}, apperrors.MapStoreError(fmt.Errorf("cancel job %s: %w", id, err))
	}

	s.logInfo(ctx, "job cancelled", "id", id, "previous_status", job.Status)
	metrics.EmitQueueEvent(s.sink, metrics.QueueEvent{
		JobType:    job.Type,
		Transition: metrics.TransitionCancel,
		Result:     metrics.ResultSuccess,
	})
	return model.Accepted("job cancelled"), nil
}

// MarkFinal dead-letters a job with the MAX_ATTEMPTS_EXCEEDED sentinel.
// Used only by the recovery sweep; never auto-retried afterwards.
func (s *JobService) MarkFinal(ctx context.Context, id string, reason string) error {
	patch := core.Doc{
		"status":   string(model.JobStatusErrorFinal),
		"lockedAt": nil,
		"error": &model.JobError{
			Code:    model.ErrCodeMaxAttempts,
			Message: reason,
		},
	}
	if err := s.store.Update(ctx, JobsCollection, id, patch); err != nil {
		return apperrors.MapStoreError(fmt.Errorf("mark job %s final: %w", id, err))
	}

	s.logWarn(ctx, "job moved to error_final", "id", id, "reason", reason)
	metrics.EmitQueueEvent(s.sink, metrics.QueueEvent{
		Transition: metrics.TransitionDeadEnd,
		Result:     metrics.ResultError,
	})
	return nil
}

// RecoverStuck reclaims jobs abandoned by crashed or hung workers: every
// running job whose lock is older than the running timeout is requeued when
// it still has attempts left, or dead-lettered when the budget is spent.
// Failed jobs that already exhausted their budget are dead-lettered too.
//
// Each decision is made per document under the store transaction, so the
// sweep is idempotent and safe to run concurrently with itself and with
// live workers: a legitimately in-progress job is never touched.
func (s *JobService) RecoverStuck(ctx context.Context) (*model.RecoveryResult, error) {
	cutoff := s.timeProvider.Now().Add(-s.runningTimeout)
	result := &model.RecoveryResult{}

	running, err := s.store.Query(ctx, JobsCollection,
		[]core.Filter{{Field: "status", Value: string(model.JobStatusRunning)}}, 0)
	if err != nil {
		return nil, apperrors.MapStoreError(fmt.Errorf("scan running jobs: %w", err))
	}
	for _, doc := range running {
		id := doc.String("id")
		locked := doc.Time("lockedAt")
		if locked == nil || !locked.Before(cutoff) {
			continue
		}
		recovered, err := s.recoverOne(ctx, id, cutoff)
		if err != nil {
			s.logWarn(ctx, "recovery of stuck job failed", "id", id, "error", err)
			continue
		}
		if recovered {
			result.Recovered++
		} else {
			result.MovedToFinal++
		}
	}

	failed, err := s.store.Query(ctx, JobsCollection,
		[]core.Filter{{Field: "status", Value: string(model.JobStatusError)}}, 0)
	if err != nil {
		return nil, apperrors.MapStoreError(fmt.Errorf("scan failed jobs: %w", err))
	}
	for _, doc := range failed {
		if doc.Int("attempts") < s.maxAttempts {
			continue
		}
		id := doc.String("id")
		if err := s.finalizeStuck(ctx, id, model.JobStatusError); err != nil {
			s.logWarn(ctx, "dead-lettering failed job failed", "id", id, "error", err)
			continue
		}
		result.MovedToFinal++
	}

	if result.Recovered > 0 || result.MovedToFinal > 0 {
		s.logInfo(ctx, "recovery sweep finished",
			"recovered", result.Recovered, "moved_to_final", result.MovedToFinal)
	}
	return result, nil
}

// recoverOne requeues or dead-letters a single stuck job under a
// transaction, re-checking that it is still stuck before writing.
func (s *JobService) recoverOne(ctx context.Context, id string, cutoff time.Time) (recovered bool, err error) {
	err = s.store.RunTransaction(ctx, func(tx core.DocTx) error {
		doc, err := tx.Get(JobsCollection, id)
		if err != nil {
			return err
		}
		if doc.String("status") != string(model.JobStatusRunning) {
			return errClaimLost
		}
		locked := doc.Time("lockedAt")
		if locked == nil || !locked.Before(cutoff) {
			return errClaimLost
		}

		if doc.Int("attempts") < s.maxAttempts {
			recovered = true
			return tx.Update(JobsCollection, id, core.Doc{
				"status":   string(model.JobStatusQueued),
				"lockedAt": nil,
				"error":    nil,
			})
		}
		recovered = false
		return tx.Update(JobsCollection, id, core.Doc{
			"status":   string(model.JobStatusErrorFinal),
			"lockedAt": nil,
			"error": &model.JobError{
				Code:    model.ErrCodeMaxAttempts,
				Message: "job exceeded maximum attempts while running",
			},
		})
	})
	if err != nil {
		if errors.Is(err, errClaimLost) {
			return false, nil
		}
		return false, err
	}

	transition := metrics.TransitionRecover
	if !recovered {
		transition = metrics.TransitionDeadEnd
	}
	metrics.EmitQueueEvent(s.sink, metrics.QueueEvent{Transition: transition, Result: metrics.ResultSuccess})
	return recovered, err
}

// finalizeStuck dead-letters a job that exhausted its budget, verifying the
// expected status inside the transaction.
func (s *JobService) finalizeStuck(ctx context.Context, id string, expect model.JobStatus) error {
	err := s.store.RunTransaction(ctx, func(tx core.DocTx) error {
		doc, err := tx.Get(JobsCollection, id)
		if err != nil {
			return err
		}
		if doc.String("status") != string(expect) {
			return errClaimLost
		}
		if doc.Int("attempts") < s.maxAttempts {
			return errClaimLost
		}
		return tx.Update(JobsCollection, id, core.Doc{
			"status":   string(model.JobStatusErrorFinal),
			"lockedAt": nil,
			"error": &model.JobError{
				Code:    model.ErrCodeMaxAttempts,
				Message: "job exceeded maximum attempts",
			},
		})
	})
	if errors.Is(err, errClaimLost) {
		return nil
	}
	if err == nil {
		metrics.EmitQueueEvent(s.sink, metrics.QueueEvent{
			Transition: metrics.TransitionDeadEnd,
			Result:     metrics.ResultSuccess,
		})
	}
	return err
}

// Metrics returns the aggregate queue snapshot: total jobs, counts by
// status, and success/error/error_final counts over the trailing 24 hours.
// The aggregation is a full collection scan, so the result is cached when a
// metrics cache is configured.
func (s *JobService) Metrics(ctx context.Context) (*model.JobMetrics, error) {
	if s.metricsCache != nil {
		cached, err := s.metricsCache.GetJobMetrics(ctx)
		if err != nil {
			s.logWarn(ctx, "metrics cache read failed", "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	docs, err := s.store.Query(ctx, JobsCollection, nil, 0)
	if err != nil {
		return nil, apperrors.MapStoreError(fmt.Errorf("scan jobs for metrics: %w", err))
	}

	since := s.timeProvider.Now().Add(-24 * time.Hour)
	m := &model.JobMetrics{
		Total:    len(docs),
		ByStatus: make(map[model.JobStatus]int),
	}
	for _, doc := range docs {
		status := model.JobStatus(doc.String("status"))
		m.ByStatus[status]++

		updated := doc.Time("updatedAt")
		if updated == nil || updated.Before(since) {
			continue
		}
		switch status {
		case model.JobStatusSuccess:
			m.Last24h.Success++
		case model.JobStatusError:
			m.Last24h.Error++
		case model.JobStatusErrorFinal:
			m.Last24h.ErrorFinal++
		}
	}

	if s.metricsCache != nil {
		if err := s.metricsCache.SetJobMetrics(ctx, m, s.metricsTTL); err != nil {
			s.logWarn(ctx, "metrics cache write failed", "error", err)
		}
	}
	return m, nil
}

func (s *JobService) fetch(ctx context.Context, id string) (*model.Job, error) {
	doc, err := s.store.Get(ctx, JobsCollection, id)
	if err != nil {
		if errors.Is(err, core.ErrDocNotFound) {
			return nil, apperrors.NotFoundf("job %s not found", id)
		}
		return nil, apperrors.MapStoreError(fmt.Errorf("get job %s: %w", id, err))
	}
	return jobFromDoc(doc)
}

// tenantMatches enforces tenant isolation: callers only see jobs owned by
// their tenant, and a nil caller tenant only sees system jobs.
func tenantMatches(job *model.Job, tenantID *string) bool {
	if tenantID == nil {
		return job.TenantID == nil
	}
	return job.TenantID != nil && *job.TenantID == *tenantID
}

// jobFromDoc maps a stored document onto the Job record shape.
func jobFromDoc(doc core.Doc) (*model.Job, error) {
	job := &model.Job{
		ID:       doc.String("id"),
		Type:     doc.String("type"),
		TenantID: doc.StringPtr("tenantId"),
		Status:   model.JobStatus(doc.String("status")),
		Attempts: doc.Int("attempts"),
	}
	if t := doc.Time("createdAt"); t != nil {
		job.CreatedAt = *t
	}
	if t := doc.Time("updatedAt"); t != nil {
		job.UpdatedAt = *t
	}
	job.LockedAt = doc.Time("lockedAt")

	var err error
	if job.Payload, err = rawField(doc, "payload"); err != nil {
		return nil, err
	}
	if job.Result, err = rawField(doc, "result"); err != nil {
		return nil, err
	}

	if v, ok := doc["error"]; ok && v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal job error field: %w", err)
		}
		var jobErr model.JobError
		if err := json.Unmarshal(raw, &jobErr); err != nil {
			return nil, fmt.Errorf("decode job error field: %w", err)
		}
		job.Error = &jobErr
	}
	return job, nil
}

func rawField(doc core.Doc, field string) (json.RawMessage, error) {
	v, ok := doc[field]
	if !ok || v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal job %s field: %w", field, err)
	}
	return raw, nil
}

func (s *JobService) logDebug(ctx context.Context, msg string, args ...any) {
	if s.logger != nil {
		s.logger.DebugContext(ctx, msg, args...)
	}
}

func (s *JobService) logInfo(ctx context.Context, msg string, args ...any) {
	if s.logger != nil {
		s.logger.InfoContext(ctx, msg, args...)
	}
}

func (s *JobService) logWarn(ctx context.Context, msg string, args ...any) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, msg, args...)
	}
}
