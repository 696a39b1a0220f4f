// Package worker runs the polling loop that claims queued jobs and
// dispatches them to registered handlers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/terraprisma/api/internal/domain/model"
	"github.com/terraprisma/api/internal/observability/metrics"
	"github.com/terraprisma/api/internal/observability/statsd"
	"github.com/terraprisma/api/internal/service"
)

// HandlerFunc processes a claimed job. A non-nil error marks the job failed;
// the returned document is stored as the job result on success.
type HandlerFunc func(ctx context.Context, job *model.Job) (json.RawMessage, error)

const defaultPollInterval = 2 * time.Second

// RunnerOptions configures the worker runner.
type RunnerOptions struct {
	Jobs  *service.JobService // Required: claim/complete/fail operations
	Plans *service.PlanService // Optional: enables the plan.generate handler

	Logger       *slog.Logger
	Metrics      statsd.Sink
	PollInterval time.Duration // delay between empty claims; defaults to 2s
	Concurrency  int           // number of loop goroutines; defaults to 1
}

// Runner claims jobs and executes them using registered handlers.
//
// The dispatch table is a closed mapping from job type to handler: an
// unrecognized type fails the job, never the process. Handler panics are
// likewise captured into the job's error record.
type Runner struct {
	jobs         *service.JobService
	logger       *slog.Logger
	sink         statsd.Sink
	pollInterval time.Duration
	workers      int
	handlers     map[string]HandlerFunc
}

// NewRunner constructs a worker runner with the built-in handlers
// registered. Additional handlers may be added with Register before Run.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}

	r := &Runner{
		jobs:         opts.Jobs,
		logger:       logger.With("component", "worker"),
		sink:         opts.Metrics,
		pollInterval: pollInterval,
		workers:      workers,
		handlers:     make(map[string]HandlerFunc),
	}

	r.Register("test", handleTestJob)
	if opts.Plans != nil {
		r.Register("plan.generate", newPlanGenerateHandler(opts.Plans))
	}
	return r, nil
}

// Register adds a handler for a job type, replacing any existing one.
// Not safe to call after Run has started.
func (r *Runner) Register(jobType string, h HandlerFunc) {
	r.handlers[jobType] = h
}

// Run starts the worker loops and blocks until the context is cancelled.
// Shutdown is graceful: each loop finishes the job it is processing and
// exits; an abandoned job is reclaimed later by the recovery sweep.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting worker",
		"workers", r.workers, "poll_interval", r.pollInterval, "handlers", len(r.handlers))

	g, ctx := errgroup.WithContext(ctx)
	for range r.workers {
		g.Go(func() error {
			return r.loop(ctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := r.jobs.ClaimNext(ctx)
		if err != nil {
			// Store outage: back off and keep polling rather than
			// crash the process.
			r.logger.WarnContext(ctx, "claim failed, backing off", "error", err)
			if !r.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			if !r.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		r.process(ctx, job)
	}
}

func (r *Runner) sleep(ctx context.Context) bool {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *Runner) process(ctx context.Context, job *model.Job) {
	start := time.Now()
	// Outcome writes survive shutdown: a handler that finished its work
	// gets to record the result even when the loop context is cancelled.
	writeCtx := context.WithoutCancel(ctx)

	h, ok := r.handlers[job.Type]
	if !ok {
		r.logger.WarnContext(ctx, "no handler for job type", "job_id", job.ID, "type", job.Type)
		r.fail(writeCtx, job, &model.JobError{
			Message: fmt.Sprintf("no handler registered for job type %q", job.Type),
		}, start)
		return
	}

	result, err := r.execute(ctx, h, job)
	if err != nil {
		r.logger.WarnContext(ctx, "job handler failed",
			"job_id", job.ID, "type", job.Type, "attempts", job.Attempts, "error", err.Message)
		r.fail(writeCtx, job, err, start)
		return
	}

	if cerr := r.jobs.Complete(writeCtx, job.ID, result); cerr != nil {
		r.logger.ErrorContext(ctx, "complete job error", "job_id", job.ID, "error", cerr)
		return
	}
	r.logger.InfoContext(ctx, "job processed",
		"job_id", job.ID, "type", job.Type, "took", time.Since(start))
	metrics.EmitQueueEvent(r.sink, metrics.QueueEvent{
		JobType:    job.Type,
		Transition: metrics.TransitionComplete,
		Result:     metrics.ResultSuccess,
		Duration:   time.Since(start),
	})
}

// execute runs the handler, converting panics into structured job errors
// with the captured stack.
func (r *Runner) execute(ctx context.Context, h HandlerFunc, job *model.Job) (result json.RawMessage, jobErr *model.JobError) {
	defer func() {
		if rec := recover(); rec != nil {
			jobErr = &model.JobError{
				Message: fmt.Sprintf("handler panic: %v", rec),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	result, err := h(ctx, job)
	if err != nil {
		return nil, &model.JobError{Message: err.Error()}
	}
	return result, nil
}

func (r *Runner) fail(ctx context.Context, job *model.Job, jobErr *model.JobError, start time.Time) {
	if err := r.jobs.Fail(ctx, job.ID, jobErr); err != nil {
		r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", err)
		return
	}
	metrics.EmitQueueEvent(r.sink, metrics.QueueEvent{
		JobType:    job.Type,
		Transition: metrics.TransitionFail,
		Result:     metrics.ResultError,
		Duration:   time.Since(start),
	})
}

// handleTestJob echoes the payload back as the result. Used by smoke tests
// and deployment checks.
func handleTestJob(_ context.Context, job *model.Job) (json.RawMessage, error) {
	if len(job.Payload) == 0 {
		return json.RawMessage(`{"ok":true}`), nil
	}
	return job.Payload, nil
}

func newPlanGenerateHandler(plans *service.PlanService) HandlerFunc {
	return func(ctx context.Context, job *model.Job) (json.RawMessage, error) {
		var req model.GeneratePlanRequest
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &req); err != nil {
				return nil, fmt.Errorf("decode plan.generate payload: %w", err)
			}
		}
		if req.TenantID == "" && job.TenantID != nil {
			req.TenantID = *job.TenantID
		}

		plan, err := plans.Generate(ctx, &req)
		if err != nil {
			return nil, err
		}
		result, err := json.Marshal(map[string]any{
			"planId":     plan.ID,
			"weekStart":  plan.WeekStart,
			"priorities": len(plan.Priorities),
		})
		if err != nil {
			return nil, fmt.Errorf("encode plan.generate result: %w", err)
		}
		return result, nil
	}
}
