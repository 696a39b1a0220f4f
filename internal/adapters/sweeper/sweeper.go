// Package sweeper runs the scheduled recovery sweep that reclaims jobs
// abandoned by crashed or hung workers.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/terraprisma/api/internal/core"
	"github.com/terraprisma/api/internal/observability/metrics"
	"github.com/terraprisma/api/internal/observability/statsd"
	"github.com/terraprisma/api/internal/service"
)

// DefaultSchedule runs the sweep every five minutes.
const DefaultSchedule = "*/5 * * * *"

// heartbeat document updated after every sweep so operators can tell a
// quiet sweeper from a dead one.
const (
	opsCollection = "ops"
	heartbeatDoc  = "sweeper-heartbeat"
)

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Jobs     *service.JobService // Required
	Schedule string              // Cron expression; defaults to every 5 minutes
	Logger   *slog.Logger
	Metrics  statsd.Sink

	// Store receives the heartbeat document; optional.
	Store core.DocumentStore

	// StartupJitter delays the first sweep by a random fraction of this
	// duration so restarted fleets don't sweep in lockstep.
	StartupJitter time.Duration
}

// Runner triggers recovery sweeps on a cron schedule. The sweep itself is
// idempotent and safe to run concurrently with live workers, so the runner
// needs no coordination with the worker fleet.
type Runner struct {
	jobs     *service.JobService
	schedule cron.Schedule
	logger   *slog.Logger
	sink     statsd.Sink
	store    core.DocumentStore
	jitter   time.Duration
}

// NewRunner creates a sweeper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}

	expr := opts.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sweeper schedule %q: %w", expr, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		jobs:     opts.Jobs,
		schedule: schedule,
		logger:   logger.With("component", "sweeper"),
		sink:     opts.Metrics,
		store:    opts.Store,
		jitter:   opts.StartupJitter,
	}, nil
}

// Run executes sweeps on the schedule until the context is cancelled.
// A failed sweep is logged and the schedule continues: the next tick gets
// another chance, and recovery is idempotent.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting sweeper")

	if r.jitter > 0 {
		delay := time.Duration(rand.Int63n(int64(r.jitter)))
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}

	for {
		next := r.schedule.Next(time.Now())
		if !sleepCtx(ctx, time.Until(next)) {
			return ctx.Err()
		}
		if err := r.RunOnce(ctx); err != nil {
			r.logger.ErrorContext(ctx, "recovery sweep failed", "error", err)
		}
	}
}

// RunOnce performs a single recovery sweep and records the heartbeat.
func (r *Runner) RunOnce(ctx context.Context) error {
	start := time.Now()
	result, err := r.jobs.RecoverStuck(ctx)
	if err != nil {
		return fmt.Errorf("recover stuck jobs: %w", err)
	}
	took := time.Since(start)

	r.logger.InfoContext(ctx, "recovery sweep complete",
		"recovered", result.Recovered,
		"moved_to_final", result.MovedToFinal,
		"took", took)
	metrics.EmitSweep(r.sink, result.Recovered, result.MovedToFinal, took)

	if r.store != nil {
		err := r.store.Set(ctx, opsCollection, heartbeatDoc, core.Doc{
			"lastSweepAt":  core.ServerTimestamp,
			"recovered":    result.Recovered,
			"movedToFinal": result.MovedToFinal,
		})
		if err != nil {
			r.logger.WarnContext(ctx, "heartbeat write failed", "error", err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
