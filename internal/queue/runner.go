package queue

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Source is the store surface the runner needs. *Store implements it; an
// in-memory implementation is used in tests.
type Source interface {
	Family() string
	Lease(ctx context.Context, batch int, workerID string) ([]Job, error)
	Complete(ctx context.Context, id, workerID string) error
	Fail(ctx context.Context, id string, attempts int, workerID string, cause error) (Status, error)
}

// ResultFunc observes the outcome of each handled job. Used by the import
// aggregate to keep parent counters in step with terminal item outcomes.
type ResultFunc func(ctx context.Context, job Job, outcome Outcome)

// Runner drives one processing cycle for one job family. It is stateless:
// every invocation is independent and safe to run concurrently with any
// other trigger, because the lease claim is atomic at the store.
type Runner struct {
	source   Source
	handler  Handler
	logger   *zerolog.Logger
	onResult ResultFunc
}

func NewRunner(source Source, handler Handler, logger *zerolog.Logger) *Runner {
	return &Runner{source: source, handler: handler, logger: logger}
}

// WithResultFunc registers an observer for per-job outcomes
func (r *Runner) WithResultFunc(fn ResultFunc) *Runner {
	r.onResult = fn
	return r
}

// RunCycle leases up to batch jobs and processes them sequentially.
// Per-job failures are recorded on the rows and counted; only a lease
// failure (store unreachable) aborts the cycle, with zero counts.
func (r *Runner) RunCycle(ctx context.Context, batch int, workerID string) (Summary, error) {
	family := r.source.Family()
	start := time.Now()

	jobs, err := r.source.Lease(ctx, batch, workerID)
	if err != nil {
		r.logger.Error().Err(err).
			Str("family", family).
			Str("worker_id", workerID).
			Msg("Failed to lease jobs")
		return Summary{}, fmt.Errorf("lease failed for %s: %w", family, err)
	}

	observeBatch(family, len(jobs))
	if len(jobs) == 0 {
		return Summary{}, nil
	}

	r.logger.Info().
		Str("family", family).
		Str("worker_id", workerID).
		Int("job_count", len(jobs)).
		Msg("Worker claimed jobs")

	var summary Summary
	for _, job := range jobs {
		summary.Processed++
		if r.processJob(ctx, workerID, job) {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	observeCycle(family, time.Since(start))
	r.logger.Info().
		Str("family", family).
		Str("worker_id", workerID).
		Int("processed", summary.Processed).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Msg("Cycle finished")
	return summary, nil
}

func (r *Runner) processJob(ctx context.Context, workerID string, job Job) bool {
	family := r.source.Family()

	handlerErr := r.handle(ctx, job)
	if handlerErr == nil {
		if err := r.source.Complete(ctx, job.ID, workerID); err != nil {
			r.logger.Error().Err(err).
				Str("family", family).
				Str("job_id", job.ID).
				Msg("Failed to mark job completed")
			observeResult(family, OutcomeFailed)
			return false
		}
		observeResult(family, OutcomeSucceeded)
		r.report(ctx, job, OutcomeSucceeded)
		return true
	}

	status, failErr := r.source.Fail(ctx, job.ID, job.Attempts, workerID, handlerErr)
	if failErr != nil {
		r.logger.Error().Err(failErr).
			Str("family", family).
			Str("job_id", job.ID).
			Msg("Failed to record job failure")
		observeResult(family, OutcomeFailed)
		return false
	}

	outcome := OutcomeRetrying
	if status == StatusFailed {
		outcome = OutcomeFailed
	}
	observeResult(family, outcome)
	r.logger.Error().Err(handlerErr).
		Str("family", family).
		Str("worker_id", workerID).
		Str("job_id", job.ID).
		Int("attempts", job.Attempts).
		Str("outcome", string(outcome)).
		Msg("Job failed")
	r.report(ctx, job, outcome)
	return false
}

// handle runs the domain handler, converting a panic into an ordinary
// per-job error so a single bad payload cannot take down the whole cycle.
func (r *Runner) handle(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.handler(ctx, job)
}

func (r *Runner) report(ctx context.Context, job Job, outcome Outcome) {
	if r.onResult != nil {
		r.onResult(ctx, job, outcome)
	}
}

// WorkerID builds a worker identifier from the host name and a random
// suffix, so overlapping invocations are distinguishable in lock columns
// and logs.
func WorkerID(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, host, uuid.NewString()[:8])
}
