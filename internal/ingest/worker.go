package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/mailvault/mailvault/internal/models"
	"github.com/mailvault/mailvault/internal/store"
)

// workerState tracks where a worker is in its consume cycle. Transitions:
// idle -> fetching on the poll tick; fetching -> processing when a job is
// claimed (back to idle when the queue is empty); processing -> committing
// always (a permanent prepare failure swaps in the stub); committing ->
// acking on a durable write, back to idle on a transient store error (the
// job is nacked for redelivery; a job on its final attempt degrades to the
// stub instead); acking -> fetching to drain the queue.
type workerState int

const (
	stateIdle workerState = iota
	stateFetching
	stateProcessing
	stateCommitting
	stateAcking
)

type WorkerOptions struct {
	PollInterval   time.Duration
	Visibility     time.Duration
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
}

// Worker is one consumer of the ingestion queue. Any number of workers may
// run concurrently; SKIP LOCKED claiming and idempotent persistence make
// that safe.
type Worker struct {
	jobs           store.JobStore
	ingest         *Service
	pollInterval   time.Duration
	visibility     time.Duration
	retryBaseDelay time.Duration
	maxRetryDelay  time.Duration
}

func NewWorker(jobs store.JobStore, ingest *Service, opts WorkerOptions) *Worker {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	visibility := opts.Visibility
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	retryBase := opts.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = 5 * time.Second
	}
	maxRetry := opts.MaxRetryDelay
	if maxRetry <= 0 {
		maxRetry = 10 * time.Minute
	}

	return &Worker{
		jobs:           jobs,
		ingest:         ingest,
		pollInterval:   poll,
		visibility:     visibility,
		retryBaseDelay: retryBase,
		maxRetryDelay:  maxRetry,
	}
}

// Run drives the worker state machine until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var (
		state    = stateFetching
		job      *models.QueueJob
		prepared *Prepared
	)

	for {
		if ctx.Err() != nil {
			return
		}

		switch state {
		case stateIdle:
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			state = stateFetching

		case stateFetching:
			claimed, err := w.jobs.ClaimNextJob(ctx, w.visibility)
			if err != nil {
				slog.Error("claim ingest job failed", "error", err)
				state = stateIdle
				continue
			}
			if claimed == nil {
				state = stateIdle
				continue
			}
			job = claimed
			state = stateProcessing

		case stateProcessing:
			prepared = w.process(job)
			if prepared == nil {
				// Nothing recoverable in the payload; drop the job.
				state = stateAcking
				continue
			}
			state = stateCommitting

		case stateCommitting:
			if err := w.ingest.Commit(ctx, prepared); err != nil {
				if fallback := w.exhaustedStub(ctx, job, prepared, err); fallback {
					state = stateAcking
					continue
				}
				w.nack(ctx, job, err)
				job, prepared = nil, nil
				state = stateIdle
				continue
			}
			state = stateAcking

		case stateAcking:
			if err := w.jobs.AckJob(ctx, job.ID); err != nil {
				// The visibility window will redeliver; the idempotent
				// insert makes that harmless.
				slog.Error("ack ingest job failed", "job_id", job.ID, "error", err)
			}
			job, prepared = nil, nil
			state = stateFetching
		}
	}
}

// process decodes and prepares one claimed job. Permanent failures degrade
// to the stub record; a payload that cannot even become a stub returns nil
// so the job is acked away.
func (w *Worker) process(job *models.QueueJob) *Prepared {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		slog.Error("dropping job with undecodable payload", "job_id", job.ID, "error", err)
		return nil
	}

	prepared, err := w.ingest.Prepare(payload)
	if err == nil {
		return prepared
	}

	if errors.Is(err, ErrPayloadUnusable) {
		// No envelope to build even a stub from.
		slog.Error("dropping job without a persistable envelope", "job_id", job.ID, "error", err)
		return nil
	}

	slog.Warn("storing stub for unprocessable message",
		"job_id", job.ID, "message_id", payload.MessageID, "error", err)
	return w.ingest.PrepareStub(payload)
}

// exhaustedStub handles the final delivery attempt: instead of another
// redelivery cycle the job degrades to the envelope-only stub so it can
// leave the queue. Returns false when the stub itself cannot be written,
// in which case the normal nack path applies.
func (w *Worker) exhaustedStub(ctx context.Context, job *models.QueueJob, prepared *Prepared, cause error) bool {
	if prepared == nil || prepared.Stub || job.Attempts < job.MaxAttempts {
		return false
	}
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return false
	}

	stub := w.ingest.PrepareStub(payload)
	if err := w.ingest.Commit(ctx, stub); err != nil {
		slog.Error("stub write failed on exhausted job", "job_id", job.ID, "error", err)
		return false
	}
	slog.Warn("stored stub after exhausted attempts",
		"job_id", job.ID, "attempts", job.Attempts, "message_id", payload.MessageID, "error", cause)
	return true
}

func (w *Worker) nack(ctx context.Context, job *models.QueueJob, cause error) {
	nextRun := time.Now().UTC().Add(w.retryDelay(job.Attempts))
	if err := w.jobs.NackJob(ctx, job.ID, nextRun, cause.Error()); err != nil {
		slog.Error("nack ingest job failed", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.maxRetryDelay {
			return w.maxRetryDelay
		}
	}
	if delay > w.maxRetryDelay {
		return w.maxRetryDelay
	}
	return delay
}
