// Package worker runs queued jobs one at a time.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/datastore"
	"github.com/stanstork/stratum-transfer/internal/engine"
	"github.com/stanstork/stratum-transfer/internal/metrics"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/queue"
	"github.com/stanstork/stratum-transfer/internal/repository"
)

// Resolver opens the connections a job needs.
type Resolver interface {
	Open(ctx context.Context, req datastore.Request) (*datastore.Scope, error)
}

type Config struct {
	Jobs     repository.JobRepository
	Queue    *queue.Queue
	Resolver Resolver
	Engine   *engine.Engine
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	// ShutdownGrace bounds how long Stop waits for the running job before
	// cancelling it.
	ShutdownGrace time.Duration
	// DefaultBatchSize fills in jobs submitted without a batch size.
	DefaultBatchSize int
	// RecordBackOff paces retries of the terminal status write. Defaults to
	// exponential backoff with recordRetries retries.
	RecordBackOff func() backoff.BackOff
}

// recordRetries bounds the retries of a failed terminal status write.
const recordRetries = 5

func defaultRecordBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithMaxRetries(b, recordRetries)
}

// Worker is the single consumer of the job queue.
type Worker struct {
	cfg    Config
	logger zerolog.Logger

	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	current string
	cancel  context.CancelFunc
}

func New(cfg Config) *Worker {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 1000
	}
	if cfg.RecordBackOff == nil {
		cfg.RecordBackOff = defaultRecordBackOff
	}
	return &Worker{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "worker").Logger(),
		done:   make(chan struct{}),
	}
}

// Run processes jobs until the queue is closed or ctx is done. It must be
// called once.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("worker already started")
	}
	defer close(w.done)
	w.logger.Info().Int("queue_capacity", w.cfg.Queue.Cap()).Msg("Worker started, waiting for jobs...")

	for {
		id, ok := w.cfg.Queue.Dequeue(ctx)
		if !ok {
			w.logger.Info().Msg("Worker stopped")
			return nil
		}
		w.cfg.Metrics.QueueDepth(w.cfg.Queue.Len())
		if w.stopping.Load() {
			w.logger.Warn().Str("job_id", id).Msg("worker stopping, job left pending")
			continue
		}
		w.process(ctx, id)
	}
}

// Stop closes the queue, abandons the ids still queued and waits for the
// running job. When the grace period or ctx expires first, the running job
// is cancelled and Stop waits for it to record its status.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		w.cfg.Queue.Close()
		if abandoned := w.cfg.Queue.Drain(); len(abandoned) > 0 {
			w.logger.Warn().Int("count", len(abandoned)).Strs("job_ids", abandoned).
				Msg("shutdown abandoned queued jobs; they stay pending")
		}
		w.cfg.Metrics.QueueDepth(0)
	})
	if !w.started.Load() {
		return nil
	}

	grace := time.NewTimer(w.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-w.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	if id, ok := w.cancelCurrent(); ok {
		w.logger.Warn().Str("job_id", id).Msg("grace period expired, cancelling running job")
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelRunning asks the job with the given id to stop at its next batch
// boundary. It reports false when that job is not the one running.
func (w *Worker) CancelRunning(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != id || w.cancel == nil {
		return false
	}
	w.cancel()
	return true
}

func (w *Worker) cancelCurrent() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return "", false
	}
	w.cancel()
	return w.current, true
}

func (w *Worker) setCurrent(id string, cancel context.CancelFunc) {
	w.mu.Lock()
	w.current, w.cancel = id, cancel
	w.mu.Unlock()
}

func (w *Worker) process(ctx context.Context, id string) {
	log := w.logger.With().Str("job_id", id).Logger()

	job, err := w.cfg.Jobs.Transition(ctx, id, models.JobStatusPending, models.JobStatusRunning, models.JobUpdate{})
	if err != nil {
		switch {
		case apperr.Is(err, apperr.KindNotFound):
			log.Warn().Msg("dequeued unknown job, skipping")
		case apperr.Is(err, apperr.KindConflict):
			log.Info().Err(err).Msg("job no longer pending, skipping")
		default:
			log.Error().Err(err).Msg("failed to mark job running")
		}
		return
	}
	log = log.With().Str("kind", string(job.Kind)).Logger()
	log.Info().Msg("job started")

	jobCtx, cancel := context.WithCancel(ctx)
	w.setCurrent(id, cancel)
	defer func() {
		w.setCurrent("", nil)
		cancel()
	}()

	start := time.Now()
	out := w.execute(jobCtx, job, log)
	w.finish(context.WithoutCancel(ctx), job, out, time.Since(start), log)
}

// execute runs the job and converts a panic into a failed outcome.
func (w *Worker) execute(ctx context.Context, job models.Job, log zerolog.Logger) (out engine.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job panicked")
			out = engine.Outcome{
				Status: models.JobStatusFailed,
				Err:    apperr.Internal(nil, "job panicked: %v", r),
			}
		}
	}()

	params, err := models.DecodeParameters(job.Kind, job.Parameters)
	if err != nil {
		return failedOutcome(err)
	}
	params.ApplyDefaults(w.cfg.DefaultBatchSize)
	if err := params.Validate(); err != nil {
		return failedOutcome(err)
	}

	req, run := w.plan(params)
	scope, err := w.cfg.Resolver.Open(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return engine.Outcome{Status: models.JobStatusCancelled}
		}
		return failedOutcome(err)
	}
	defer func() {
		if err := scope.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("failed to close job connections")
		}
	}()

	return run(ctx, scope)
}

type runFunc func(ctx context.Context, scope *datastore.Scope) engine.Outcome

// plan maps decoded parameters onto a connection request and an engine call.
func (w *Worker) plan(params models.Parameters) (datastore.Request, runFunc) {
	eng := w.cfg.Engine
	switch p := params.(type) {
	case *models.SyncParams:
		return datastore.Request{Source: p.Source, Target: p.Target, SourceQuery: p.SourceQuery},
			func(ctx context.Context, s *datastore.Scope) engine.Outcome {
				return eng.DeleteInsertSync(ctx, s.Rows, s.Target, engine.SyncSpec{
					TargetTable: p.TargetTable,
					Mapping:     p.ColumnMapping,
					BatchSize:   p.BatchSize,
					Scope:       p.Scope,
				})
			}
	case *models.TransferParams:
		return datastore.Request{Source: p.Source, Target: p.Target, SourceQuery: p.SourceQuery},
			func(ctx context.Context, s *datastore.Scope) engine.Outcome {
				return eng.BulkTransfer(ctx, s.Rows, s.Target, engine.TransferSpec{
					TargetTable: p.TargetTable,
					Mapping:     p.ColumnMapping,
					BatchSize:   p.BatchSize,
				})
			}
	case *models.DocumentParams:
		return datastore.Request{Source: p.Source, Target: p.Target, Collection: p.Collection, Filter: p.Filter},
			func(ctx context.Context, s *datastore.Scope) engine.Outcome {
				return eng.DocumentTransfer(ctx, s.Documents, s.Target, engine.DocumentSpec{
					TargetTable: p.TargetTable,
					Fields:      p.FieldMapping,
					BatchSize:   p.BatchSize,
					JSONMode:    p.JSONMode,
					Policy:      p.OnMappingError,
					CreateTable: p.CreateTable,
				})
			}
	}
	return datastore.Request{}, func(context.Context, *datastore.Scope) engine.Outcome {
		return failedOutcome(apperr.Validation("unsupported parameters %T", params))
	}
}

func failedOutcome(err error) engine.Outcome {
	ae, ok := apperr.As(err)
	if !ok {
		ae = apperr.Internal(err, "job failed")
	}
	return engine.Outcome{Status: models.JobStatusFailed, Err: ae}
}

// finish records the terminal status of a job.
func (w *Worker) finish(ctx context.Context, job models.Job, out engine.Outcome, took time.Duration, log zerolog.Logger) {
	var upd models.JobUpdate
	res := out.Result
	switch out.Status {
	case models.JobStatusCompleted:
		upd.Result = &res
	case models.JobStatusFailed:
		upd.Progress = &res
		upd.Error = &models.JobError{
			Kind:    string(out.Err.Kind),
			Message: out.Err.Error(),
			Batch:   out.Err.Batch,
			Offset:  out.Err.Offset,
		}
	case models.JobStatusCancelled:
		upd.Progress = &res
	}

	upd.At = time.Now().UTC()
	if err := w.recordOutcome(ctx, job.ID, out.Status, upd, log); err != nil {
		log.Error().Err(err).Str("to", string(out.Status)).Msg("failed to record job outcome, job left running")
		return
	}
	w.cfg.Metrics.JobFinished(job.Kind, out.Status, took)

	evt := log.Info()
	if out.Status == models.JobStatusFailed {
		evt = log.Error().Str("error_kind", string(out.Err.Kind)).Str("error", out.Err.Error())
	}
	evt.Str("status", string(out.Status)).
		Int64("rows", res.RowsAffected).
		Int("batches", res.BatchCount).
		Dur("took", took).
		Msg("job finished")
}

// recordOutcome moves a job from Running to its terminal status, retrying
// store errors. A conflict or a vanished job is not retried.
func (w *Worker) recordOutcome(
	ctx context.Context, id string, to models.JobStatus, upd models.JobUpdate, log zerolog.Logger,
) error {
	op := func() error {
		_, err := w.cfg.Jobs.Transition(ctx, id, models.JobStatusRunning, to, upd)
		if apperr.Is(err, apperr.KindConflict) || apperr.Is(err, apperr.KindNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, backoff.WithContext(w.cfg.RecordBackOff(), ctx), func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Str("to", string(to)).Msg("failed to record job outcome, retrying")
	})
}
