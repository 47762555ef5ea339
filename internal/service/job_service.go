// Package service is the job submission API used by the HTTP handlers.
package service

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/metrics"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/queue"
	"github.com/stanstork/stratum-transfer/internal/repository"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 500
)

// RunningCanceller signals the job currently executing.
type RunningCanceller interface {
	CancelRunning(id string) bool
}

type Config struct {
	Jobs             repository.JobRepository
	Queue            *queue.Queue
	Worker           RunningCanceller
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
	DefaultBatchSize int
}

type JobService struct {
	jobs             repository.JobRepository
	queue            *queue.Queue
	worker           RunningCanceller
	metrics          *metrics.Metrics
	logger           zerolog.Logger
	defaultBatchSize int
}

func NewJobService(cfg Config) *JobService {
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 1000
	}
	return &JobService{
		jobs:             cfg.Jobs,
		queue:            cfg.Queue,
		worker:           cfg.Worker,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger.With().Str("component", "job_service").Logger(),
		defaultBatchSize: cfg.DefaultBatchSize,
	}
}

// SubmitJob validates params, records a Pending job and queues it. Invalid
// requests fail synchronously without creating a record.
func (s *JobService) SubmitJob(ctx context.Context, kind models.JobKind, params json.RawMessage) (string, error) {
	if !kind.Valid() {
		return "", apperr.Validation("unknown job kind %q", kind)
	}
	p, err := models.DecodeParameters(kind, params)
	if err != nil {
		return "", err
	}
	p.ApplyDefaults(s.defaultBatchSize)
	if err := p.Validate(); err != nil {
		return "", err
	}
	normalized, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode parameters")
	}

	job, err := s.jobs.Create(ctx, kind, normalized)
	if err != nil {
		return "", err
	}
	log := s.logger.With().Str("job_id", job.ID).Str("kind", string(kind)).Logger()

	dropped, err := s.queue.Enqueue(job.ID)
	switch {
	case errors.Is(err, queue.ErrClosed):
		if _, cerr := s.jobs.TryCancel(context.WithoutCancel(ctx), job.ID); cerr != nil {
			log.Error().Err(cerr).Msg("failed to cancel job rejected by closed queue")
		}
		return "", apperr.Unavailable("service is shutting down")
	case errors.Is(err, queue.ErrSaturated):
		s.metrics.QueueDropped()
		log.Warn().Str("dropped_job_id", dropped).Int("capacity", s.queue.Cap()).
			Msg("queue saturated, oldest job dropped")
		s.cancelDropped(ctx, dropped)
	case err != nil:
		return "", errors.Wrap(err, "failed to enqueue job")
	}

	s.metrics.JobSubmitted(kind)
	s.metrics.QueueDepth(s.queue.Len())
	log.Info().Msg("job submitted")
	return job.ID, nil
}

// cancelDropped marks a job evicted from the queue as cancelled so it is not
// reported as pending forever.
func (s *JobService) cancelDropped(ctx context.Context, id string) {
	ok, err := s.jobs.TryCancel(context.WithoutCancel(ctx), id)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("failed to cancel dropped job")
		return
	}
	if ok {
		s.logger.Info().Str("job_id", id).Msg("dropped job marked cancelled")
	}
}

func (s *JobService) GetJobStatus(ctx context.Context, id string) (models.Job, error) {
	return s.jobs.Get(ctx, id)
}

// ListRecentJobs returns the newest jobs first. limit is clamped to
// [1, MaxListLimit]; zero or negative means DefaultListLimit.
func (s *JobService) ListRecentJobs(ctx context.Context, limit int) ([]models.Job, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return s.jobs.List(ctx, limit)
}

// CancelJob cancels a job that has not started. It reports false for a job
// that is already running or finished.
func (s *JobService) CancelJob(ctx context.Context, id string) (bool, error) {
	ok, err := s.jobs.TryCancel(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Info().Str("job_id", id).Msg("job cancelled")
	}
	return ok, nil
}

// RequestStop asks a running job to stop at its next batch boundary. It
// reports false when the job is not running.
func (s *JobService) RequestStop(ctx context.Context, id string) (bool, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status != models.JobStatusRunning || s.worker == nil {
		return false, nil
	}
	ok := s.worker.CancelRunning(id)
	if ok {
		s.logger.Info().Str("job_id", id).Msg("stop requested for running job")
	}
	return ok, nil
}
