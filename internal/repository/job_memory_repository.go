package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/models"
)

var (
	_ JobRepository = (*memoryJobRepository)(nil)
	_ JobRepository = (*jobRepository)(nil)
)

// memoryJobRepository keeps job records for the lifetime of the process.
// Records handed out are copies; callers never share state with the store.
type memoryJobRepository struct {
	mu    sync.RWMutex
	jobs  map[string]*models.Job
	order []string // creation order
	now   func() time.Time
}

func NewMemoryJobRepository() JobRepository {
	return &memoryJobRepository{
		jobs: make(map[string]*models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *memoryJobRepository) Create(_ context.Context, kind models.JobKind, params json.RawMessage) (models.Job, error) {
	job := &models.Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Parameters: append(json.RawMessage(nil), params...),
		Status:     models.JobStatusPending,
		CreatedAt:  r.now(),
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.order = append(r.order, job.ID)
	r.mu.Unlock()

	return job.Clone(), nil
}

func (r *memoryJobRepository) Get(_ context.Context, id string) (models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	return job.Clone(), nil
}

func (r *memoryJobRepository) Transition(
	_ context.Context, id string, from, to models.JobStatus, upd models.JobUpdate,
) (models.Job, error) {
	if !models.CanTransition(from, to) {
		return models.Job{}, apperr.Conflict("illegal transition %s -> %s for job %s", from, to, id)
	}
	if upd.At.IsZero() {
		upd.At = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	if job.Status != from {
		return models.Job{}, apperr.Conflict("job %s is %s, expected %s", id, job.Status, from)
	}
	job.ApplyTransition(to, upd)
	return job.Clone(), nil
}

func (r *memoryJobRepository) List(_ context.Context, limit int) ([]models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.order) {
		limit = len(r.order)
	}
	jobs := make([]models.Job, 0, limit)
	for i := len(r.order) - 1; i >= 0 && len(jobs) < limit; i-- {
		jobs = append(jobs, r.jobs[r.order[i]].Clone())
	}
	return jobs, nil
}

func (r *memoryJobRepository) TryCancel(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return false, apperr.NotFound("job %s not found", id)
	}
	if job.Status != models.JobStatusPending {
		return false, nil
	}
	job.ApplyTransition(models.JobStatusCancelled, models.JobUpdate{At: r.now()})
	return true, nil
}
