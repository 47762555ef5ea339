package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/models"
)

// JobRepository is the Job Record Store. Status changes are compare-and-set
// on the expected prior status so the worker and the cancel path cannot
// overwrite each other.
type JobRepository interface {
	Create(ctx context.Context, kind models.JobKind, params json.RawMessage) (models.Job, error)
	Get(ctx context.Context, id string) (models.Job, error)
	// Transition moves a job from `from` to `to`. It fails with a conflict
	// error when the stored status is not `from`, and rejects illegal edges.
	Transition(ctx context.Context, id string, from, to models.JobStatus, upd models.JobUpdate) (models.Job, error)
	// List returns up to limit jobs, most recent first.
	List(ctx context.Context, limit int) ([]models.Job, error)
	// TryCancel moves a Pending job to Cancelled and reports whether it did.
	TryCancel(ctx context.Context, id string) (bool, error)
}

type jobRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewJobRepository(db *sql.DB) JobRepository {
	return &jobRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const jobColumns = `id, kind, parameters, status, created_at, started_at, completed_at, result, progress, error`

func (r *jobRepository) Create(ctx context.Context, kind models.JobKind, params json.RawMessage) (models.Job, error) {
	job := models.Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Parameters: params,
		Status:     models.JobStatusPending,
		CreatedAt:  r.now(),
	}
	query := `
		INSERT INTO jobs (id, kind, parameters, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query, job.ID, job.Kind, string(job.Parameters), job.Status, job.CreatedAt)
	if err != nil {
		return models.Job{}, errors.Wrap(err, "failed to insert job")
	}
	return job, nil
}

func (r *jobRepository) Get(ctx context.Context, id string) (models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, apperr.NotFound("job %s not found", id)
		}
		return models.Job{}, errors.Wrapf(err, "failed to fetch job %s", id)
	}
	return job, nil
}

func (r *jobRepository) Transition(
	ctx context.Context, id string, from, to models.JobStatus, upd models.JobUpdate,
) (models.Job, error) {
	if !models.CanTransition(from, to) {
		return models.Job{}, apperr.Conflict("illegal transition %s -> %s for job %s", from, to, id)
	}
	if upd.At.IsZero() {
		upd.At = r.now()
	}

	// Compute the columns the new status implies; timestamps already set are kept.
	var next models.Job
	next.ApplyTransition(to, upd)

	result, err := nullJSON(next.Result)
	if err != nil {
		return models.Job{}, err
	}
	progress, err := nullJSON(next.Progress)
	if err != nil {
		return models.Job{}, err
	}
	jobErr, err := nullJSON(next.Error)
	if err != nil {
		return models.Job{}, err
	}

	query := `
		UPDATE jobs
		   SET status       = $3,
		       started_at   = COALESCE(started_at, $4),
		       completed_at = COALESCE(completed_at, $5),
		       result       = $6,
		       progress     = $7,
		       error        = $8
		 WHERE id = $1 AND status = $2
		RETURNING ` + jobColumns
	job, err := scanJob(r.db.QueryRowContext(ctx, query,
		id, from, to, next.StartedAt, next.CompletedAt, result, progress, jobErr,
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, errors.Wrapf(err, "failed to transition job %s", id)
	}

	current, getErr := r.Get(ctx, id)
	if getErr != nil {
		return models.Job{}, getErr
	}
	return models.Job{}, apperr.Conflict("job %s is %s, expected %s", id, current.Status, from)
}

func (r *jobRepository) List(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY seq DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepository) TryCancel(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE jobs
		   SET status = $2, completed_at = $3
		 WHERE id = $1 AND status = $4
	`
	res, err := r.db.ExecContext(ctx, query, id, models.JobStatusCancelled, r.now(), models.JobStatusPending)
	if err != nil {
		return false, errors.Wrapf(err, "failed to cancel job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// Distinguish an unknown id from a job that already left Pending.
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job                      models.Job
		params                   []byte
		startedAt, completedAt   sql.NullTime
		result, progress, jobErr []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Kind,
		&params,
		&job.Status,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&result,
		&progress,
		&jobErr,
	); err != nil {
		return models.Job{}, err
	}
	job.Parameters = json.RawMessage(params)
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if err := unmarshalNullable(result, &job.Result); err != nil {
		return models.Job{}, err
	}
	if err := unmarshalNullable(progress, &job.Progress); err != nil {
		return models.Job{}, err
	}
	if err := unmarshalNullable(jobErr, &job.Error); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// nullJSON marshals v as text for a jsonb column, mapping a nil pointer to
// SQL NULL. lib/pq would encode []byte as bytea.
func nullJSON[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal job column")
	}
	return string(b), nil
}

func unmarshalNullable[T any](b []byte, dst **T) error {
	if len(b) == 0 {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Wrap(err, "failed to unmarshal job column")
	}
	*dst = v
	return nil
}
