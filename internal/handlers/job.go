package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/models"
)

// maxBodyBytes bounds a submission payload.
const maxBodyBytes = 1 << 20

// JobService is the submission API the handlers call.
type JobService interface {
	SubmitJob(ctx context.Context, kind models.JobKind, params json.RawMessage) (string, error)
	GetJobStatus(ctx context.Context, id string) (models.Job, error)
	ListRecentJobs(ctx context.Context, limit int) ([]models.Job, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	RequestStop(ctx context.Context, id string) (bool, error)
}

type JobHandler struct {
	svc    JobService
	logger zerolog.Logger
}

func NewJobHandler(svc JobService, logger zerolog.Logger) *JobHandler {
	return &JobHandler{
		svc:    svc,
		logger: logger.With().Str("component", "job_handler").Logger(),
	}
}

// Submit returns a handler that queues a job of the given kind from the
// request body.
func (h *JobHandler) Submit(kind models.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, apperr.Validation("failed to read request body: %v", err))
			return
		}
		if !json.Valid(body) {
			writeError(w, apperr.Validation("Invalid request payload"))
			return
		}

		id, err := h.svc.SubmitJob(r.Context(), kind, body)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindInternal {
				h.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to submit job")
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
	}
}

func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil {
			writeError(w, apperr.Validation("limit must be an integer"))
			return
		}
		limit = v
	}

	jobs, err := h.svc.ListRecentJobs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.GetJobStatus(r.Context(), mux.Vars(r)["jobID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	ok, err := h.svc.CancelJob(r.Context(), mux.Vars(r)["jobID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (h *JobHandler) StopJob(w http.ResponseWriter, r *http.Request) {
	ok, err := h.svc.RequestStop(r.Context(), mux.Vars(r)["jobID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopping": ok})
}
