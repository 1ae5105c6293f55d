package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/file-finder/backend/internal/api/middleware"
	"github.com/file-finder/backend/internal/db/models"
	"github.com/file-finder/backend/internal/job"
	"github.com/file-finder/backend/internal/search"
)

type JobHandler struct {
	queue       *job.JobQueue
	defaultRoot string
	logger      zerolog.Logger
}

func NewJobHandler(queue *job.JobQueue, defaultRoot string, logger zerolog.Logger) *JobHandler {
	return &JobHandler{queue: queue, defaultRoot: defaultRoot, logger: logger}
}

// CreateSearchJob queues a background search. The request is validated up
// front so a blank term never reaches the queue.
func (h *JobHandler) CreateSearchJob(w http.ResponseWriter, r *http.Request) {
	var params job.SearchParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(params.Root) == "" {
		params.Root = h.defaultRoot
	}

	req := search.Request{Root: params.Root, Term: params.Term, ExactMatch: params.Exact}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}

	var createdBy int64
	if claims := middleware.GetClaims(r); claims != nil {
		createdBy = claims.UserID
	}

	j, err := h.queue.Enqueue(job.JobSearch, params.Root, params, createdBy)
	if err != nil {
		h.logger.Error().Err(err).Msg("enqueue search job")
		jsonError(w, "failed to queue job", http.StatusInternalServerError)
		return
	}

	jsonResponse(w, j, http.StatusAccepted)
}

// ListJobs returns all jobs for admins and the caller's own jobs otherwise.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.queue.ListJobs()
	if err != nil {
		h.logger.Error().Err(err).Msg("list jobs")
		jsonError(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}

	visible := make([]*job.Job, 0, len(jobs))
	for _, j := range jobs {
		if canSee(r, j) {
			visible = append(visible, j)
		}
	}
	jsonResponse(w, visible, http.StatusOK)
}

func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.lookup(w, r)
	if !ok {
		return
	}
	jsonResponse(w, j, http.StatusOK)
}

// CancelJob cancels a pending or running job. A running search keeps what it
// found so far.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.queue.CancelJob(j.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryJob re-queues a failed or cancelled job
func (h *JobHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.queue.RetryJob(j.ID); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "retrying"}, http.StatusOK)
}

// lookup loads the job named in the URL. Jobs owned by other users are
// reported as missing.
func (h *JobHandler) lookup(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		jsonError(w, "missing job ID", http.StatusBadRequest)
		return nil, false
	}

	j, err := h.queue.GetJob(id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if !canSee(r, j) {
		writeError(w, job.ErrNotFound)
		return nil, false
	}
	return j, true
}

func canSee(r *http.Request, j *job.Job) bool {
	claims := middleware.GetClaims(r)
	if claims == nil {
		return false
	}
	return claims.Role == models.RoleAdmin || claims.UserID == j.CreatedBy
}
