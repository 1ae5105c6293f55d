package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrNotRetryable = errors.New("only failed or cancelled jobs can be retried")
)

const jobColumns = `id, type, status, root, params, progress, result, error, created_by, created_at, started_at, completed_at`

// JobQueue manages job persistence and dispatching
type JobQueue struct {
	db       *sql.DB
	logger   zerolog.Logger
	mu       sync.RWMutex
	pending  chan string // job IDs to process
	cancels  map[string]context.CancelFunc
	handlers map[JobType]JobHandler
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	done     chan struct{}
}

// NewJobQueue creates and starts a new job queue. Register handlers before
// enqueueing work.
func NewJobQueue(db *sql.DB, logger zerolog.Logger) *JobQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &JobQueue{
		db:       db,
		logger:   logger.With().Str("component", "job").Logger(),
		pending:  make(chan string, 100),
		cancels:  make(map[string]context.CancelFunc),
		handlers: make(map[JobType]JobHandler),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	return q
}

// Start resumes persisted work and starts the worker.
func (q *JobQueue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	// Resume any pending/running jobs from DB on startup
	q.resumeJobs()
	go q.worker()
}

// RegisterHandler registers a handler for a job type
func (q *JobQueue) RegisterHandler(jobType JobType, handler JobHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

// Enqueue creates a new job and adds it to the queue
func (q *JobQueue) Enqueue(jobType JobType, root string, params interface{}, createdBy int64) (*Job, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	job := &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Status:    StatusPending,
		Root:      root,
		Params:    paramsJSON,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
	}

	_, err = q.db.Exec(`
		INSERT INTO jobs (id, type, status, root, params, progress, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.Status, job.Root, string(job.Params), job.Progress, job.CreatedBy, job.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	// Push to worker channel
	select {
	case q.pending <- job.ID:
	default:
		q.logger.Warn().Str("job", job.ID).Msg("queue full, job will be picked up on next start")
	}

	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var params, result, errMsg sql.NullString
	var createdBy sql.NullInt64
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(&job.ID, &job.Type, &job.Status, &job.Root, &params, &job.Progress,
		&result, &errMsg, &createdBy, &job.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	if params.Valid {
		job.Params = json.RawMessage(params.String)
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	if createdBy.Valid {
		job.CreatedBy = createdBy.Int64
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

// GetJob retrieves a job by ID
func (q *JobQueue) GetJob(id string) (*Job, error) {
	job, err := scanJob(q.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, err
}

// ListJobs returns all jobs ordered by creation time (newest first)
func (q *JobQueue) ListJobs() ([]*Job, error) {
	rows, err := q.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByStatus returns how many jobs are in each status.
func (q *JobQueue) CountByStatus() (map[JobStatus]int, error) {
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CancelJob cancels a pending or running job. A running search stops at its
// next directory boundary and its partial result is kept.
func (q *JobQueue) CancelJob(id string) error {
	if _, err := q.GetJob(id); err != nil {
		return err
	}

	q.mu.Lock()
	if cancelFn, ok := q.cancels[id]; ok {
		cancelFn()
	}
	q.mu.Unlock()

	_, err := q.db.Exec(`
		UPDATE jobs SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusCancelled, time.Now(), id, StatusPending, StatusRunning,
	)
	return err
}

// RetryJob re-queues a failed or cancelled job
func (q *JobQueue) RetryJob(id string) error {
	res, err := q.db.Exec(`
		UPDATE jobs SET status = ?, progress = 0, result = NULL, error = NULL, started_at = NULL, completed_at = NULL
		WHERE id = ? AND status IN (?, ?)`,
		StatusPending, id, StatusFailed, StatusCancelled,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.GetJob(id); err != nil {
			return err
		}
		return ErrNotRetryable
	}

	select {
	case q.pending <- id:
	default:
		q.logger.Warn().Str("job", id).Msg("queue full, retry will be picked up on next start")
	}
	return nil
}

// Stop shuts down the queue. Running jobs stay "running" in the database and
// are resumed on the next start.
func (q *JobQueue) Stop() {
	q.cancel()
	q.mu.RLock()
	started := q.started
	q.mu.RUnlock()
	if started {
		<-q.done
	}
}

// worker processes jobs from the pending channel one at a time
func (q *JobQueue) worker() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case jobID := <-q.pending:
			q.processJob(jobID)
		}
	}
}

// processJob runs a single job
func (q *JobQueue) processJob(jobID string) {
	job, err := q.GetJob(jobID)
	if err != nil {
		q.logger.Error().Str("job", jobID).Err(err).Msg("failed to load job")
		return
	}

	// Skip if not pending
	if job.Status != StatusPending {
		return
	}

	q.mu.RLock()
	handler, ok := q.handlers[job.Type]
	q.mu.RUnlock()

	if !ok {
		q.failJob(job, fmt.Sprintf("no handler for job type: %s", job.Type))
		return
	}

	// Create cancellable context before marking as running so that a cancel
	// arriving in between is not lost
	ctx, cancelFn := context.WithCancel(q.ctx)
	q.mu.Lock()
	q.cancels[job.ID] = cancelFn
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.cancels, job.ID)
		q.mu.Unlock()
		cancelFn()
	}()

	now := time.Now()
	res, err := q.db.Exec("UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?",
		StatusRunning, now, job.ID, StatusPending)
	if err != nil {
		q.logger.Error().Str("job", job.ID).Err(err).Msg("failed to mark job running")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// cancelled while waiting in the channel
		return
	}
	job.StartedAt = &now
	job.Status = StatusRunning
	q.logger.Info().Str("job", job.ID).Str("type", string(job.Type)).Msg("job started")

	result, err := handler(ctx, job)

	switch {
	case q.ctx.Err() != nil:
		q.logger.Info().Str("job", job.ID).Msg("queue stopped, job will resume on next start")
	case ctx.Err() != nil:
		q.finishCancelled(job, result)
	case err != nil:
		q.failJob(job, err.Error())
	default:
		q.completeJob(job, result)
	}
}

func (q *JobQueue) completeJob(job *Job, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		q.failJob(job, fmt.Sprintf("marshal result: %v", err))
		return
	}
	q.db.Exec("UPDATE jobs SET status = ?, progress = 1.0, result = ?, completed_at = ? WHERE id = ? AND status = ?",
		StatusCompleted, string(payload), time.Now(), job.ID, StatusRunning)
	q.logger.Info().Str("job", job.ID).Msg("job completed")
}

func (q *JobQueue) finishCancelled(job *Job, result any) {
	var payload sql.NullString
	if result != nil {
		if b, err := json.Marshal(result); err == nil {
			payload = sql.NullString{String: string(b), Valid: true}
		}
	}
	q.db.Exec("UPDATE jobs SET status = ?, result = COALESCE(?, result), completed_at = COALESCE(completed_at, ?) WHERE id = ?",
		StatusCancelled, payload, time.Now(), job.ID)
	q.logger.Info().Str("job", job.ID).Msg("job cancelled")
}

func (q *JobQueue) failJob(job *Job, errMsg string) {
	q.db.Exec("UPDATE jobs SET status = ?, error = ?, completed_at = ? WHERE id = ?",
		StatusFailed, errMsg, time.Now(), job.ID)
	q.logger.Warn().Str("job", job.ID).Str("error", errMsg).Msg("job failed")
}

// resumeJobs re-queues any pending jobs found in DB on startup
func (q *JobQueue) resumeJobs() {
	// Mark any previously "running" jobs as pending (server restarted)
	q.db.Exec("UPDATE jobs SET status = ? WHERE status = ?", StatusPending, StatusRunning)

	rows, err := q.db.Query("SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC", StatusPending)
	if err != nil {
		q.logger.Error().Err(err).Msg("failed to resume jobs")
		return
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		select {
		case q.pending <- id:
			count++
		default:
		}
	}

	if count > 0 {
		q.logger.Info().Int("count", count).Msg("resumed pending jobs")
	}
}
