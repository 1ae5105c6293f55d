package job

import (
	"context"
	"encoding/json"
	"time"
)

// JobType represents the kind of job
type JobType string

const (
	JobSearch JobType = "search"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Job represents a queued background search
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Status      JobStatus       `json:"status"`
	Root        string          `json:"root"`
	Params      json.RawMessage `json:"params"`
	Progress    float64         `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedBy   int64           `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// SearchParams are parameters for a search job
type SearchParams struct {
	Root      string   `json:"root"`
	Term      string   `json:"term"`
	Exact     bool     `json:"exact"`
	WithSizes bool     `json:"sizes"`
	Exclude   []string `json:"exclude,omitempty"`
}

// JobHandler processes a job and returns its result payload. When ctx is
// cancelled the handler should return whatever partial result it has.
type JobHandler func(ctx context.Context, job *Job) (any, error)
