// Package queue runs named tasks on a worker pool fed by a broker, with a
// result backend that callers poll.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"cravewatch/internal/apperr"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusExpired Status = "EXPIRED"
)

// Ready reports whether the status is final.
func (s Status) Ready() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusExpired
}

type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the task must not run at now.
func (t Task) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Delivery is a fetched task plus the broker handle needed to ack it.
type Delivery struct {
	Task Task
	tag  string
}

type Result struct {
	TaskID     string          `json:"task_id"`
	Name       string          `json:"name"`
	Status     Status          `json:"status"`
	Value      json.RawMessage `json:"value,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  apperr.Code     `json:"error_code,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Err rebuilds the task error with its original code.
func (r Result) Err() error {
	switch r.Status {
	case StatusFailure:
		code := r.ErrorCode
		if code == "" {
			code = apperr.CodeInternal
		}
		return apperr.Newf(code, "task %s (%s) failed: %s", r.TaskID, r.Name, r.Error)
	case StatusExpired:
		return apperr.Newf(apperr.CodeTimeout, "task %s (%s) expired before it ran", r.TaskID, r.Name)
	}
	return nil
}

type Broker interface {
	Enqueue(ctx context.Context, task Task) error
	// Fetch waits briefly for up to max tasks; an empty slice is not an error.
	Fetch(ctx context.Context, max int) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Release hands a fetched but unstarted task back for redelivery.
	Release(ctx context.Context, d Delivery) error
	StoreResult(ctx context.Context, res Result) error
	// LoadResult returns a NOT_FOUND error until a result is stored.
	LoadResult(ctx context.Context, taskID string) (Result, error)
	Close() error
}
