package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"cravewatch/internal/apperr"
)

type Client struct {
	broker Broker
	poll   time.Duration
}

func NewClient(broker Broker, poll time.Duration) *Client {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Client{broker: broker, poll: poll}
}

type Option func(*Task)

// WithExpiresAt drops the task if no worker starts it before t.
func WithExpiresAt(t time.Time) Option {
	return func(task *Task) {
		utc := t.UTC()
		task.ExpiresAt = &utc
	}
}

// WithExpires is WithExpiresAt relative to the enqueue time.
func WithExpires(d time.Duration) Option {
	return func(task *Task) {
		if d > 0 {
			exp := task.EnqueuedAt.Add(d)
			task.ExpiresAt = &exp
		}
	}
}

// Delay enqueues name with payload encoded as JSON and returns a handle to
// its future result.
func (c *Client) Delay(ctx context.Context, name string, payload any, opts ...Option) (*AsyncResult, error) {
	task := Task{
		ID:         uuid.NewString(),
		Name:       name,
		EnqueuedAt: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, apperr.Wrap(apperr.WithCode(apperr.CodeInvalidInput, err), "encode task payload")
		}
		task.Payload = data
	}
	for _, opt := range opts {
		opt(&task)
	}
	if err := c.broker.Enqueue(ctx, task); err != nil {
		return nil, apperr.Wrapf(err, "enqueue %s", name)
	}
	return &AsyncResult{ID: task.ID, Name: name, broker: c.broker, poll: c.poll}, nil
}

// Result returns the stored result for id, or a PENDING placeholder.
func (c *Client) Result(ctx context.Context, id string) (Result, error) {
	res, err := c.broker.LoadResult(ctx, id)
	if apperr.Is(err, apperr.CodeNotFound) {
		return Result{TaskID: id, Status: StatusPending}, nil
	}
	return res, err
}

func (c *Client) AsyncResult(id string) *AsyncResult {
	return &AsyncResult{ID: id, broker: c.broker, poll: c.poll}
}

type AsyncResult struct {
	ID     string
	Name   string
	broker Broker
	poll   time.Duration
}

// Get waits up to timeout for the task to finish and decodes its value into
// out when out is non-nil. Running out of time yields a TIMEOUT error; the
// task itself keeps running.
func (r *AsyncResult) Get(ctx context.Context, timeout time.Duration, out any) (Result, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		res, err := r.broker.LoadResult(ctx, r.ID)
		switch {
		case err == nil && res.Status.Ready():
			if err := res.Err(); err != nil {
				return res, err
			}
			if out != nil && len(res.Value) > 0 {
				if err := json.Unmarshal(res.Value, out); err != nil {
					return res, apperr.Wrapf(err, "decode result of task %s", r.ID)
				}
			}
			return res, nil
		case err != nil && !apperr.Is(err, apperr.CodeNotFound):
			return res, err
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return Result{TaskID: r.ID, Name: r.Name, Status: StatusPending},
				apperr.Newf(apperr.CodeTimeout, "task %s did not finish within %s", r.ID, timeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Result{TaskID: r.ID, Name: r.Name, Status: StatusPending},
				apperr.Wrap(apperr.WithCode(apperr.CodeTimeout, ctx.Err()), "waiting for task "+r.ID)
		}
	}
}
