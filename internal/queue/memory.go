package queue

import (
	"context"
	"sync"
	"time"

	"cravewatch/internal/apperr"
)

// MemoryBroker keeps tasks in a channel and results in a map. It serves a
// single process.
type MemoryBroker struct {
	tasks     chan Task
	block     time.Duration
	resultTTL time.Duration

	mu      sync.Mutex
	results map[string]storedResult
	closed  bool
}

type storedResult struct {
	res     Result
	expires time.Time
}

func NewMemoryBroker(buffer int, block, resultTTL time.Duration) *MemoryBroker {
	if buffer <= 0 {
		buffer = 1024
	}
	if block <= 0 {
		block = time.Second
	}
	return &MemoryBroker{
		tasks:     make(chan Task, buffer),
		block:     block,
		resultTTL: resultTTL,
		results:   make(map[string]storedResult),
	}
}

func (m *MemoryBroker) Enqueue(ctx context.Context, task Task) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return apperr.New(apperr.CodeInternal, "broker closed")
	}
	select {
	case m.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryBroker) Fetch(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	if ctx.Err() != nil {
		return nil, nil
	}
	timer := time.NewTimer(m.block)
	defer timer.Stop()
	var out []Delivery
	select {
	case t := <-m.tasks:
		out = append(out, Delivery{Task: t})
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
	for len(out) < max {
		select {
		case t := <-m.tasks:
			out = append(out, Delivery{Task: t})
		default:
			return out, nil
		}
	}
	return out, nil
}

func (m *MemoryBroker) Ack(context.Context, Delivery) error {
	return nil
}

// Release puts the task back on the queue. It does not block on a full
// buffer.
func (m *MemoryBroker) Release(_ context.Context, d Delivery) error {
	select {
	case m.tasks <- d.Task:
		return nil
	default:
		return apperr.Newf(apperr.CodeInternal, "queue full, task %s dropped", d.Task.ID)
	}
}

func (m *MemoryBroker) StoreResult(_ context.Context, res Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var exp time.Time
	if m.resultTTL > 0 {
		exp = now.Add(m.resultTTL)
	}
	m.results[res.TaskID] = storedResult{res: res, expires: exp}
	for id, r := range m.results {
		if !r.expires.IsZero() && now.After(r.expires) {
			delete(m.results, id)
		}
	}
	return nil
}

func (m *MemoryBroker) LoadResult(_ context.Context, taskID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[taskID]
	if !ok || (!r.expires.IsZero() && time.Now().After(r.expires)) {
		return Result{}, apperr.Newf(apperr.CodeNotFound, "no result for task %s", taskID)
	}
	return r.res, nil
}

// Pending is the number of queued, unfetched tasks.
func (m *MemoryBroker) Pending() int {
	return len(m.tasks)
}

func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
