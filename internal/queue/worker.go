package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/logging"
)

// Handler runs one task. The returned value is stored as the task result.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

type Worker struct {
	broker      Broker
	logger      *zap.Logger
	concurrency int
	prefetch    int
	timeLimit   time.Duration
	softLimit   time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewWorker(broker Broker, cfg config.WorkerConfig, logger *zap.Logger) *Worker {
	w := &Worker{
		broker:      broker,
		logger:      logging.OrNop(logger),
		concurrency: cfg.Concurrency,
		prefetch:    cfg.PrefetchMultiplier,
		timeLimit:   cfg.TimeLimit,
		softLimit:   cfg.SoftTimeLimit,
		handlers:    make(map[string]Handler),
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.prefetch <= 0 {
		w.prefetch = 1
	}
	return w
}

func (w *Worker) Register(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

func (w *Worker) handler(name string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[name]
	return h, ok
}

func (w *Worker) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.handlers))
	for name := range w.handlers {
		out = append(out, name)
	}
	return out
}

// Run fetches and executes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	jobs := make(chan Delivery, w.concurrency*w.prefetch)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for gctx.Err() == nil {
			free := cap(jobs) - len(jobs)
			if free <= 0 {
				if !sleep(gctx, 50*time.Millisecond) {
					return nil
				}
				continue
			}
			batch, err := w.broker.Fetch(gctx, free)
			if err != nil {
				w.logger.Error("task fetch failed", zap.Error(err))
				if !sleep(gctx, time.Second) {
					return nil
				}
				continue
			}
			for i, d := range batch {
				select {
				case jobs <- d:
				case <-gctx.Done():
					w.release(ctx, batch[i:])
					return nil
				}
			}
		}
		return nil
	})

	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for d := range jobs {
				if gctx.Err() != nil {
					w.release(ctx, []Delivery{d})
					continue
				}
				w.Execute(gctx, d)
			}
			return nil
		})
	}
	w.logger.Info("worker started",
		zap.Int("concurrency", w.concurrency),
		zap.Int("prefetch", cap(jobs)),
		zap.Duration("time_limit", w.timeLimit),
	)
	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

// release returns prefetched tasks that never started to the broker. No
// result is stored for them.
func (w *Worker) release(ctx context.Context, batch []Delivery) {
	releaseCtx := context.WithoutCancel(ctx)
	for _, d := range batch {
		if err := w.broker.Release(releaseCtx, d); err != nil {
			w.logger.Error("release task failed", zap.String("task_id", d.Task.ID), zap.Error(err))
			continue
		}
		w.logger.Info("task released on shutdown", zap.String("task_id", d.Task.ID), zap.String("task", d.Task.Name))
	}
}

// Execute runs one delivery to completion, stores its result and acks it.
func (w *Worker) Execute(ctx context.Context, d Delivery) Result {
	task := d.Task
	now := time.Now().UTC()
	res := Result{TaskID: task.ID, Name: task.Name}
	storeCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := w.broker.StoreResult(storeCtx, res); err != nil {
			w.logger.Error("store task result failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		if err := w.broker.Ack(storeCtx, d); err != nil {
			w.logger.Error("ack task failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	}()

	if task.Expired(now) {
		res.Status = StatusExpired
		res.FinishedAt = &now
		w.logger.Warn("task expired before execution",
			zap.String("task_id", task.ID),
			zap.String("task", task.Name),
			zap.Timep("expires_at", task.ExpiresAt),
		)
		return res
	}
	h, ok := w.handler(task.Name)
	if !ok {
		res.Status = StatusFailure
		res.ErrorCode = apperr.CodeInternal
		res.Error = "unregistered task " + task.Name
		res.FinishedAt = &now
		w.logger.Error("unregistered task", zap.String("task", task.Name), zap.String("task_id", task.ID))
		return res
	}

	res.Status = StatusStarted
	res.StartedAt = &now
	if err := w.broker.StoreResult(storeCtx, res); err != nil {
		w.logger.Warn("store started state failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	value, err := w.run(ctx, task, h)
	finished := time.Now().UTC()
	res.FinishedAt = &finished
	if err != nil {
		res.Status = StatusFailure
		res.Error = err.Error()
		res.ErrorCode = apperr.CodeOf(err)
		w.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.String("task", task.Name),
			zap.String("code", string(res.ErrorCode)),
			zap.Duration("runtime", finished.Sub(now)),
			zap.Error(err),
		)
		return res
	}
	if value != nil {
		data, err := json.Marshal(value)
		if err != nil {
			res.Status = StatusFailure
			res.ErrorCode = apperr.CodeInternal
			res.Error = "encode result: " + err.Error()
			return res
		}
		res.Value = data
	}
	res.Status = StatusSuccess
	w.logger.Info("task succeeded",
		zap.String("task_id", task.ID),
		zap.String("task", task.Name),
		zap.Duration("runtime", finished.Sub(now)),
	)
	return res
}

// run applies the hard time limit by abandoning the handler once its context
// expires; the soft limit only logs.
func (w *Worker) run(ctx context.Context, task Task, h Handler) (any, error) {
	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if w.timeLimit > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, w.timeLimit)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	if w.softLimit > 0 {
		soft := time.AfterFunc(w.softLimit, func() {
			w.logger.Warn("task exceeded soft time limit",
				zap.String("task_id", task.ID),
				zap.String("task", task.Name),
				zap.Duration("soft_time_limit", w.softLimit),
			)
		})
		defer soft.Stop()
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: apperr.Newf(apperr.CodeInternal, "task panicked: %v", r)}
			}
		}()
		v, err := h(taskCtx, task.Payload)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-taskCtx.Done():
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.WithCode(apperr.CodeTimeout, ctx.Err()), "worker shutting down")
		}
		return nil, apperr.Newf(apperr.CodeTimeout, "task exceeded hard time limit of %s", w.timeLimit)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
