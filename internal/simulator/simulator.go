// Package simulator produces synthetic wearable windows for one consumer
// and asks the worker pool to score each of them.
package simulator

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/logging"
	"cravewatch/internal/model"
	"cravewatch/internal/normalize"
	"cravewatch/internal/queue"
	"cravewatch/internal/storage"
	"cravewatch/internal/tasks"
)

// Dispatcher is the part of queue.Client the simulator needs.
type Dispatcher interface {
	Delay(ctx context.Context, name string, payload any, opts ...queue.Option) (*queue.AsyncResult, error)
}

// CycleResult describes one simulated window.
type CycleResult struct {
	Cycle    int                  `json:"cycle"`
	WindowID int64                `json:"window_id"`
	Readings int                  `json:"readings"`
	TaskID   string               `json:"task_id"`
	Result   *model.PredictResult `json:"result,omitempty"`
	TimedOut bool                 `json:"timed_out"`
	Error    string               `json:"error,omitempty"`
}

type Simulator struct {
	cfg        config.SimulatorConfig
	store      storage.Store
	dispatcher Dispatcher
	logger     *zap.Logger
	rng        *rand.Rand
	now        func() time.Time
}

func New(cfg config.SimulatorConfig, store storage.Store, dispatcher Dispatcher, logger *zap.Logger) *Simulator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		logger:     logging.OrNop(logger),
		rng:        rand.New(rand.NewSource(seed)),
		now:        time.Now,
	}
}

// Consumer resolves the configured consumer; a missing row is a
// configuration problem, not a transient one.
func (s *Simulator) Consumer(ctx context.Context) (model.Consumer, error) {
	c, err := s.store.GetConsumer(ctx, s.cfg.ConsumerID)
	if apperr.Is(err, apperr.CodeNotFound) {
		return c, apperr.Newf(apperr.CodeConfiguration,
			"consumer %d does not exist; create it with \"cravewatch consumer add\"", s.cfg.ConsumerID)
	}
	return c, err
}

// Run simulates cycles every interval until ctx ends or maxCycles (when > 0)
// have run.
func (s *Simulator) Run(ctx context.Context, maxCycles int) error {
	consumer, err := s.Consumer(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("simulator started",
		zap.Int64("consumer_id", consumer.ID),
		zap.Int64("user_id", consumer.UserID),
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("readings_per_window", s.cfg.ReadingsPerWindow),
	)
	for cycle := 1; maxCycles <= 0 || cycle <= maxCycles; cycle++ {
		if _, err := s.Cycle(ctx, consumer, cycle); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error("simulation cycle failed", zap.Int("cycle", cycle), zap.Error(err))
		}
		if s.cfg.StatsEvery > 0 && cycle%s.cfg.StatsEvery == 0 {
			s.logStats(ctx, consumer)
		}
		if maxCycles > 0 && cycle == maxCycles {
			break
		}
		if !sleep(ctx, s.cfg.Interval) {
			break
		}
	}
	s.logger.Info("simulator stopped")
	return nil
}

// Cycle stores one synthetic window, dispatches its prediction and waits for
// the result. A result that does not arrive in time is logged, not returned.
func (s *Simulator) Cycle(ctx context.Context, consumer model.Consumer, cycle int) (CycleResult, error) {
	out := CycleResult{Cycle: cycle}
	end := storage.WindowTime(s.now())
	start := end.Add(-s.cfg.WindowLength)
	win, err := s.store.CreateWindow(ctx, model.Window{ConsumerID: consumer.ID, WindowStart: start, WindowEnd: end})
	if err != nil {
		return out, err
	}
	out.WindowID = win.ID

	readings := GenerateReadings(s.rng, win, s.cfg.ReadingsPerWindow)
	if err := s.store.InsertReadings(ctx, readings); err != nil {
		return out, err
	}
	out.Readings = len(readings)

	ar, err := s.dispatcher.Delay(ctx, config.TaskPredict, tasks.PredictPayload{UserID: consumer.UserID})
	if err != nil {
		return out, err
	}
	out.TaskID = ar.ID

	var res model.PredictResult
	_, err = ar.Get(ctx, s.cfg.ResultTimeout, &res)
	switch {
	case err == nil:
		out.Result = &res
		s.logger.Info("simulated window scored",
			zap.Int("cycle", cycle),
			zap.Int64("window_id", win.ID),
			zap.Float64("probability", res.Probability),
			zap.String("risk_level", string(res.RiskLevel)),
			zap.Bool("notification_sent", res.NotificationSent),
		)
	case apperr.Is(err, apperr.CodeTimeout) && ctx.Err() == nil:
		out.TimedOut = true
		s.logger.Warn("prediction result not ready",
			zap.Int("cycle", cycle),
			zap.String("task_id", ar.ID),
			zap.Duration("waited", s.cfg.ResultTimeout),
		)
	default:
		out.Error = err.Error()
		s.logger.Error("prediction task failed",
			zap.Int("cycle", cycle),
			zap.String("task_id", ar.ID),
			zap.String("code", string(apperr.CodeOf(err))),
			zap.Error(err),
		)
	}
	return out, nil
}

// Stats counts the windows, analyses and notifications of one consumer.
func (s *Simulator) Stats(ctx context.Context, consumerID int64) (model.ConsumerStats, error) {
	all, err := s.store.Stats(ctx)
	if err != nil {
		return model.ConsumerStats{}, err
	}
	for _, st := range all {
		if st.ConsumerID == consumerID {
			return st, nil
		}
	}
	return model.ConsumerStats{ConsumerID: consumerID}, nil
}

func (s *Simulator) logStats(ctx context.Context, consumer model.Consumer) {
	st, err := s.Stats(ctx, consumer.ID)
	if err != nil {
		s.logger.Warn("stats query failed", zap.Error(err))
		return
	}
	s.logger.Info("simulation stats",
		zap.Int64("consumer_id", consumer.ID),
		zap.Int("windows", st.Windows),
		zap.Int("analyses", st.Analyses),
		zap.Int("notifications", st.Notifications),
	)
}

// GenerateReadings spreads n readings evenly over win. Heart rate is uniform
// in [65,95] bpm plus ±5 jitter, clamped to the sensor range.
func GenerateReadings(rng *rand.Rand, win model.Window, n int) []model.Reading {
	if n <= 0 {
		return nil
	}
	step := win.Duration() / time.Duration(n)
	uniform := func(lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }
	out := make([]model.Reading, 0, n)
	for i := 0; i < n; i++ {
		hr := uniform(65, 95) + uniform(-5, 5)
		out = append(out, model.Reading{
			WindowID:  win.ID,
			HeartRate: normalize.ClampHeartRate(hr),
			AccelX:    uniform(-1.5, 1.5),
			AccelY:    uniform(-1.5, 1.5),
			AccelZ:    uniform(-1.5, 1.5),
			GyroX:     uniform(-0.8, 0.8),
			GyroY:     uniform(-0.8, 0.8),
			GyroZ:     uniform(-0.8, 0.8),
			CreatedAt: win.WindowStart.Add(time.Duration(i) * step),
		})
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
