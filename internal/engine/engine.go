package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/features"
	"cravewatch/internal/logging"
	"cravewatch/internal/metrics"
	"cravewatch/internal/model"
	"cravewatch/internal/normalize"
	"cravewatch/internal/notify"
	"cravewatch/internal/predictor"
	"cravewatch/internal/storage"
)

// Engine assigns live readings to windows and turns windows into analyses.
type Engine struct {
	logger    *zap.Logger
	store     storage.Store
	predictor *predictor.Predictor
	notifier  *notify.Notifier
	metrics   *metrics.Store
	cfg       atomic.Value
	mu        sync.Mutex
	consumers map[int64]*ConsumerState
	started   time.Time
	deDupe    *DedupeCache
}

// ConsumerState caches the consumer row and the window currently receiving
// its readings.
type ConsumerState struct {
	consumer model.Consumer
	current  model.Window
}

// RunSummary reports one periodic aggregation pass.
type RunSummary struct {
	Considered int `json:"considered"`
	Predicted  int `json:"predicted"`
	Notified   int `json:"notified"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Renotified int `json:"renotified"`
}

func NewEngine(cfg *config.Config, logger *zap.Logger, store storage.Store, pred *predictor.Predictor, notifier *notify.Notifier, metricsStore *metrics.Store) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{
		logger:    logging.OrNop(logger),
		store:     store,
		predictor: pred,
		notifier:  notifier,
		metrics:   metricsStore,
		consumers: make(map[int64]*ConsumerState),
		started:   time.Now().UTC(),
		deDupe:    NewDedupeCache(),
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	if e.predictor != nil {
		e.predictor.SetPath(cfg.Model.Path)
	}
	if e.notifier != nil {
		e.notifier.UpdateConfig(cfg)
	}
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Thresholds() predictor.Thresholds {
	return predictor.ThresholdsFrom(e.config().Prediction)
}

func (e *Engine) Started() time.Time {
	return e.started
}

// Start drains in until ctx is done, ingesting every event.
func (e *Engine) Start(ctx context.Context, in <-chan model.ReadingEvent) {
	go func() {
		for {
			select {
			case ev := <-in:
				if _, err := e.Ingest(ctx, ev); err != nil {
					e.logger.Warn("reading rejected",
						zap.Int64("consumer_id", ev.ConsumerID),
						zap.String("source", ev.Source),
						zap.Error(err),
					)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Ingest stores one live reading in the consumer's current window. It
// returns false for duplicates.
func (e *Engine) Ingest(ctx context.Context, ev model.ReadingEvent) (bool, error) {
	cfg := e.config()
	now := time.Now().UTC()
	ev.Timestamp = clampTimestamp(ev.Timestamp, now, cfg.Ingest.MaxClockSkew, cfg.Ingest.MaxFutureSkew)
	if err := normalize.Sanitize(&ev); err != nil {
		return false, err
	}
	if e.isDuplicate(ev, cfg.Ingest.DedupeWindow) {
		return false, nil
	}
	win, err := e.windowFor(ctx, ev.ConsumerID, ev.Timestamp, cfg.Aggregation.Window)
	if err != nil {
		return false, err
	}
	if err := e.store.InsertReadings(ctx, []model.Reading{ev.Reading(win.ID)}); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) windowFor(ctx context.Context, consumerID int64, ts time.Time, size time.Duration) (model.Window, error) {
	state, err := e.consumerState(ctx, consumerID)
	if err != nil {
		return model.Window{}, err
	}
	start, end := AlignWindow(ts, size)

	e.mu.Lock()
	cur := state.current
	e.mu.Unlock()
	if cur.ID != 0 && cur.WindowStart.Equal(start) && cur.Duration() == size {
		return cur, nil
	}

	win, err := e.store.GetOrCreateWindow(ctx, consumerID, start, end)
	if err != nil {
		return model.Window{}, err
	}
	e.mu.Lock()
	if !win.WindowStart.Before(state.current.WindowStart) {
		state.current = win
	}
	e.mu.Unlock()
	return win, nil
}

func (e *Engine) consumerState(ctx context.Context, consumerID int64) (*ConsumerState, error) {
	e.mu.Lock()
	state, ok := e.consumers[consumerID]
	e.mu.Unlock()
	if ok {
		return state, nil
	}
	consumer, err := e.store.GetConsumer(ctx, consumerID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.consumers[consumerID]; ok {
		return existing, nil
	}
	state = &ConsumerState{consumer: consumer}
	e.consumers[consumerID] = state
	return state, nil
}

// Predict scores the latest window of the user's consumer that has no
// analysis yet. A nil vector means the features are computed from the
// window's readings.
func (e *Engine) Predict(ctx context.Context, userID int64, vec *features.Vector) (model.PredictResult, error) {
	consumer, err := e.store.GetConsumerByUserID(ctx, userID)
	if err != nil {
		return failed(err), err
	}
	win, err := e.store.LatestPendingWindow(ctx, consumer.ID)
	if err != nil {
		return failed(err), err
	}
	return e.score(ctx, consumer, win, vec)
}

// PredictWindow runs the pipeline for an explicit window.
func (e *Engine) PredictWindow(ctx context.Context, win model.Window) (model.PredictResult, error) {
	consumer, err := e.store.GetConsumer(ctx, win.ConsumerID)
	if err != nil {
		return failed(err), err
	}
	return e.score(ctx, consumer, win, nil)
}

func (e *Engine) score(ctx context.Context, consumer model.Consumer, win model.Window, vec *features.Vector) (model.PredictResult, error) {
	m, err := e.predictor.Load()
	if err != nil {
		return failed(err), err
	}
	readingCount := 0
	if vec == nil {
		readings, err := e.store.ReadingsForWindow(ctx, win.ID)
		if err != nil {
			return failed(err), err
		}
		extracted := features.Extract(readings)
		vec = &extracted
		readingCount = len(readings)
	}

	th := e.Thresholds()
	prob := m.Score(*vec)
	level := th.Level(prob)
	analysis, err := e.store.CreateAnalysis(ctx, model.Analysis{
		WindowID:    win.ID,
		Probability: prob,
		UrgeLabel:   th.UrgeLabel(prob),
		ModelID:     m.ID,
	})
	if err != nil {
		return failed(err), err
	}

	sent := false
	if e.notifier != nil {
		sent, err = e.notifier.Notify(ctx, consumer, analysis, level)
		if err != nil {
			e.logger.Error("notification failed",
				zap.Int64("analysis_id", analysis.ID),
				zap.Error(err),
			)
			res := failed(err)
			res.Probability, res.RiskLevel, res.AnalysisID, res.WindowID = prob, level, analysis.ID, win.ID
			return res, err
		}
	}

	if e.metrics != nil {
		e.metrics.Update(model.Snapshot{
			ConsumerID:       consumer.ID,
			UserID:           consumer.UserID,
			WindowID:         win.ID,
			WindowStart:      win.WindowStart,
			WindowEnd:        win.WindowEnd,
			Readings:         readingCount,
			Features:         vec.Map(),
			Probability:      prob,
			RiskLevel:        level,
			AnalysisID:       analysis.ID,
			ModelID:          m.ID,
			NotificationSent: sent,
		})
	}
	e.logger.Info("window scored",
		zap.Int64("consumer_id", consumer.ID),
		zap.Int64("window_id", win.ID),
		zap.Int64("analysis_id", analysis.ID),
		zap.Float64("probability", prob),
		zap.String("risk_level", string(level)),
		zap.Bool("notification_sent", sent),
	)
	return model.PredictResult{
		Success:          true,
		Probability:      prob,
		RiskLevel:        level,
		AnalysisID:       analysis.ID,
		WindowID:         win.ID,
		NotificationSent: sent,
	}, nil
}

func failed(err error) model.PredictResult {
	return model.PredictResult{Success: false, Error: err.Error()}
}

// AggregateAndPredict scores every closed window that has readings and no
// analysis. Model problems stop the run; other per-window errors are counted.
func (e *Engine) AggregateAndPredict(ctx context.Context, now time.Time) (RunSummary, error) {
	cfg := e.config()
	var sum RunSummary
	pending, err := e.store.PendingWindows(ctx, now, cfg.Aggregation.MaxWindowsPerRun)
	if err != nil {
		return sum, err
	}
	sum.Considered = len(pending)
	for _, win := range pending {
		if err := ctx.Err(); err != nil {
			return sum, apperr.Wrap(apperr.WithCode(apperr.CodeTimeout, err), "aggregation interrupted")
		}
		res, err := e.PredictWindow(ctx, win)
		switch {
		case err == nil:
			sum.Predicted++
			if res.NotificationSent {
				sum.Notified++
			}
		case apperr.Is(err, apperr.CodeModelLoad), apperr.Is(err, apperr.CodeFeatureMismatch):
			sum.Failed++
			return sum, err
		case apperr.Is(err, apperr.CodeConflict):
			sum.Skipped++
		default:
			sum.Failed++
			e.logger.Error("window prediction failed",
				zap.Int64("window_id", win.ID),
				zap.Error(err),
			)
		}
	}
	e.renotify(ctx, cfg.Aggregation.MaxWindowsPerRun, &sum)
	e.logger.Info("periodic window calculation finished",
		zap.Int("considered", sum.Considered),
		zap.Int("predicted", sum.Predicted),
		zap.Int("notified", sum.Notified),
		zap.Int("renotified", sum.Renotified),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
	)
	return sum, nil
}

// renotify retries the notification for high-risk analyses whose earlier
// notification write failed.
func (e *Engine) renotify(ctx context.Context, limit int, sum *RunSummary) {
	if e.notifier == nil {
		return
	}
	th := e.Thresholds()
	missed, err := e.store.UnnotifiedAnalyses(ctx, th.High, limit)
	if err != nil {
		e.logger.Error("list unnotified analyses failed", zap.Error(err))
		return
	}
	for _, a := range missed {
		if ctx.Err() != nil {
			return
		}
		state, err := e.consumerState(ctx, a.ConsumerID)
		if err != nil {
			sum.Failed++
			e.logger.Error("renotify consumer lookup failed", zap.Int64("analysis_id", a.ID), zap.Error(err))
			continue
		}
		sent, err := e.notifier.Notify(ctx, state.consumer, a.Analysis, th.Level(a.Probability))
		if err != nil {
			sum.Failed++
			e.logger.Error("renotify failed", zap.Int64("analysis_id", a.ID), zap.Error(err))
			continue
		}
		if sent {
			sum.Renotified++
		}
	}
}

// CleanupEmptyWindows deletes windows without readings that ended more than
// the cleanup grace period before now.
func (e *Engine) CleanupEmptyWindows(ctx context.Context, now time.Time) (int64, error) {
	cfg := e.config()
	cutoff := now.Add(-cfg.Aggregation.CleanupGrace)
	n, err := e.store.DeleteEmptyWindows(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.mu.Lock()
		for _, st := range e.consumers {
			if st.current.WindowEnd.Before(cutoff) {
				st.current = model.Window{}
			}
		}
		e.mu.Unlock()
	}
	e.logger.Info("empty windows cleaned up", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

func (e *Engine) Reset() {
	e.mu.Lock()
	e.consumers = make(map[int64]*ConsumerState)
	e.deDupe = NewDedupeCache()
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.Clear()
	}
}

func (e *Engine) isDuplicate(ev model.ReadingEvent, dedupeWindow time.Duration) bool {
	if dedupeWindow <= 0 {
		return false
	}
	e.mu.Lock()
	cache := e.deDupe
	e.mu.Unlock()
	return cache.Seen(hashEvent(ev), time.Now().UTC(), dedupeWindow)
}

func hashEvent(ev model.ReadingEvent) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	parts := []string{
		strconv.FormatInt(ev.ConsumerID, 10),
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		f(ev.HeartRate),
		f(ev.AccelX), f(ev.AccelY), f(ev.AccelZ),
		f(ev.GyroX), f(ev.GyroY), f(ev.GyroZ),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxPast > 0 {
		if now.Sub(ts) > maxPast {
			return now
		}
	}
	if maxFuture > 0 {
		if ts.Sub(now) > maxFuture {
			return now
		}
	}
	return ts
}
