// Package tasks binds the queue's task names to pipeline operations.
package tasks

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/engine"
	"cravewatch/internal/features"
	"cravewatch/internal/logging"
	"cravewatch/internal/model"
	"cravewatch/internal/queue"
)

// Pipeline is implemented by *engine.Engine.
type Pipeline interface {
	Predict(ctx context.Context, userID int64, vec *features.Vector) (model.PredictResult, error)
	AggregateAndPredict(ctx context.Context, now time.Time) (engine.RunSummary, error)
	CleanupEmptyWindows(ctx context.Context, now time.Time) (int64, error)
}

type Registrar interface {
	Register(name string, h queue.Handler)
}

// PredictPayload is the argument of predict_smoking_craving. A nil Features
// map means the features are computed from the window's readings.
type PredictPayload struct {
	UserID   int64              `json:"user_id"`
	Features map[string]float64 `json:"features"`
}

type CleanupResult struct {
	Deleted int64 `json:"deleted"`
}

type DebugResult struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// Registry holds the handlers for every known task.
type Registry struct {
	pipeline Pipeline
	logger   *zap.Logger
	now      func() time.Time
}

func NewRegistry(p Pipeline, logger *zap.Logger) *Registry {
	return &Registry{pipeline: p, logger: logging.OrNop(logger), now: time.Now}
}

// Register installs all handlers on w.
func (r *Registry) Register(w Registrar) {
	w.Register(config.TaskPredict, r.Predict)
	w.Register(config.TaskPeriodicWindows, r.PeriodicWindows)
	w.Register(config.TaskCleanupWindows, r.CleanupWindows)
	w.Register(config.TaskDebug, r.Debug)
}

func (r *Registry) Predict(ctx context.Context, payload json.RawMessage) (any, error) {
	var p PredictPayload
	if len(payload) == 0 {
		return nil, apperr.New(apperr.CodeInvalidInput, "predict task requires a payload")
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, apperr.Wrap(apperr.WithCode(apperr.CodeInvalidInput, err), "decode predict payload")
	}
	var vec *features.Vector
	if p.Features != nil {
		v, err := features.FromMap(p.Features)
		if err != nil {
			return nil, err
		}
		vec = &v
	}
	res, err := r.pipeline.Predict(ctx, p.UserID, vec)
	if err != nil {
		r.logger.Warn("prediction failed", zap.Int64("user_id", p.UserID), zap.Error(err))
		return nil, err
	}
	return res, nil
}

func (r *Registry) PeriodicWindows(ctx context.Context, _ json.RawMessage) (any, error) {
	return r.pipeline.AggregateAndPredict(ctx, r.now().UTC())
}

func (r *Registry) CleanupWindows(ctx context.Context, _ json.RawMessage) (any, error) {
	n, err := r.pipeline.CleanupEmptyWindows(ctx, r.now().UTC())
	if err != nil {
		return nil, err
	}
	return CleanupResult{Deleted: n}, nil
}

func (r *Registry) Debug(_ context.Context, payload json.RawMessage) (any, error) {
	r.logger.Info("debug task", zap.ByteString("payload", payload))
	return DebugResult{Status: "ok", Time: r.now().UTC()}, nil
}
