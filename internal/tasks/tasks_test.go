package tasks

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/engine"
	"cravewatch/internal/features"
	"cravewatch/internal/model"
	"cravewatch/internal/queue"
)

type fakePipeline struct {
	userID  int64
	vec     *features.Vector
	err     error
	now     time.Time
	deleted int64
}

func (f *fakePipeline) Predict(_ context.Context, userID int64, vec *features.Vector) (model.PredictResult, error) {
	f.userID, f.vec = userID, vec
	if f.err != nil {
		return model.PredictResult{Error: f.err.Error()}, f.err
	}
	return model.PredictResult{Success: true, Probability: 0.8, RiskLevel: model.RiskHigh, AnalysisID: 7, NotificationSent: true}, nil
}

func (f *fakePipeline) AggregateAndPredict(_ context.Context, now time.Time) (engine.RunSummary, error) {
	f.now = now
	return engine.RunSummary{Considered: 2, Predicted: 2}, nil
}

func (f *fakePipeline) CleanupEmptyWindows(_ context.Context, now time.Time) (int64, error) {
	f.now = now
	return f.deleted, nil
}

func TestRegisterInstallsAllTasks(t *testing.T) {
	w := queue.NewWorker(queue.NewMemoryBroker(1, time.Millisecond, time.Hour), config.WorkerConfig{}, zap.NewNop())
	NewRegistry(&fakePipeline{}, nil).Register(w)
	names := w.Names()
	sort.Strings(names)
	assert.Equal(t, []string{config.TaskCleanupWindows, config.TaskDebug, config.TaskPeriodicWindows, config.TaskPredict}, names)
}

func TestPredictWithoutFeatures(t *testing.T) {
	p := &fakePipeline{}
	out, err := NewRegistry(p, nil).Predict(context.Background(), json.RawMessage(`{"user_id":42,"features":null}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.userID)
	assert.Nil(t, p.vec)
	res := out.(model.PredictResult)
	assert.True(t, res.Success)
	assert.Equal(t, int64(7), res.AnalysisID)
}

func TestPredictWithFeatureMap(t *testing.T) {
	p := &fakePipeline{}
	values := features.Vector{}.Map()
	values["hr_mean"] = 99
	payload, err := json.Marshal(PredictPayload{UserID: 1, Features: values})
	require.NoError(t, err)

	_, err = NewRegistry(p, nil).Predict(context.Background(), payload)
	require.NoError(t, err)
	require.NotNil(t, p.vec)
	assert.Equal(t, 99.0, p.vec[features.HRMean])
}

func TestPredictRejectsUnknownFeature(t *testing.T) {
	p := &fakePipeline{}
	_, err := NewRegistry(p, nil).Predict(context.Background(), json.RawMessage(`{"user_id":1,"features":{"skin_temp":31}}`))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeFeatureMismatch, apperr.CodeOf(err))
	assert.Zero(t, p.userID)
}

func TestPredictPassesPipelineError(t *testing.T) {
	p := &fakePipeline{err: apperr.New(apperr.CodeNotFound, "consumer for user 5 not found")}
	_, err := NewRegistry(p, nil).Predict(context.Background(), json.RawMessage(`{"user_id":5}`))
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	_, err = NewRegistry(p, nil).Predict(context.Background(), json.RawMessage(`not json`))
	assert.Equal(t, apperr.CodeInvalidInput, apperr.CodeOf(err))
}

func TestPeriodicAndCleanupUseClock(t *testing.T) {
	p := &fakePipeline{deleted: 3}
	r := NewRegistry(p, nil)
	fixed := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	out, err := r.PeriodicWindows(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out.(engine.RunSummary).Predicted)
	assert.Equal(t, fixed, p.now)

	out, err = r.CleanupWindows(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Deleted: 3}, out)
}

func TestPredictThroughWorker(t *testing.T) {
	broker := queue.NewMemoryBroker(4, 10*time.Millisecond, time.Hour)
	w := queue.NewWorker(broker, config.WorkerConfig{Concurrency: 1, PrefetchMultiplier: 1, TimeLimit: time.Second}, nil)
	NewRegistry(&fakePipeline{}, nil).Register(w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	ar, err := queue.NewClient(broker, 10*time.Millisecond).Delay(ctx, config.TaskPredict, PredictPayload{UserID: 3})
	require.NoError(t, err)
	var res model.PredictResult
	_, err = ar.Get(ctx, 2*time.Second, &res)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, model.RiskHigh, res.RiskLevel)
}
