package simulator

import (
	"context"
	"encoding/json"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/model"
	"cravewatch/internal/queue"
	"cravewatch/internal/storage"
	"cravewatch/internal/tasks"
)

func newStore(t *testing.T) (storage.Store, model.Consumer) {
	t.Helper()
	st, err := storage.NewSQLite(storage.SQLiteDSN(filepath.Join(t.TempDir(), "sim.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(context.Background()))
	c, err := st.CreateConsumer(context.Background(), model.Consumer{UserID: 77, Name: "sim"})
	require.NoError(t, err)
	return st, c
}

func simConfig(consumerID int64) config.SimulatorConfig {
	cfg := config.DefaultConfig().Simulator
	cfg.ConsumerID = consumerID
	cfg.Interval = 0
	cfg.ResultTimeout = 2 * time.Second
	cfg.Seed = 7
	return cfg
}

func TestGenerateReadingsRanges(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	win := model.Window{ID: 3, WindowStart: start, WindowEnd: start.Add(time.Minute)}
	readings := GenerateReadings(rand.New(rand.NewSource(1)), win, 60)
	require.Len(t, readings, 60)
	for i, r := range readings {
		assert.Equal(t, int64(3), r.WindowID)
		assert.True(t, r.HeartRate >= 60 && r.HeartRate <= 100, "hr %v", r.HeartRate)
		for _, v := range []float64{r.AccelX, r.AccelY, r.AccelZ} {
			assert.LessOrEqual(t, v, 1.5)
			assert.GreaterOrEqual(t, v, -1.5)
		}
		for _, v := range []float64{r.GyroX, r.GyroY, r.GyroZ} {
			assert.LessOrEqual(t, v, 0.8)
			assert.GreaterOrEqual(t, v, -0.8)
		}
		assert.Equal(t, start.Add(time.Duration(i)*time.Second), r.CreatedAt)
	}
}

func TestMissingConsumerIsConfigurationError(t *testing.T) {
	st, _ := newStore(t)
	sim := New(simConfig(999), st, queue.NewClient(queue.NewMemoryBroker(1, time.Millisecond, time.Hour), 0), zap.NewNop())
	err := sim.Run(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConfiguration, apperr.CodeOf(err))
}

func TestCycleDispatchesPrediction(t *testing.T) {
	st, consumer := newStore(t)
	broker := queue.NewMemoryBroker(8, 10*time.Millisecond, time.Hour)
	w := queue.NewWorker(broker, config.WorkerConfig{Concurrency: 1, PrefetchMultiplier: 1, TimeLimit: time.Second}, nil)
	var gotUser int64
	w.Register(config.TaskPredict, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p tasks.PredictPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		gotUser = p.UserID
		return model.PredictResult{Success: true, Probability: 0.2, RiskLevel: model.RiskLow}, nil
	})
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

	sim := New(simConfig(consumer.ID), st, queue.NewClient(broker, 10*time.Millisecond), nil)
	res, err := sim.Cycle(ctx, consumer, 1)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	require.NotNil(t, res.Result)
	assert.Equal(t, model.RiskLow, res.Result.RiskLevel)
	assert.Equal(t, int64(77), gotUser)

	readings, err := st.ReadingsForWindow(ctx, res.WindowID)
	require.NoError(t, err)
	assert.Len(t, readings, 60)
	win, err := st.GetWindow(ctx, res.WindowID)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, win.Duration())
}

func TestCycleTimeoutIsNotFatal(t *testing.T) {
	st, consumer := newStore(t)
	cfg := simConfig(consumer.ID)
	cfg.ResultTimeout = 50 * time.Millisecond
	broker := queue.NewMemoryBroker(8, 10*time.Millisecond, time.Hour)
	sim := New(cfg, st, queue.NewClient(broker, 10*time.Millisecond), nil)

	res, err := sim.Cycle(context.Background(), consumer, 1)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.NotEmpty(t, res.TaskID)
	assert.Equal(t, 1, broker.Pending())
}

func TestRunStopsAfterMaxCycles(t *testing.T) {
	st, consumer := newStore(t)
	cfg := simConfig(consumer.ID)
	cfg.ResultTimeout = 10 * time.Millisecond
	cfg.StatsEvery = 1
	sim := New(cfg, st, queue.NewClient(queue.NewMemoryBroker(8, time.Millisecond, time.Hour), time.Millisecond), nil)
	clock := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	sim.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	require.NoError(t, sim.Run(context.Background(), 3))
	totals, err := st.Totals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, totals.Windows)
	assert.Equal(t, 180, totals.Readings)
}

func TestStatsCoverSimulatedConsumerOnly(t *testing.T) {
	st, consumer := newStore(t)
	ctx := context.Background()
	other, err := st.CreateConsumer(ctx, model.Consumer{UserID: 78, Name: "other"})
	require.NoError(t, err)
	_, err = st.CreateWindow(ctx, model.Window{ConsumerID: other.ID,
		WindowStart: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), WindowEnd: time.Date(2024, 1, 1, 9, 1, 0, 0, time.UTC)})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	cfg := simConfig(consumer.ID)
	cfg.ResultTimeout = 10 * time.Millisecond
	cfg.StatsEvery = 2
	sim := New(cfg, st, queue.NewClient(queue.NewMemoryBroker(8, time.Millisecond, time.Hour), time.Millisecond), zap.New(core))
	clock := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	sim.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	require.NoError(t, sim.Run(ctx, 2))

	stats, err := sim.Stats(ctx, consumer.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Windows)

	entries := logs.FilterMessage("simulation stats").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, consumer.ID, fields["consumer_id"])
	assert.EqualValues(t, 2, fields["windows"])

	none, err := sim.Stats(ctx, 9999)
	require.NoError(t, err)
	assert.Equal(t, model.ConsumerStats{ConsumerID: 9999}, none)
}
