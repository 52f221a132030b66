package training

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/features"
	"cravewatch/internal/model"
	"cravewatch/internal/predictor"
	"cravewatch/internal/storage"
)

func newStore(t *testing.T) (storage.Store, model.Consumer) {
	t.Helper()
	st, err := storage.NewSQLite(storage.SQLiteDSN(filepath.Join(t.TempDir(), "train.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(context.Background()))
	c, err := st.CreateConsumer(context.Background(), model.Consumer{UserID: 1, Name: "trainee"})
	require.NoError(t, err)
	return st, c
}

func TestEvaluateZeroDivision(t *testing.T) {
	s := Evaluate([]int{0, 0, 1}, []int{0, 0, 0})
	assert.InDelta(t, 2.0/3.0, s.Accuracy, 1e-12)
	assert.Zero(t, s.Precision)
	assert.Zero(t, s.Recall)
	assert.Zero(t, s.F1)

	s = Evaluate([]int{1, 0, 1, 1}, []int{1, 1, 0, 1})
	assert.InDelta(t, 2.0/3.0, s.Precision, 1e-12)
	assert.InDelta(t, 2.0/3.0, s.Recall, 1e-12)
	assert.InDelta(t, 2.0/3.0, s.F1, 1e-12)
}

func TestROCAUC(t *testing.T) {
	auc, ok := ROCAUC([]int{0, 0, 1, 1}, []float64{0.1, 0.2, 0.8, 0.9})
	require.True(t, ok)
	assert.InDelta(t, 1.0, auc, 1e-12)

	auc, ok = ROCAUC([]int{0, 0, 1, 1}, []float64{0.1, 0.4, 0.35, 0.8})
	require.True(t, ok)
	assert.InDelta(t, 0.75, auc, 1e-12)

	_, ok = ROCAUC([]int{1, 1}, []float64{0.3, 0.9})
	assert.False(t, ok)
}

func TestFitScalerConstantColumn(t *testing.T) {
	mean, scale := FitScaler([][]float64{{1, 5}, {3, 5}})
	assert.Equal(t, []float64{2, 5}, mean)
	assert.Equal(t, []float64{1, 1}, scale)

	mean, scale = FitScaler([][]float64{{0}, {4}})
	assert.Equal(t, 2.0, mean[0])
	assert.Equal(t, 2.0, scale[0])
	assert.Equal(t, [][]float64{{-1}, {1}}, Transform([][]float64{{0}, {4}}, mean, scale))
}

func TestFitLogisticLearnsDirection(t *testing.T) {
	X := [][]float64{{-2}, {-1}, {-0.5}, {0.5}, {1}, {2}}
	y := []int{0, 0, 1, 0, 1, 1}
	m, err := FitLogistic(X, y, 0.1, 1000, "balanced")
	require.NoError(t, err)
	assert.Greater(t, m.Coef[0], 0.0)
	assert.Equal(t, 0, m.Predict([]float64{-2}))
	assert.Equal(t, 1, m.Predict([]float64{2}))

	_, err = FitLogistic(X, []int{1, 1, 1, 1, 1, 1}, 0.1, 100, "balanced")
	assert.Equal(t, apperr.CodeInvalidInput, apperr.CodeOf(err))
}

func TestSplitStratifies(t *testing.T) {
	ds := Dataset{}
	for i := 0; i < 20; i++ {
		label := 0
		if i < 5 {
			label = 1
		}
		ds.X = append(ds.X, []float64{float64(i)})
		ds.Y = append(ds.Y, label)
		ds.WindowIDs = append(ds.WindowIDs, int64(i))
	}
	train, test, stratified, err := Split(ds, 0.2, 42)
	require.NoError(t, err)
	assert.True(t, stratified)
	assert.Equal(t, 20, train.Len()+test.Len())
	_, pos := test.ClassCounts()
	assert.Equal(t, 1, pos)
	assert.Equal(t, 3, test.Len()-pos)

	again, _, _, err := Split(ds, 0.2, 42)
	require.NoError(t, err)
	assert.Equal(t, train.WindowIDs, again.WindowIDs)

	ds.Y[1], ds.Y[2], ds.Y[3], ds.Y[4] = 0, 0, 0, 0
	_, _, stratified, err = Split(ds, 0.2, 42)
	require.NoError(t, err)
	assert.False(t, stratified)
}

func TestBuildDatasetRequiresLabels(t *testing.T) {
	st, _ := newStore(t)
	_, err := BuildDataset(context.Background(), st)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidInput, apperr.CodeOf(err))
}

func TestSeedAndTrain(t *testing.T) {
	st, consumer := newStore(t)
	ctx := context.Background()
	seeded, err := SeedSampleData(ctx, st, consumer.ID, time.Now(), 42)
	require.NoError(t, err)
	assert.Equal(t, SampleWindows, seeded.Windows)
	assert.Equal(t, SampleWindows*SampleReadings, seeded.Readings)

	cfg := config.DefaultConfig().Training
	cfg.OutputDir = filepath.Join(t.TempDir(), "models")
	trainer := NewTrainer(st, cfg, zap.NewNop())
	trainer.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	rep, err := trainer.Train(ctx)
	require.NoError(t, err)
	assert.Equal(t, SampleWindows, rep.Samples)
	assert.Equal(t, filepath.Join(cfg.OutputDir, "smoking_craving_model_20260304_050607.json"), rep.Path)

	_, err = os.Stat(rep.Path)
	require.NoError(t, err)
	art, err := predictor.ReadArtifact(rep.LatestPath)
	require.NoError(t, err)
	assert.Equal(t, features.Names[:], art.FeatureNames)
	assert.Equal(t, 0.1, art.Params.C)
	assert.Equal(t, rep.Artifact.Metrics.TestSamples+rep.Artifact.Metrics.TrainSamples, SampleWindows)
	assert.GreaterOrEqual(t, art.Metrics.Accuracy, 0.7)
	if rep.Stratified {
		require.NotNil(t, art.Metrics.ROCAUC)
	}
}
