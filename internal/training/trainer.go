// Package training fits the craving model offline from labelled windows and
// writes the artifact the predictor loads.
package training

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/features"
	"cravewatch/internal/logging"
	"cravewatch/internal/predictor"
	"cravewatch/internal/storage"
)

const (
	artifactPrefix = "smoking_craving_model"
	LatestArtifact = artifactPrefix + ".json"
)

// Report summarises one training run.
type Report struct {
	Artifact     *predictor.Artifact `json:"artifact"`
	Path         string              `json:"path"`
	LatestPath   string              `json:"latest_path"`
	Samples      int                 `json:"samples"`
	Positives    int                 `json:"positives"`
	Stratified   bool                `json:"stratified"`
	Overfitting  bool                `json:"overfitting"`
	AccuracyGap  float64             `json:"accuracy_gap"`
	TrainingTime time.Duration       `json:"training_time"`
}

type Trainer struct {
	store  storage.Store
	cfg    config.TrainingConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewTrainer(store storage.Store, cfg config.TrainingConfig, logger *zap.Logger) *Trainer {
	return &Trainer{store: store, cfg: cfg, logger: logging.OrNop(logger), now: time.Now}
}

// Train builds the dataset, fits scaler and model, evaluates on the held-out
// split and writes a timestamped artifact plus the latest copy.
func (t *Trainer) Train(ctx context.Context) (Report, error) {
	started := t.now()
	var rep Report
	ds, err := BuildDataset(ctx, t.store)
	if err != nil {
		return rep, err
	}
	neg, pos := ds.ClassCounts()
	rep.Samples, rep.Positives = ds.Len(), pos
	t.logger.Info("training dataset loaded",
		zap.Int("samples", ds.Len()),
		zap.Int("negatives", neg),
		zap.Int("positives", pos),
	)

	train, test, stratified, err := Split(ds, t.cfg.TestSize, t.cfg.Seed)
	if err != nil {
		return rep, err
	}
	rep.Stratified = stratified
	if !stratified {
		t.logger.Warn("stratified split disabled, a class has fewer than 2 samples")
	}

	mean, scale := FitScaler(train.X)
	trainX := Transform(train.X, mean, scale)
	testX := Transform(test.X, mean, scale)

	m, err := FitLogistic(trainX, train.Y, t.cfg.C, t.cfg.MaxIter, t.cfg.ClassWeight)
	if err != nil {
		return rep, err
	}

	trainScores := Evaluate(train.Y, predictAll(m, trainX))
	testPred := predictAll(m, testX)
	testScores := Evaluate(test.Y, testPred)
	metrics := predictor.Metrics{
		Accuracy:      testScores.Accuracy,
		Precision:     testScores.Precision,
		Recall:        testScores.Recall,
		F1Score:       testScores.F1,
		TrainAccuracy: trainScores.Accuracy,
		TrainSamples:  train.Len(),
		TestSamples:   test.Len(),
	}
	proba := make([]float64, len(testX))
	for i, row := range testX {
		proba[i] = m.Proba(row)
	}
	if auc, ok := ROCAUC(test.Y, proba); ok {
		metrics.ROCAUC = &auc
	}

	rep.AccuracyGap = trainScores.Accuracy - testScores.Accuracy
	if rep.AccuracyGap > t.cfg.OverfitGap {
		rep.Overfitting = true
		t.logger.Warn("possible overfitting",
			zap.Float64("train_accuracy", trainScores.Accuracy),
			zap.Float64("test_accuracy", testScores.Accuracy),
		)
	}

	trainedAt := t.now().UTC()
	art := &predictor.Artifact{
		Version:      predictor.ArtifactVersion,
		Model:        predictor.Linear{Coefficients: m.Coef, Intercept: m.Intercept},
		Scaler:       predictor.Scaler{Mean: mean, Scale: scale},
		FeatureNames: append([]string(nil), features.Names[:]...),
		TrainingDate: trainedAt.Truncate(time.Second),
		Metrics:      metrics,
		Params:       predictor.Params{C: t.cfg.C, MaxIter: t.cfg.MaxIter, ClassWeight: t.cfg.ClassWeight},
	}
	if err := art.Check(); err != nil {
		return rep, apperr.Wrap(err, "trained artifact failed validation")
	}

	rep.Path = filepath.Join(t.cfg.OutputDir, artifactPrefix+"_"+trainedAt.Format("20060102_150405")+".json")
	rep.LatestPath = filepath.Join(t.cfg.OutputDir, LatestArtifact)
	if err := predictor.WriteArtifact(rep.Path, art); err != nil {
		return rep, err
	}
	if err := predictor.WriteArtifact(rep.LatestPath, art); err != nil {
		return rep, err
	}
	rep.Artifact = art
	rep.TrainingTime = t.now().Sub(started)

	fields := []zap.Field{
		zap.String("path", rep.Path),
		zap.Float64("accuracy", metrics.Accuracy),
		zap.Float64("precision", metrics.Precision),
		zap.Float64("recall", metrics.Recall),
		zap.Float64("f1_score", metrics.F1Score),
		zap.Float64("train_accuracy", metrics.TrainAccuracy),
	}
	if metrics.ROCAUC != nil {
		fields = append(fields, zap.Float64("roc_auc", *metrics.ROCAUC))
	}
	t.logger.Info("model trained", fields...)
	return rep, nil
}

func predictAll(m Logistic, X [][]float64) []int {
	out := make([]int, len(X))
	for i, row := range X {
		out[i] = m.Predict(row)
	}
	return out
}
