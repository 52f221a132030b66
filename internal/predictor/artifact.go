package predictor

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cravewatch/internal/apperr"
	"cravewatch/internal/features"
)

const ArtifactVersion = 1

// Artifact is the on-disk form of a trained model.
type Artifact struct {
	Version      int       `json:"version"`
	Model        Linear    `json:"model"`
	Scaler       Scaler    `json:"scaler"`
	FeatureNames []string  `json:"feature_names"`
	TrainingDate time.Time `json:"training_date"`
	Metrics      Metrics   `json:"metrics"`
	Params       Params    `json:"params"`
}

type Linear struct {
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
}

type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

type Metrics struct {
	Accuracy      float64  `json:"accuracy"`
	Precision     float64  `json:"precision"`
	Recall        float64  `json:"recall"`
	F1Score       float64  `json:"f1_score"`
	ROCAUC        *float64 `json:"roc_auc,omitempty"`
	TrainAccuracy float64  `json:"train_accuracy"`
	TrainSamples  int      `json:"train_samples"`
	TestSamples   int      `json:"test_samples"`
}

type Params struct {
	C           float64 `json:"C"`
	MaxIter     int     `json:"max_iter"`
	ClassWeight string  `json:"class_weight"`
}

// Check reports structural problems as MODEL_LOAD errors and a feature list
// that differs from the extractor as FEATURE_MISMATCH. A missing version is
// read as the current one.
func (a *Artifact) Check() error {
	if a.Version != 0 && a.Version != ArtifactVersion {
		return apperr.Newf(apperr.CodeModelLoad, "artifact version %d is not supported (want %d)", a.Version, ArtifactVersion)
	}
	n := len(a.FeatureNames)
	if n == 0 {
		return apperr.New(apperr.CodeModelLoad, "artifact has no feature_names")
	}
	if len(a.Model.Coefficients) != n {
		return apperr.Newf(apperr.CodeModelLoad, "artifact has %d coefficients for %d features", len(a.Model.Coefficients), n)
	}
	if len(a.Scaler.Mean) != n || len(a.Scaler.Scale) != n {
		return apperr.Newf(apperr.CodeModelLoad, "artifact scaler does not match %d features", n)
	}
	for _, group := range [][]float64{a.Model.Coefficients, a.Scaler.Mean, a.Scaler.Scale, {a.Model.Intercept}} {
		for _, v := range group {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return apperr.New(apperr.CodeModelLoad, "artifact contains non-finite parameters")
			}
		}
	}
	return features.CheckNames(a.FeatureNames)
}

// ReadArtifact decodes and checks the artifact at path.
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrapf(apperr.WithCode(apperr.CodeModelLoad, err), "read model %s", path)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, apperr.Wrapf(apperr.WithCode(apperr.CodeModelLoad, err), "decode model %s", path)
	}
	if err := art.Check(); err != nil {
		return nil, apperr.Wrapf(err, "model %s", path)
	}
	return &art, nil
}

// WriteArtifact writes art as indented JSON, replacing path atomically.
func WriteArtifact(path string, art *Artifact) error {
	if art.Version == 0 {
		art.Version = ArtifactVersion
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ModelID names the artifact on persisted analyses.
func ModelID(path string, art *Artifact) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if art.TrainingDate.IsZero() {
		return base
	}
	return base + "@" + art.TrainingDate.UTC().Format(time.RFC3339)
}
