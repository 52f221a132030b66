// Package predictor scores feature vectors with a trained logistic-regression
// artifact.
package predictor

import (
	"math"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/features"
	"cravewatch/internal/logging"
	"cravewatch/internal/model"
)

// Model is a loaded artifact ready for scoring.
type Model struct {
	ID       string
	Artifact *Artifact
	weights  []float64
	mean     []float64
	scale    []float64
}

func NewModel(id string, art *Artifact) (*Model, error) {
	if err := art.Check(); err != nil {
		return nil, err
	}
	scale := make([]float64, len(art.Scaler.Scale))
	for i, s := range art.Scaler.Scale {
		if s == 0 {
			s = 1
		}
		scale[i] = s
	}
	return &Model{
		ID:       id,
		Artifact: art,
		weights:  append([]float64(nil), art.Model.Coefficients...),
		mean:     append([]float64(nil), art.Scaler.Mean...),
		scale:    scale,
	}, nil
}

// Score returns the craving probability for vec.
func (m *Model) Score(vec features.Vector) float64 {
	scaled := make([]float64, features.Size)
	for i := range scaled {
		scaled[i] = (vec[i] - m.mean[i]) / m.scale[i]
	}
	return Sigmoid(m.Artifact.Model.Intercept + floats.Dot(m.weights, scaled))
}

func Sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// Predictor loads the artifact lazily and reloads it when the file changes.
type Predictor struct {
	mu      sync.Mutex
	path    string
	model   *Model
	modTime time.Time
	size    int64
	logger  *zap.Logger
}

func New(path string, logger *zap.Logger) *Predictor {
	return &Predictor{path: path, logger: logging.OrNop(logger)}
}

func (p *Predictor) Path() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path
}

// SetPath points the predictor at another artifact; the next Load reads it.
func (p *Predictor) SetPath(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if path != p.path {
		p.path = path
		p.model = nil
		p.modTime = time.Time{}
	}
}

// Load returns the cached model, reading the artifact again when its
// modification time moved.
func (p *Predictor) Load() (*Model, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.path == "" {
		return nil, apperr.New(apperr.CodeModelLoad, "model path is not configured")
	}
	info, err := os.Stat(p.path)
	if err != nil {
		return nil, apperr.Wrapf(apperr.WithCode(apperr.CodeModelLoad, err), "stat model %s", p.path)
	}
	if p.model != nil && info.ModTime().Equal(p.modTime) && info.Size() == p.size {
		return p.model, nil
	}
	art, err := ReadArtifact(p.path)
	if err != nil {
		return nil, err
	}
	m, err := NewModel(ModelID(p.path, art), art)
	if err != nil {
		return nil, err
	}
	p.model = m
	p.modTime = info.ModTime()
	p.size = info.Size()
	p.logger.Info("model loaded",
		zap.String("path", p.path),
		zap.String("model_id", m.ID),
		zap.Time("training_date", art.TrainingDate),
		zap.Float64("accuracy", art.Metrics.Accuracy),
	)
	return m, nil
}

// Score loads the model if needed and scores vec.
func (p *Predictor) Score(vec features.Vector) (float64, *Model, error) {
	m, err := p.Load()
	if err != nil {
		return 0, nil, err
	}
	return m.Score(vec), m, nil
}

// Thresholds maps probabilities to risk levels and urge labels.
type Thresholds struct {
	Medium   float64 `json:"medium_threshold"`
	High     float64 `json:"high_threshold"`
	Critical float64 `json:"critical_threshold"`
	Urge     float64 `json:"urge_threshold"`
}

func DefaultThresholds() Thresholds {
	return ThresholdsFrom(config.DefaultConfig().Prediction)
}

func ThresholdsFrom(cfg config.PredictionConfig) Thresholds {
	return Thresholds{
		Medium:   cfg.MediumThreshold,
		High:     cfg.HighThreshold,
		Critical: cfg.CriticalThreshold,
		Urge:     cfg.UrgeThreshold,
	}
}

func (t Thresholds) Level(p float64) model.RiskLevel {
	switch {
	case p > t.High:
		return model.RiskHigh
	case p > t.Medium:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

func (t Thresholds) UrgeLabel(p float64) int {
	if p >= t.Urge {
		return 1
	}
	return 0
}

func (t Thresholds) Severity(p float64) model.Severity {
	if p > t.Critical {
		return model.SeverityCritical
	}
	return model.SeverityHigh
}
