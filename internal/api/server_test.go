package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cravewatch/internal/alerts"
	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/metrics"
	"cravewatch/internal/model"
	"cravewatch/internal/queue"
	"cravewatch/internal/storage"
	"cravewatch/internal/tasks"
)

type fakeEngine struct {
	mu      sync.Mutex
	resets  int
	updated *config.Config
}

func (f *fakeEngine) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeEngine) UpdateConfig(cfg *config.Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = cfg
}

func (f *fakeEngine) Started() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	srv     http.Handler
	store   storage.Store
	metrics *metrics.Store
	alerts  *alerts.Store
	engine  *fakeEngine
	broker  *queue.MemoryBroker
	cfg     *config.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.NewSQLite(storage.SQLiteDSN(filepath.Join(t.TempDir(), "api.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(context.Background()))

	cfg := config.DefaultConfig()
	cfg.API.PredictWait = 2 * time.Second
	f := &fixture{
		store:   st,
		metrics: metrics.NewStore(10),
		alerts:  alerts.NewStore(10),
		engine:  &fakeEngine{},
		broker:  queue.NewMemoryBroker(16, 10*time.Millisecond, time.Hour),
		cfg:     config.NewStaticManager(cfg),
	}
	f.srv = NewServer(Deps{
		Config:  f.cfg,
		Store:   st,
		Metrics: f.metrics,
		Alerts:  f.alerts,
		Engine:  f.engine,
		Tasks:   queue.NewClient(f.broker, 5*time.Millisecond),
		Logger:  zap.NewNop(),
		Version: "test",
	}).Handler()
	return f
}

func (f *fixture) startWorker(t *testing.T, predict queue.Handler) {
	t.Helper()
	w := queue.NewWorker(f.broker, config.WorkerConfig{Concurrency: 1, PrefetchMultiplier: 1, TimeLimit: 2 * time.Second, SoftTimeLimit: time.Second}, zap.NewNop())
	w.Register(config.TaskPredict, predict)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestStatusReportsTotals(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CreateConsumer(context.Background(), model.Consumer{UserID: 1})
	require.NoError(t, err)

	rec, body := f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "memory", body["queue"])
	totals := body["totals"].(map[string]any)
	assert.Equal(t, 1.0, totals["consumers"])
}

func TestConsumerRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.store.CreateConsumer(ctx, model.Consumer{UserID: 9, Name: "Lu"})
	require.NoError(t, err)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	win, err := f.store.CreateWindow(ctx, model.Window{ConsumerID: c.ID, WindowStart: start, WindowEnd: start.Add(time.Minute)})
	require.NoError(t, err)
	_, err = f.store.CreateAnalysis(ctx, model.Analysis{WindowID: win.ID, Probability: 0.3, ModelID: "m"})
	require.NoError(t, err)

	rec, body := f.do(t, http.MethodGet, "/consumers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["count"])

	rec, body = f.do(t, http.MethodGet, "/consumers/1/analyses", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["count"])

	rec, body = f.do(t, http.MethodGet, "/consumers/1/windows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["count"])

	rec, body = f.do(t, http.MethodGet, "/consumers/42/analyses", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(apperr.CodeNotFound), body["code"])

	rec, _ = f.do(t, http.MethodGet, "/consumers/abc/analyses", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLatestSnapshot(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/consumers/3/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.metrics.Update(model.Snapshot{ConsumerID: 3, WindowID: 11, Probability: 0.75, RiskLevel: model.RiskHigh})
	rec, body := f.do(t, http.MethodGet, "/consumers/3/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 11.0, body["window_id"])
	assert.Equal(t, "high", body["risk_level"])
}

func TestRecentNotifications(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.alerts.Add(model.Notification{ID: 1, UserID: 5, Severity: model.SeverityHigh, CreatedAt: base})
	f.alerts.Add(model.Notification{ID: 2, UserID: 6, Severity: model.SeverityCritical, CreatedAt: base.Add(time.Hour)})

	_, body := f.do(t, http.MethodGet, "/notifications/recent", nil)
	assert.Equal(t, 2.0, body["count"])

	_, body = f.do(t, http.MethodGet, "/notifications/recent?since=2026-03-01T12:30:00Z", nil)
	assert.Equal(t, 1.0, body["count"])

	_, body = f.do(t, http.MethodGet, "/notifications/recent?user_id=5", nil)
	assert.Equal(t, 1.0, body["count"])

	rec, _ := f.do(t, http.MethodGet, "/notifications/recent?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/notifications?user_id=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, body["count"])
}

func TestPredictRunsThroughQueue(t *testing.T) {
	f := newFixture(t)
	f.startWorker(t, func(_ context.Context, payload json.RawMessage) (any, error) {
		var p tasks.PredictPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		if p.UserID != 7 {
			return nil, apperr.Newf(apperr.CodeNotFound, "no consumer for user %d", p.UserID)
		}
		return model.PredictResult{Success: true, Probability: 0.81, RiskLevel: model.RiskHigh, AnalysisID: 3, NotificationSent: true}, nil
	})

	rec, body := f.do(t, http.MethodPost, "/predict", map[string]any{"user_id": 7})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "SUCCESS", body["status"])
	result := body["result"].(map[string]any)
	assert.Equal(t, 0.81, result["probability"])
	assert.Equal(t, true, result["notification_sent"])

	rec, body = f.do(t, http.MethodPost, "/predict", map[string]any{"user_id": 8})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "FAILURE", body["status"])
	assert.Equal(t, string(apperr.CodeNotFound), body["code"])

	rec, _ = f.do(t, http.MethodPost, "/predict", map[string]any{"features": map[string]float64{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictWithoutWorkerIsAccepted(t *testing.T) {
	f := newFixture(t)
	cfg := *f.cfg.Get()
	cfg.API.PredictWait = 30 * time.Millisecond
	require.NoError(t, f.cfg.Update(&cfg))

	rec, body := f.do(t, http.MethodPost, "/predict", map[string]any{"user_id": 7})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id, _ := body["task_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, f.broker.Pending())

	rec, body = f.do(t, http.MethodGet, "/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PENDING", body["status"])
}

func TestPredictionConfigUpdate(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodGet, "/config/prediction", nil)
	pred := body["prediction"].(map[string]any)
	assert.Equal(t, 0.7, pred["high_threshold"])

	rec, _ := f.do(t, http.MethodPost, "/config/prediction", map[string]any{"high_threshold": 0.8, "critical_threshold": 0.95})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.8, f.cfg.Get().Prediction.HighThreshold)
	require.NotNil(t, f.engine.updated)
	assert.Equal(t, 0.8, f.engine.updated.Prediction.HighThreshold)

	rec, body = f.do(t, http.MethodPost, "/config/prediction", map[string]any{"medium_threshold": 0.9})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apperr.CodeInvalidInput), body["code"])
	assert.Equal(t, 0.4, f.cfg.Get().Prediction.MediumThreshold)
}

func TestAdminClearAndRestart(t *testing.T) {
	f := newFixture(t)
	f.metrics.Update(model.Snapshot{ConsumerID: 1})
	f.alerts.Add(model.Notification{ID: 1})

	rec, _ := f.do(t, http.MethodPost, "/admin/clear", map[string]string{"target": "notifications"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.alerts.List(0))
	assert.Equal(t, 1, f.metrics.Len())

	rec, _ = f.do(t, http.MethodPost, "/admin/clear", map[string]string{"target": "everything"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/admin/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.engine.resets)
	assert.Zero(t, f.metrics.Len())
}

func TestStatusForCodes(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(apperr.CodeNotFound))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(apperr.CodeFeatureMismatch))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(apperr.CodeModelLoad))
	assert.Equal(t, http.StatusConflict, statusFor(apperr.CodeConflict))
	assert.Equal(t, http.StatusInternalServerError, statusFor(apperr.CodeInternal))
}
