package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"cravewatch/internal/alerts"
	"cravewatch/internal/apperr"
	"cravewatch/internal/config"
	"cravewatch/internal/logging"
	"cravewatch/internal/metrics"
	"cravewatch/internal/model"
	"cravewatch/internal/queue"
	"cravewatch/internal/scheduler"
	"cravewatch/internal/storage"
	"cravewatch/internal/tasks"
)

const maxBodyBytes = 1 << 20

type EngineControl interface {
	Reset()
	UpdateConfig(cfg *config.Config)
	Started() time.Time
}

// TaskClient enqueues tasks and reads their results.
type TaskClient interface {
	Delay(ctx context.Context, name string, payload any, opts ...queue.Option) (*queue.AsyncResult, error)
	Result(ctx context.Context, id string) (queue.Result, error)
}

type Schedule interface {
	Upcoming() []scheduler.Upcoming
}

// Deps are the collaborators behind the HTTP surface. Only Config and Store
// are required.
type Deps struct {
	Config   *config.Manager
	Store    storage.Store
	Metrics  *metrics.Store
	Alerts   *alerts.Store
	Engine   EngineControl
	Tasks    TaskClient
	Schedule Schedule
	Logger   *zap.Logger
	Version  string
}

type Server struct {
	Deps
	logger *zap.Logger
	now    func() time.Time
}

type statusResponse struct {
	Status     string                  `json:"status"`
	Time       string                  `json:"time"`
	Version    string                  `json:"version"`
	Started    string                  `json:"started,omitempty"`
	ConfigPath string                  `json:"config_path"`
	Database   string                  `json:"database"`
	Totals     *storage.Totals         `json:"totals,omitempty"`
	Prediction config.PredictionConfig `json:"prediction"`
	Ingest     ingestStatus            `json:"ingest"`
	Queue      string                  `json:"queue"`
	Schedule   []scheduleStatus        `json:"schedule,omitempty"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
	MQTT      bool `json:"mqtt"`
}

type scheduleStatus struct {
	Name     string `json:"name"`
	Task     string `json:"task"`
	Schedule string `json:"schedule"`
	Next     string `json:"next,omitempty"`
}

type predictRequest struct {
	UserID   int64              `json:"user_id"`
	Features map[string]float64 `json:"features,omitempty"`
}

type predictResponse struct {
	TaskID string               `json:"task_id"`
	Status queue.Status         `json:"status"`
	Result *model.PredictResult `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
	Code   apperr.Code          `json:"code,omitempty"`
}

func NewServer(deps Deps) *Server {
	return &Server{Deps: deps, logger: logging.OrNop(deps.Logger), now: time.Now}
}

// Handler returns the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/status", s.handleStatus)
	r.Route("/consumers", func(r chi.Router) {
		r.Get("/", s.handleConsumers)
		r.Get("/{id}/latest", s.handleLatest)
		r.Get("/{id}/analyses", s.handleAnalyses)
		r.Get("/{id}/windows", s.handleWindows)
	})
	r.Get("/notifications", s.handleNotifications)
	r.Get("/notifications/recent", s.handleRecent)
	r.Post("/predict", s.handlePredict)
	r.Get("/tasks/{id}", s.handleTask)
	r.Get("/config/prediction", s.handleGetPrediction)
	r.Post("/config/prediction", s.handleSetPrediction)
	r.Post("/admin/clear", s.handleClear)
	r.Post("/admin/restart", s.handleRestart)
	return r
}

// Start serves the API until ctx is done. It returns nil when the API is
// disabled.
func Start(ctx context.Context, deps Deps) *http.Server {
	if deps.Config == nil {
		return nil
	}
	logger := logging.OrNop(deps.Logger)
	current := deps.Config.Get().API
	if !current.Enabled {
		logger.Info("api disabled")
		return nil
	}
	logger.Info("api enabled", zap.String("addr", current.Addr))
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewServer(deps).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server error", zap.Error(err))
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       s.now().UTC().Format(time.RFC3339Nano),
		Version:    s.Version,
		ConfigPath: s.Config.Path(),
		Database:   "ok",
		Prediction: cfg.Prediction,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			MQTT:      cfg.Ingest.MQTT.Enabled,
		},
		Queue: cfg.Queue.Driver,
	}
	if s.Engine != nil {
		resp.Started = s.Engine.Started().UTC().Format(time.RFC3339)
	}
	if err := s.Store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
	} else if totals, err := s.Store.Totals(r.Context()); err == nil {
		resp.Totals = &totals
	}
	if s.Schedule != nil {
		for _, u := range s.Schedule.Upcoming() {
			st := scheduleStatus{Name: u.Entry.Name, Task: u.Entry.Task, Schedule: u.Entry.Schedule}
			if !u.Next.IsZero() {
				st.Next = u.Next.Format(time.RFC3339)
			}
			resp.Schedule = append(resp.Schedule, st)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConsumers(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListConsumers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.Store.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{
		"consumers": list,
		"stats":     stats,
		"count":     len(list),
	}
	if s.Metrics != nil {
		resp["latest"] = s.Metrics.GetAll()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if s.Metrics == nil {
		writeJSON(w, http.StatusNotFound, errorBody(apperr.CodeNotFound, "no snapshots kept"))
		return
	}
	snap, found := s.Metrics.Get(id)
	if !found {
		writeJSON(w, http.StatusNotFound, errorBody(apperr.CodeNotFound, "no scored window for consumer "+strconv.FormatInt(id, 10)))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAnalyses(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.Store.GetConsumer(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	list, err := s.Store.ListAnalyses(r.Context(), id, queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": list, "count": len(list)})
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	list, err := s.Store.ListWindows(r.Context(), id, queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"windows": list, "count": len(list)})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	var userID int64
	if v := r.URL.Query().Get("user_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(apperr.CodeInvalidInput, "user_id must be an integer"))
			return
		}
		userID = n
	}
	list, err := s.Store.ListNotifications(r.Context(), userID, queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list, "count": len(list)})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	list := []model.Notification{}
	if s.Alerts != nil {
		if v := r.URL.Query().Get("user_id"); v != "" {
			userID, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody(apperr.CodeInvalidInput, "user_id must be an integer"))
				return
			}
			list = s.Alerts.ForUser(userID)
		} else if v := r.URL.Query().Get("since"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody(apperr.CodeInvalidInput, "since must be RFC3339"))
				return
			}
			list = s.Alerts.Since(ts)
		} else {
			list = s.Alerts.List(queryInt(r, "limit"))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list, "count": len(list)})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if s.Tasks == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody(apperr.CodeConfiguration, "task queue not configured"))
		return
	}
	var req predictRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(apperr.CodeInvalidInput, err.Error()))
		return
	}
	if req.UserID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody(apperr.CodeInvalidInput, "user_id is required"))
		return
	}
	ar, err := s.Tasks.Delay(r.Context(), config.TaskPredict, tasks.PredictPayload{UserID: req.UserID, Features: req.Features})
	if err != nil {
		s.writeError(w, err)
		return
	}
	var out model.PredictResult
	res, err := ar.Get(r.Context(), s.Config.Get().API.PredictWait, &out)
	resp := predictResponse{TaskID: ar.ID, Status: res.Status}
	switch {
	case err == nil:
		resp.Result = &out
		writeJSON(w, http.StatusOK, resp)
	case !res.Status.Ready():
		// still queued or running; the caller polls /tasks/{id}
		writeJSON(w, http.StatusAccepted, resp)
	default:
		resp.Error = err.Error()
		resp.Code = apperr.CodeOf(err)
		writeJSON(w, statusFor(resp.Code), resp)
	}
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if s.Tasks == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody(apperr.CodeConfiguration, "task queue not configured"))
		return
	}
	res, err := s.Tasks.Result(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetPrediction(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"prediction": s.Config.Get().Prediction})
}

func (s *Server) handleSetPrediction(w http.ResponseWriter, r *http.Request) {
	current := s.Config.Get()
	pc := current.Prediction
	if err := decodeBody(w, r, &pc); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(apperr.CodeInvalidInput, err.Error()))
		return
	}
	next := *current
	next.Prediction = pc
	if err := s.Config.Update(&next); err != nil {
		if apperr.Is(err, apperr.CodeConfiguration) {
			writeJSON(w, http.StatusBadRequest, errorBody(apperr.CodeInvalidInput, err.Error()))
			return
		}
		s.writeError(w, err)
		return
	}
	if s.Engine != nil {
		s.Engine.UpdateConfig(&next)
	}
	s.logger.Info("prediction thresholds updated",
		zap.Float64("medium", pc.MediumThreshold),
		zap.Float64("high", pc.HighThreshold),
		zap.Float64("critical", pc.CriticalThreshold),
	)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "prediction": pc})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.clearSnapshots()
		s.clearNotifications()
	case "notifications", "alerts":
		s.clearNotifications()
	case "snapshots", "metrics":
		s.clearSnapshots()
	default:
		writeJSON(w, http.StatusBadRequest, errorBody(apperr.CodeInvalidInput, "unknown target "+target))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	if s.Engine != nil {
		s.Engine.Reset()
	}
	s.clearSnapshots()
	s.clearNotifications()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) clearSnapshots() {
	if s.Metrics != nil {
		s.Metrics.Clear()
	}
}

func (s *Server) clearNotifications() {
	if s.Alerts != nil {
		s.Alerts.Clear()
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed", zap.String("code", string(code)), zap.Error(err))
	}
	writeJSON(w, status, errorBody(code, err.Error()))
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidInput:
		return http.StatusBadRequest
	case apperr.CodeFeatureMismatch:
		return http.StatusUnprocessableEntity
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeTimeout:
		return http.StatusGatewayTimeout
	case apperr.CodeConfiguration, apperr.CodeModelLoad:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(code apperr.Code, msg string) map[string]any {
	return map[string]any{"error": msg, "code": code}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody(apperr.CodeInvalidInput, "invalid consumer id"))
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
