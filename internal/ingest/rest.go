package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"cravewatch/internal/config"
	"cravewatch/internal/model"
	"cravewatch/internal/normalize"
)

const maxBodyBytes = 2 << 20

type RESTServer struct {
	cfg    *config.Manager
	out    chan<- model.ReadingEvent
	logger *zap.Logger
}

// NewRESTHandler serves POST /readings and GET /health.
func NewRESTHandler(cfg *config.Manager, out chan<- model.ReadingEvent, logger *zap.Logger) http.Handler {
	s := &RESTServer{cfg: cfg, out: out, logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/readings", s.handleReadings)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.ReadingEvent, logger *zap.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", zap.String("addr", current.Addr))
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewRESTHandler(cfg, out, logger),
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
			if logger != nil {
				logger.Error("rest ingest server error", zap.Error(err))
			}
		}
	}()
	return httpServer
}

type ingestResponse struct {
	Accepted int      `json:"accepted"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

func (s *RESTServer) handleReadings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large or unreadable", http.StatusBadRequest)
		return
	}
	records, err := ParseJSON(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg := s.cfg.Get()
	var resp ingestResponse
	for _, fields := range records {
		fields.Source = "rest"
		ev, err := normalize.Normalize(fields, cfg)
		if err != nil {
			resp.Failed++
			resp.Errors = append(resp.Errors, err.Error())
			continue
		}
		if !SendNonBlocking(r.Context(), s.out, ev, s.logger) {
			resp.Failed++
			resp.Errors = append(resp.Errors, "ingest queue full")
			continue
		}
		resp.Accepted++
	}

	status := http.StatusAccepted
	if resp.Accepted == 0 && resp.Failed > 0 {
		status = http.StatusUnprocessableEntity
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
