package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"powerrail/internal/power/application"
)

// StatusProvider exposes the supervisor state served over HTTP.
type StatusProvider interface {
	Phase() application.Phase
	Status() application.Status
}

// Handler serves health, status and metrics endpoints.
type Handler struct {
	provider StatusProvider
	logger   *slog.Logger
	metrics  http.Handler
}

// NewHandler constructs a handler.
func NewHandler(provider StatusProvider, logger *slog.Logger) (*Handler, error) {
	if provider == nil {
		return nil, errors.New("power handler: nil status provider")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{provider: provider, logger: logger, metrics: promhttp.Handler()}, nil
}

// Routes returns the mux with request logging applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	mux.Handle("/metrics", h.metrics)
	return loggingMiddleware(mux, h.logger)
}

// handleHealth reports 200 only while the pipeline is running.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	phase := h.provider.Phase()
	if phase != application.PhaseRunning {
		http.Error(w, phase.String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.provider.Status())
}

func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", resp.status, "duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
