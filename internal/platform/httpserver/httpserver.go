package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
)

// New builds an HTTP server with sane defaults for this project.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

// Router carries the operational endpoints every instance exposes. Feature
// routes are mounted on Mux.
type Router struct {
	Mux     chi.Router
	log     *slog.Logger
	isReady atomic.Bool
}

func NewRouter(log *slog.Logger) *Router {
	r := &Router{log: log}
	mux := chi.NewRouter()
	mux.Use(r.httpLogger)
	mux.Get("/livez", r.handleLiveness)
	mux.Get("/readyz", r.handleReadiness)
	mux.Handle("/metrics", promhttp.Handler())
	r.Mux = mux
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Mux.ServeHTTP(w, req)
}

// SetReady flips the readiness probe.
func (r *Router) SetReady(ready bool) {
	r.isReady.Store(ready)
}

func (r *Router) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(r.log, next)
}

func (r *Router) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"alive"}`))
}

func (r *Router) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !r.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
