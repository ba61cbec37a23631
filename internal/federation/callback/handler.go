// Package callback receives the gateway's "new batch available" webhook.
package callback

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"efgs-sync/internal/federation/metrics"
	"efgs-sync/internal/federation/models"
	"efgs-sync/pkg/platform/httputil"
)

const (
	Path = "/efgs/callback"

	maxTagLength = 128
)

// Submitter queues a page import without blocking.
type Submitter interface {
	Submit(date time.Time, tag string) bool
}

// Deduper suppresses repeated notifications for the same page.
type Deduper interface {
	FirstSeen(ctx context.Context, date time.Time, tag string) (bool, error)
	Forget(ctx context.Context, date time.Time, tag string) error
}

type Handler struct {
	submitter Submitter
	deduper   Deduper
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type Option func(*Handler)

func WithDeduper(d Deduper) Option {
	return func(h *Handler) {
		h.deduper = d
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func NewHandler(submitter Submitter, opts ...Option) *Handler {
	h := &Handler{submitter: submitter, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Register(r chi.Router) {
	r.Get(Path, h.HandleCallback)
}

// HandleCallback answers 202 once the import is queued, 400 for bad
// parameters and 503 when every import worker is busy.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tag := r.URL.Query().Get("batchTag")
	rawDate := r.URL.Query().Get("date")

	if tag == "" || len(tag) > maxTagLength {
		h.metrics.IncCallbackRejected("invalid")
		httputil.WriteError(w, http.StatusBadRequest, "batchTag is required")
		return
	}
	date, err := models.ParseDate(rawDate)
	if err != nil {
		h.metrics.IncCallbackRejected("invalid")
		httputil.WriteError(w, http.StatusBadRequest, "date must be yyyy-MM-dd")
		return
	}

	if h.deduper != nil {
		first, err := h.deduper.FirstSeen(ctx, date, tag)
		switch {
		case err != nil:
			h.logger.WarnContext(ctx, "callback dedupe unavailable", "error", err)
		case !first:
			h.metrics.IncCallbackRejected("duplicate")
			w.WriteHeader(http.StatusAccepted)
			return
		}
	}

	if !h.submitter.Submit(date, tag) {
		h.metrics.IncCallbackRejected("busy")
		if h.deduper != nil {
			if err := h.deduper.Forget(ctx, date, tag); err != nil {
				h.logger.WarnContext(ctx, "failed to clear callback dedupe key", "error", err)
			}
		}
		httputil.WriteError(w, http.StatusServiceUnavailable, "import queue full")
		return
	}

	h.logger.InfoContext(ctx, "callback import queued",
		"batch_date", rawDate,
		"batch_tag", tag,
	)
	w.WriteHeader(http.StatusAccepted)
}
