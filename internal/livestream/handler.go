package livestream

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"livepipe/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// Controller is the part of a Session the admin endpoints need.
type Controller interface {
	Status() Status
	Stop()
}

// Handler exposes session status and control over HTTP using go-chi.
type Handler struct {
	ctl     Controller
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler for ctl. Metrics may be nil, in which case
// /metrics is not mounted.
func NewHandler(ctl Controller, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{ctl: ctl, log: log, metrics: m}
}

// Routes mounts the admin endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Post("/stop", h.StopSession)
	if h.metrics != nil {
		r.Get("/metrics", h.metrics.Handler(h.refreshGauges).ServeHTTP)
	}
}

// refreshGauges copies the latest status snapshot into the gauges so a scrape
// between cycles reports current values.
func (h *Handler) refreshGauges() {
	st := h.ctl.Status()
	h.metrics.SetHighestIndex(st.HighestEmitted)
	h.metrics.SetEmittedSeconds(st.EmittedSeconds)
	h.metrics.SetTrackedIndices(st.Tracked)
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := h.ctl.Status()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(st); err != nil {
		h.log.Debug("writing status response failed", slog.String("error", err.Error()))
	}
}

// StopSession handles POST /stop. Repeated calls are accepted.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	h.log.Info("stop requested over admin endpoint", slog.String("remote", r.RemoteAddr))
	h.ctl.Stop()
	w.WriteHeader(http.StatusAccepted)
}
