package server

import (
	"context"
	"net/http"
	"time"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/clock"
)

// SystemHandler serves liveness, readiness and a small status document.
// Ready is typically (*sql.DB).PingContext; nil means always ready.
type SystemHandler struct {
	StartedAt time.Time
	Clock     clock.Clock
	Version   string
	Ready     func(ctx context.Context) error
}

func (h SystemHandler) now() time.Time {
	if h.Clock == nil {
		return time.Now().UTC()
	}
	return h.Clock.Now().UTC()
}

func (h SystemHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/readyz", h.ready)
	mux.HandleFunc("/v1/system/status", h.status)
}

func (h SystemHandler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h SystemHandler) ready(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h SystemHandler) status(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	writeJSON(w, http.StatusOK, map[string]string{
		"service_name": "open-paycode-go",
		"version":      h.Version,
		"server_time":  now.Format(time.RFC3339Nano),
		"uptime":       now.Sub(h.StartedAt).String(),
	})
}
