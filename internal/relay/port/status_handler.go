// Package port exposes the relay's management surface over HTTP:
// readiness, the connection status snapshot, and the manual reconnect
// trigger. Handlers translate supervisor state into wire DTOs and map
// failures through errmap.
package port

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/averla/gchatstream/internal/domain"
	"github.com/averla/gchatstream/internal/errmap"
	"github.com/averla/gchatstream/internal/relay/app"
)

// supervisor is a narrow, consumer-defined interface for the supervisor
// operations the handler requires. The *app.Supervisor satisfies this.
type supervisor interface {
	Status() app.Status
	Reconnect()
}

// StatusHandler serves the relay's management endpoints.
type StatusHandler struct {
	sup supervisor
}

// NewStatusHandler creates a StatusHandler backed by the given Supervisor.
func NewStatusHandler(sup *app.Supervisor) *StatusHandler {
	return &StatusHandler{sup: sup}
}

// Register mounts the handler's routes on mux.
func (h *StatusHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /readyz", h.ready)
	mux.HandleFunc("GET /v1/status", h.status)
	mux.HandleFunc("POST /v1/reconnect", h.reconnect)
}

// statusResponse is the wire shape for GET /v1/status.
type statusResponse struct {
	State     string    `json:"state"`
	Since     time.Time `json:"since"`
	Retries   int       `json:"retries"`
	LastError string    `json:"last_error,omitempty"`
}

// ready reports whether the relay holds a live upstream connection.
// Deployments gate traffic on this; liveness is the server's /healthz.
func (h *StatusHandler) ready(w http.ResponseWriter, _ *http.Request) {
	st := h.sup.Status()
	if st.State != app.StateConnected {
		errmap.WriteJSON(w, fmt.Errorf("relay %s: %w", st.State, domain.ErrUnavailable))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ready"}`)
}

// status returns a point-in-time snapshot of the connection state.
func (h *StatusHandler) status(w http.ResponseWriter, _ *http.Request) {
	st := h.sup.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		State:     string(st.State),
		Since:     st.Since.UTC(),
		Retries:   st.Retries,
		LastError: st.LastError,
	})
}

// reconnect interrupts the current listen cycle or backoff wait and
// starts a fresh channel. The reply only acknowledges the trigger;
// clients poll /v1/status to observe the outcome.
func (h *StatusHandler) reconnect(w http.ResponseWriter, _ *http.Request) {
	h.sup.Reconnect()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprint(w, `{"status":"reconnecting"}`)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already out; an encode failure here has nowhere
	// to report to.
	_ = json.NewEncoder(w).Encode(v)
}
