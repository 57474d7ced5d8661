// Package health serves liveness and readiness probes.
//
//   - /healthz — liveness; a process that can answer HTTP is alive.
//   - /readyz  — readiness; 200 only when every registered probe passes,
//     503 otherwise.
//
// Responses are JSON with a top-level "status" and a per-probe "checks"
// map that includes the probe latency.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 5 * time.Second

// Probe is a named dependency check. Probe functions must respect
// context cancellation and return nil when the dependency is usable.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type checkResult struct {
	Status  string `json:"status"`
	Latency string `json:"latency"`
	Error   string `json:"error,omitempty"`
}

type response struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler evaluates probes on demand. The probe set is fixed at
// construction; Handler is safe for concurrent use.
type Handler struct {
	probes  []Probe
	started time.Time
}

// New creates a Handler over the given probes. Probes run sequentially
// in the order given.
func New(probes ...Probe) *Handler {
	p := make([]Probe, len(probes))
	copy(p, probes)
	return &Handler{probes: p, started: time.Now()}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz answers 200 when every probe passes and 503 otherwise, with the
// per-probe outcome in the body.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]checkResult, len(h.probes))
	ready := true

	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		start := time.Now()
		err := p.Check(ctx)
		cancel()

		res := checkResult{
			Status:  "ok",
			Latency: fmt.Sprintf("%dms", time.Since(start).Milliseconds()),
		}
		if err != nil {
			res.Status = "fail"
			res.Error = err.Error()
			ready = false
		}
		checks[p.Name] = res
	}

	out := response{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		out.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
