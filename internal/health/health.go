// Package health provides HTTP liveness and readiness handlers for the
// Emberlore server.
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when every registered
//     check passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map with the per-check outcome.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// CheckFunc probes one dependency. It must respect context cancellation and
// return nil when the dependency is healthy.
type CheckFunc func(ctx context.Context) error

// response is the JSON body for both endpoints.
type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The check set is fixed at
// construction; the handler is safe for concurrent use.
type Handler struct {
	checks map[string]CheckFunc
}

// New creates a [Handler] evaluating the given named checks on each /readyz
// request. Checks run sequentially in name order.
func New(checks map[string]CheckFunc) *Handler {
	c := make(map[string]CheckFunc, len(checks))
	for name, fn := range checks {
		c[name] = fn
	}
	return &Handler{checks: c}
}

// Register mounts the /healthz and /readyz routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always returns 200. A process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz returns 200 only when every registered check passes. Each check
// runs under a [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	res := response{Status: "ok", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := h.checks[name](ctx)
		cancel()

		if err != nil {
			res.Checks[name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			res.Checks[name] = "ok"
		}
	}

	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
