// Package admin exposes the three admin operations — stats, reset, and
// algorithms — over net/http. It is a thin JSON wrapper
// around a Registry and never starts its own listener; callers mount its
// handlers on their own mux.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/krishna-kudari/admitgate"
)

// Handler serves the admin surface for a single Registry.
type Handler struct {
	registry *admitgate.Registry
}

// NewHandler builds a Handler for registry.
func NewHandler(registry *admitgate.Registry) *Handler {
	return &Handler{registry: registry}
}

// algorithmDescriptions enumerates every known algorithm tag with a human
// description, served by Algorithms.
var algorithmDescriptions = map[string]string{
	"token-bucket":           "Steady refill, burst-friendly.",
	"leaky-bucket":           "Constant drain rate; policing or shaping mode.",
	"fixed-window":           "Simple, fixed time intervals.",
	"sliding-window-log":     "Precise, stores every request timestamp.",
	"sliding-window-counter": "Weighted approximation of a sliding window, O(1) memory.",
	"gcra":                   "Virtual scheduling with sustained rate and burst (bonus algorithm).",
}

// Stats implements stats(user_id, algorithm) -> {algorithm, userId, stats,
// timestamp}. Expects query parameters "user_id" and "algorithm",
// where algorithm is a registryKey, i.e. a key of Registry.Engines() (not
// one of the tags returned by Algorithms).
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	algorithm := r.URL.Query().Get("algorithm")
	if userID == "" || algorithm == "" {
		http.Error(w, `{"error":"user_id and algorithm are required"}`, http.StatusBadRequest)
		return
	}

	engine, ok := h.registry.Engines()[algorithm]
	if !ok {
		http.Error(w, fmt.Sprintf(`{"error":"unknown algorithm %q"}`, algorithm), http.StatusNotFound)
		return
	}

	stats, err := engine.Stats(r.Context(), userID)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"algorithm": algorithm,
		"userId":    userID,
		"stats":     stats,
		"timestamp": time.Now().UnixMilli(),
	})
}

// Reset implements reset(user_id) -> {message, userId, resetResults,
// timestamp}: it resets user_id across every engine the
// registry has constructed so far, records a per-engine success/failure,
// and never aborts the batch on a single engine's failure.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}

	results := make(map[string]string)
	for name, engine := range h.registry.Engines() {
		if err := engine.Reset(r.Context(), userID); err != nil {
			results[name] = "failed: " + err.Error()
			continue
		}
		results[name] = "success"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "reset complete",
		"userId":       userID,
		"resetResults": results,
		"timestamp":    time.Now().UnixMilli(),
	})
}

// Algorithms implements algorithms -> enumeration of known algorithm tags
// with human descriptions.
func (h *Handler) Algorithms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"algorithms": algorithmDescriptions,
		"timestamp":  time.Now().UnixMilli(),
	})
}

// Mount registers the three admin endpoints on mux under prefix (e.g.
// "/admin"): "{prefix}/stats", "{prefix}/reset", "{prefix}/algorithms".
func (h *Handler) Mount(mux *http.ServeMux, prefix string) {
	mux.HandleFunc(prefix+"/stats", h.Stats)
	mux.HandleFunc(prefix+"/reset", h.Reset)
	mux.HandleFunc(prefix+"/algorithms", h.Algorithms)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
