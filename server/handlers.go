package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// Handlers serves the API routes.
type Handlers struct {
	deps Deps
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}

// HandleHealthz responds to liveness checks. With history enabled it also
// checks database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready only while the relay loop is consuming events.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		ok   func() bool
	}{
		{"transport", func() bool { return h.deps.Ready != nil && h.deps.Ready() }},
		{"database", func() bool { return h.deps.DB == nil || h.deps.DB.PingContext(r.Context()) == nil }},
	}
	for _, check := range checks {
		if !check.ok() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus returns in-flight tasks and limiter usage.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"version": h.deps.Version}
	if h.deps.Tasks != nil {
		resp["tasks"] = h.deps.Tasks.List()
	}
	if h.deps.Limiter != nil {
		resp["active_analyses"] = h.deps.Limiter.Active()
		resp["max_concurrent_analyses"] = h.deps.Limiter.Capacity()
	}
	if h.deps.Outbox != nil {
		resp["reply_queue_depth"] = h.deps.Outbox.Len()
	}
	if h.deps.History != nil {
		if stats, err := h.deps.History.Stats(r.Context()); err != nil {
			slog.Warn("failed to load history stats", slog.Any("err", err))
		} else {
			resp["history"] = stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleAnalyses lists recent analyses (?limit=N, default 50).
func (h *Handlers) HandleAnalyses(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit := parseIntQuery(r, "limit", 50)
	items, err := h.deps.History.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("failed to load analyses", slog.Any("err", err))
		http.Error(w, "failed to load analyses", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit})
}

// HandleCancel cancels an in-flight or queued analysis.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.deps.Tasks == nil || !h.deps.Tasks.Cancel(id) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	slog.Info("analysis cancelled via api", slog.String("task_id", id), slog.String("remote_addr", r.RemoteAddr))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "id": id})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
