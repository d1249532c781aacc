package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/sudwebd/3d-to-svg/internal/httpkit"
)

// Health performs a health check of the service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	health := map[string]any{
		"status":  "ok",
		"service": "polysvg",
	}

	if r.URL.Query().Get("deep") == "true" {
		checks := map[string]map[string]any{
			"job_store": timedCheck(ctx, h.store.Ping),
			"storage":   timedCheck(ctx, h.sp.Ping),
			"converter": timedCheck(ctx, func(context.Context) error { return h.tool.Check() }),
		}
		checks["storage"]["provider"] = h.sp.Provider()
		health["checks"] = checks

		for _, check := range checks {
			if check["status"] != "ok" {
				health["status"] = "degraded"
				h.log.FromContext(ctx).Warn("health check degraded", "checks", checks)
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
	return nil
}

func timedCheck(ctx context.Context, fn func(context.Context) error) map[string]any {
	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := fn(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}
	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}
