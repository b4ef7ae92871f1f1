package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mycrewmanager/realtime/internal/connection"
	"github.com/mycrewmanager/realtime/internal/router"
)

type healthResponse struct {
	Status     string              `json:"status"`
	Components map[string]string   `json:"components"`
	Channel    connection.Stats    `json:"channel"`
	Binding    router.BindingStats `json:"binding"`
}

// newHealthHandler serves /health and, when metricsPath is set, Prometheus
// metrics. ping may be nil when no database is configured.
func newHealthHandler(
	mgr connection.Manager,
	binding *router.Binding,
	ping func(context.Context) error,
	metricsPath string,
	metrics http.Handler,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		components := make(map[string]string)
		healthy := true

		status := mgr.Status()
		components["channel"] = string(status)
		if status != connection.StatusConnected {
			healthy = false
		}

		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := ping(ctx)
			cancel()
			if err != nil {
				components["database"] = "unreachable"
				healthy = false
			} else {
				components["database"] = "ok"
			}
		}

		resp := healthResponse{
			Status:     "healthy",
			Components: components,
			Channel:    mgr.Stats(),
			Binding:    binding.Stats(),
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			resp.Status = "unhealthy"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	if metricsPath != "" && metrics != nil {
		mux.Handle(metricsPath, metrics)
	}

	return mux
}
