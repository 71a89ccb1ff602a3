package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/market-relay/internal/relay"
	"github.com/rickgao/market-relay/internal/version"
)

// statsProvider is the slice of *relay.Relay the health handler reads.
type statsProvider interface {
	Stats() relay.Stats
}

type healthResponse struct {
	Status     string         `json:"status"`
	Version    version.Info   `json:"version"`
	Relay      relay.Stats    `json:"relay"`
	Components map[string]any `json:"components"`
}

// healthHandler reports relay totals and pings each dependency in checks.
// A failed check marks the relay unhealthy and answers 503. A configured
// upstream that is not connected only degrades it.
func healthHandler(r statsProvider, checks map[string]func(context.Context) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		health := healthResponse{
			Status:     "healthy",
			Version:    version.Get(),
			Relay:      r.Stats(),
			Components: make(map[string]any),
		}

		for name, check := range checks {
			if err := check(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components[name] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
				continue
			}
			health.Components[name] = "connected"
		}

		switch health.Relay.Upstream {
		case "disabled", "connected":
		default:
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})
}
