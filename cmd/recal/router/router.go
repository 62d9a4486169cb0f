// Package router configures HTTP routes for recal's serve mode.
//
// Routes configured:
//   - GET /status?horizon=<name> - Current state, active configuration, and
//     latest history entry for one horizon (all horizons when omitted)
//   - GET /healthz - Health check endpoint (returns 200 OK)
//   - GET /metrics - Prometheus metrics endpoint
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/recal/pkg/deploy"
	"github.com/HatiCode/recal/pkg/history"
	"github.com/HatiCode/recal/pkg/httpx"
	"github.com/HatiCode/recal/pkg/params"
)

// HorizonStatus is the status payload for one horizon.
type HorizonStatus struct {
	Horizon string `json:"horizon"`
	State   string `json:"state"`

	Active *params.ActiveConfiguration `json:"active,omitempty"`
	Latest *history.Entry              `json:"latest,omitempty"`
}

// SetupRoutes configures HTTP endpoints for recal.
func SetupRoutes(mgr *deploy.Manager, store history.Store, horizons []string, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/healthz", httpx.HealthHandler())
	mux.HandleFunc("/status", handleStatus(mgr, store, horizons, logger))
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// handleStatus returns a handler for GET /status[?horizon=<name>].
func handleStatus(mgr *deploy.Manager, store history.Store, horizons []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requested := horizons
		if name := r.URL.Query().Get("horizon"); name != "" {
			if !params.ValidHorizonName(name) {
				httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid horizon name format")
				return
			}
			requested = []string{name}
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		statuses := make([]HorizonStatus, 0, len(requested))
		for _, name := range requested {
			st, err := Status(ctx, mgr, store, name)
			if err != nil {
				logger.Error("failed to build status", "horizon", name, "error", err)
				httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
				return
			}
			statuses = append(statuses, st)
		}

		if len(statuses) == 1 && r.URL.Query().Get("horizon") != "" {
			if err := httpx.WriteJSON(w, http.StatusOK, statuses[0]); err != nil {
				logger.Error("failed to write JSON response", "error", err)
			}
			return
		}

		if err := httpx.WriteJSON(w, http.StatusOK, map[string]any{"horizons": statuses}); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// Status assembles one horizon's status from the live configuration, the
// deployment state machine, and the latest history record. It is shared by
// the HTTP endpoint and the status subcommand.
func Status(ctx context.Context, mgr *deploy.Manager, store history.Store, horizon string) (HorizonStatus, error) {
	st := HorizonStatus{
		Horizon: horizon,
		State:   string(mgr.State(horizon)),
	}

	active, found, err := mgr.Active(horizon)
	if err != nil {
		return st, fmt.Errorf("load active configuration: %w", err)
	}
	if found {
		st.Active = &active
	}

	latest, found, err := store.Latest(ctx, horizon)
	if err != nil {
		return st, fmt.Errorf("load latest history entry: %w", err)
	}
	if found {
		st.Latest = &latest
	}

	return st, nil
}
