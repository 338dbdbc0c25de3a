package cli

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/forksync/internal/metrics"
	"github.com/roach88/forksync/internal/replication"
)

// newOpsRouter serves Prometheus metrics and a health check reporting the
// replication state. /healthz answers 503 once the replication stopped.
func newOpsRouter(reg *metrics.Registry, r *replication.Replication) http.Handler {
	router := chi.NewRouter()

	router.Method(http.MethodGet, "/metrics", reg.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		state := r.State()
		status := http.StatusOK
		if state == replication.StateStopped {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":      http.StatusText(status),
			"replication": r.Identifier(),
			"state":       state.String(),
		})
	})

	return router
}
