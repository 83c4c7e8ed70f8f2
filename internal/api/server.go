// Package api implements the Operator HTTP Surface: liveness
// and readiness probes, per-product cycle status, and a manual cycle
// trigger. It is not the data query API the distillation explicitly
// excludes — there are no pipeline, namespace, or run endpoints here, only
// the handful an operator needs to watch and nudge the cycle driver.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// CycleRunner is the subset of the Orchestrator the HTTP surface depends on.
type CycleRunner interface {
	RunCycle(ctx context.Context) error
}

// Catalog is the subset of the Catalog Store the status endpoint depends on.
type Catalog interface {
	LatestDate(ctx context.Context, product string) (time.Time, bool, error)
}

// Server holds the Operator HTTP Surface's dependencies. Any field left nil
// disables only the endpoints that need it — DBHealth and ObjectHealth gate
// their own readiness check entries, Orchestrator gates /trigger.
type Server struct {
	DBHealth     HealthChecker
	ObjectHealth HealthChecker
	Orchestrator CycleRunner
	Products     []string
	Catalog      Catalog
	CORSOrigins  []string

	// APIKey gates every route except GET /health behind a static bearer
	// token. Empty disables auth, the right default for a surface reachable
	// only from inside its own network.
	APIKey string
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
