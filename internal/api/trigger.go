package api

import (
	"context"
	"log/slog"
	"net/http"
)

// HandleTrigger fires one RunCycle outside its normal schedule. The cycle
// runs in the background — an operator watching for a stuck pipeline
// shouldn't have to keep an HTTP connection open for however long a full
// cycle takes — and any failure is logged rather than returned, matching
// RunCycle's own per-product error isolation.
func (s *Server) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.Orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}
	go func() {
		if err := s.Orchestrator.RunCycle(context.Background()); err != nil {
			slog.Error("api: manually triggered cycle failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}
