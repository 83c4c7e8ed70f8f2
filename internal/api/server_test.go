package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glam-monitor/glamd/internal/api"
)

type fakeCatalog struct {
	latest map[string]time.Time
}

func (c *fakeCatalog) LatestDate(ctx context.Context, product string) (time.Time, bool, error) {
	d, ok := c.latest[product]
	return d, ok, nil
}

type fakeCycleRunner struct {
	ran chan struct{}
}

func (r *fakeCycleRunner) RunCycle(ctx context.Context) error {
	close(r.ran)
	return nil
}

func TestHandleHealthLive_AlwaysOK(t *testing.T) {
	s := &api.Server{}
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.HandleHealthLive(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleStatus_ReportsLatestDatePerProduct(t *testing.T) {
	s := &api.Server{
		Products: []string{"chirps", "merra-2"},
		Catalog:  &fakeCatalog{latest: map[string]time.Time{"chirps": time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}},
	}
	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.HandleStatus(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var body []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body, 2)
	assert.Equal(t, "2026-03-01", body[0]["latest_date"])
	assert.Equal(t, false, body[1]["has_any_record"])
}

func TestHandleTrigger_FiresRunCycleAsync(t *testing.T) {
	runner := &fakeCycleRunner{ran: make(chan struct{})}
	s := &api.Server{Orchestrator: runner}
	r := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	w := httptest.NewRecorder()
	s.HandleTrigger(w, r)
	assert.Equal(t, http.StatusAccepted, w.Code)

	select {
	case <-runner.ran:
	case <-time.After(time.Second):
		t.Fatal("RunCycle was not invoked")
	}
}

func TestHandleTrigger_NoOrchestratorIsUnavailable(t *testing.T) {
	s := &api.Server{}
	r := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	w := httptest.NewRecorder()
	s.HandleTrigger(w, r)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
