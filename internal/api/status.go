package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// productStatus is one product's entry in the GET /status response.
type productStatus struct {
	Product      string `json:"product"`
	LatestDate   string `json:"latest_date,omitempty"`
	HasAnyRecord bool   `json:"has_any_record"`
}

// HandleStatus reports every configured product's latest known acquisition
// date, letting an operator see at a glance which products have fallen
// behind without querying the catalog directly.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if s.Catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog store not configured")
		return
	}
	out := make([]productStatus, 0, len(s.Products))
	for _, product := range s.Products {
		latest, ok, err := s.Catalog.LatestDate(r.Context(), product)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		entry := productStatus{Product: product, HasAnyRecord: ok}
		if ok {
			entry.LatestDate = latest.Format("2006-01-02")
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleProductStatus reports a single product's latest acquisition date.
func (s *Server) HandleProductStatus(w http.ResponseWriter, r *http.Request) {
	if s.Catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog store not configured")
		return
	}
	product := chi.URLParam(r, "product")
	latest, ok, err := s.Catalog.LatestDate(r.Context(), product)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entry := productStatus{Product: product, HasAnyRecord: ok}
	if ok {
		entry.LatestDate = latest.Format("2006-01-02")
	}
	writeJSON(w, http.StatusOK, entry)
}
