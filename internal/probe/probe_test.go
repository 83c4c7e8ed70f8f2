package probe_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glam-monitor/glamd/internal/domain"
	"github.com/glam-monitor/glamd/internal/probe"
)

func acq(product string, date time.Time) domain.Acquisition {
	return domain.Acquisition{Product: product, Date: date}
}

func TestProber_URLHeadFamily_DefinitiveNoOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	fam := probe.NewURLHeadFamily(srv.URL, srv.Client(), func(domain.Acquisition) string { return srv.URL }, "")
	p := probe.New(probe.Config{}, map[string]probe.Family{"chirps": fam})

	res, err := p.Check(context.Background(), acq("chirps", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, probe.OutcomeDefinitiveNo, res.Outcome)
	assert.False(t, res.Available())
}

func TestProber_URLHeadFamily_YesOn200WithContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fam := probe.NewURLHeadFamily(srv.URL, srv.Client(), func(domain.Acquisition) string { return srv.URL }, "application/octet-stream")
	p := probe.New(probe.Config{}, map[string]probe.Family{"chirps": fam})

	res, err := p.Check(context.Background(), acq("chirps", time.Now()))
	require.NoError(t, err)
	assert.True(t, res.Available())
}

func TestProber_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fam := probe.NewURLHeadFamily(srv.URL, srv.Client(), func(domain.Acquisition) string { return srv.URL }, "")
	p := probe.New(probe.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, map[string]probe.Family{"chirps": fam})

	res, err := p.Check(context.Background(), acq("chirps", time.Now()))
	require.NoError(t, err)
	assert.True(t, res.Available())
	assert.GreaterOrEqual(t, calls, 2)
}

func TestProber_UnknownProduct_ReturnsBadInputError(t *testing.T) {
	p := probe.New(probe.Config{}, map[string]probe.Family{})
	_, err := p.Check(context.Background(), acq("unknown", time.Now()))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrBadInput))
}

func TestProber_CatalogFamily_MatchesByYearDay(t *testing.T) {
	target := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	lookup := func(ctx context.Context, product string, near time.Time) ([]time.Time, error) {
		return []time.Time{target}, nil
	}
	fam := probe.NewCatalogFamily("modis-archive", lookup)
	p := probe.New(probe.Config{}, map[string]probe.Family{"MOD13Q1": fam})

	res, err := p.Check(context.Background(), acq("MOD13Q1", target))
	require.NoError(t, err)
	assert.True(t, res.Available())

	other := target.AddDate(0, 0, 1)
	res, err = p.Check(context.Background(), acq("MOD13Q1", other))
	require.NoError(t, err)
	assert.Equal(t, probe.OutcomeDefinitiveNo, res.Outcome)
}

func TestProber_BreakerTripsAfterConsecutiveTransientFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fam := probe.NewURLHeadFamily(srv.URL, srv.Client(), func(domain.Acquisition) string { return srv.URL }, "")
	p := probe.New(probe.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, BreakerMaxFails: 2, BreakerResetWait: time.Hour},
		map[string]probe.Family{"chirps": fam})

	for i := 0; i < 2; i++ {
		res, err := p.Check(context.Background(), acq("chirps", time.Now()))
		require.NoError(t, err)
		assert.Equal(t, probe.OutcomeTransient, res.Outcome)
	}
	callsBeforeTrip := calls

	res, err := p.Check(context.Background(), acq("chirps", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, probe.OutcomeTransient, res.Outcome)
	assert.Equal(t, callsBeforeTrip, calls, "breaker should fast-fail without hitting the upstream again")
}

func TestProber_HTTPListingFamily_RequiresFullWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "temp-20200101.nc4\ntemp-20200102.nc4\n")
	}))
	defer srv.Close()

	pattern := func(day time.Time) *regexp.Regexp {
		return regexp.MustCompile(fmt.Sprintf(`temp-%s\.nc4`, day.Format("20060102")))
	}
	fam := probe.NewHTTPListingFamily(srv.URL, srv.Client(), func(domain.Acquisition) string { return srv.URL }, pattern, 2)
	p := probe.New(probe.Config{}, map[string]probe.Family{"temp": fam})

	res, err := p.Check(context.Background(), acq("temp", time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.True(t, res.Available())

	res, err = p.Check(context.Background(), acq("temp", time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, probe.OutcomeDefinitiveNo, res.Outcome)
}
