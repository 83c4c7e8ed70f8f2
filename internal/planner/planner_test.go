package planner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glam-monitor/glamd/internal/domain"
	"github.com/glam-monitor/glamd/internal/planner"
	"github.com/glam-monitor/glamd/internal/probe"
	"github.com/glam-monitor/glamd/internal/registry"
)

type fakeCatalog struct {
	missing  []domain.AcquisitionRow
	latest   time.Time
	hasLast  bool
	upserted []domain.Acquisition
}

func (f *fakeCatalog) MissingByProduct(ctx context.Context, product string) ([]domain.AcquisitionRow, error) {
	return f.missing, nil
}

func (f *fakeCatalog) LatestDate(ctx context.Context, product string) (time.Time, bool, error) {
	return f.latest, f.hasLast, nil
}

func (f *fakeCatalog) UpsertPending(ctx context.Context, acq domain.Acquisition) error {
	f.upserted = append(f.upserted, acq)
	return nil
}

type fakeProber struct {
	no map[string]bool
}

func (f *fakeProber) Check(ctx context.Context, acq domain.Acquisition) (probe.Result, error) {
	if f.no[acq.Date.Format("2006-01-02")] {
		return probe.Result{Outcome: probe.OutcomeDefinitiveNo}, nil
	}
	return probe.Result{Outcome: probe.OutcomeYes}, nil
}

func TestPlanner_Plan_UnionsMissingAndExpected(t *testing.T) {
	reg := registry.New()
	cat := &fakeCatalog{
		latest:  time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		hasLast: true,
	}
	p := planner.New(cat, reg, nil)

	acqs, err := p.Plan(context.Background(), "chirps")
	require.NoError(t, err)
	assert.NotEmpty(t, acqs)
	for i := 1; i < len(acqs); i++ {
		assert.True(t, acqs[i-1].Date.Before(acqs[i].Date) || acqs[i-1].Date.Equal(acqs[i].Date))
	}
}

func TestPlanner_Plan_UnknownProductErrors(t *testing.T) {
	reg := registry.New()
	cat := &fakeCatalog{}
	p := planner.New(cat, reg, nil)

	_, err := p.Plan(context.Background(), "not-a-product")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrBadInput))
}

func TestPlanner_FilterAvailable_DropsDefinitiveNo(t *testing.T) {
	reg := registry.New()
	cat := &fakeCatalog{}
	no := time.Date(2020, 5, 5, 0, 0, 0, 0, time.UTC)
	yes := time.Date(2020, 5, 6, 0, 0, 0, 0, time.UTC)
	prober := &fakeProber{no: map[string]bool{no.Format("2006-01-02"): true}}
	p := planner.New(cat, reg, prober)

	candidates := []domain.Acquisition{
		{Product: "chirps", Date: no},
		{Product: "chirps", Date: yes},
	}
	filtered, err := p.FilterAvailable(context.Background(), candidates)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.True(t, filtered[0].Date.Equal(yes))
}

func TestPlanner_FilterAvailable_NoProberPassesThrough(t *testing.T) {
	reg := registry.New()
	cat := &fakeCatalog{}
	p := planner.New(cat, reg, nil)

	candidates := []domain.Acquisition{{Product: "chirps", Date: time.Now()}}
	filtered, err := p.FilterAvailable(context.Background(), candidates)
	require.NoError(t, err)
	assert.Equal(t, candidates, filtered)
}
