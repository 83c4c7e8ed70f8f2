package rectifier

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glam-monitor/glamd/internal/domain"
	"github.com/glam-monitor/glamd/internal/matchup"
)

type statsKey struct {
	product, collection, mask, region string
	year                              int
}

type fakeCatalog struct {
	processed map[string][]domain.AcquisitionRow
	states    map[string]domain.State
	tables    map[statsKey]domain.StatsTableRef
	nextID    int64
	deleted   []domain.Acquisition
	flags     []domain.StateFlag
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		processed: make(map[string][]domain.AcquisitionRow),
		states:    make(map[string]domain.State),
		tables:    make(map[statsKey]domain.StatsTableRef),
	}
}

func acqStateKey(acq domain.Acquisition) string {
	return fmt.Sprintf("%s|%s|%s", acq.Product, acq.Date.Format("2006-01-02"), acq.Collection)
}

func (f *fakeCatalog) ProcessedAcquisitions(ctx context.Context, product string) ([]domain.AcquisitionRow, error) {
	return f.processed[product], nil
}

func (f *fakeCatalog) ResolveStatsTable(ctx context.Context, product, collection, mask, region string, year int) (domain.StatsTableRef, error) {
	key := statsKey{product, collection, mask, region, year}
	if ref, ok := f.tables[key]; ok {
		return ref, nil
	}
	f.nextID++
	ref := domain.StatsTableRef{StatsID: f.nextID, Name: fmt.Sprintf("stats_%d", f.nextID), Exists: false}
	f.tables[key] = ref
	return ref, nil
}

func (f *fakeCatalog) SetFlag(ctx context.Context, acq domain.Acquisition, flag domain.StateFlag, value bool) error {
	f.flags = append(f.flags, flag)
	return nil
}

func (f *fakeCatalog) AcquisitionState(ctx context.Context, acq domain.Acquisition) (domain.State, bool, error) {
	st, ok := f.states[acqStateKey(acq)]
	return st, ok, nil
}

func (f *fakeCatalog) DeleteAcquisition(ctx context.Context, acq domain.Acquisition) error {
	f.deleted = append(f.deleted, acq)
	return nil
}

type fakeGateway struct {
	deletedKeys []string
}

func (g *fakeGateway) Get(ctx context.Context, key, dest string) (bool, error) { return true, nil }
func (g *fakeGateway) Delete(ctx context.Context, key string) error {
	g.deletedKeys = append(g.deletedKeys, key)
	return nil
}

type fakeDropper struct {
	drops int
}

func (d *fakeDropper) DropColumns(ctx context.Context, ref domain.StatsTableRef, doy int) error {
	d.drops++
	return nil
}

func newRectifier(catalog Catalog, gateway Gateway, policy *matchup.Policy) *Rectifier {
	return New(catalog, gateway, nil, policy, nil, nil,
		func(acq domain.Acquisition) string { return "rasters/" + acq.Product },
		func() string { return "/tmp/x" })
}

func TestScanGaps_NoProductsReportsNoGaps(t *testing.T) {
	catalog := newFakeCatalog()
	gateway := &fakeGateway{}
	policy := matchup.NewDefault()
	r := newRectifier(catalog, gateway, policy)

	gaps, err := r.ScanGaps(t.Context())
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestPurgeSupersededPreliminaries_PurgesWhenDefinitiveCompleted(t *testing.T) {
	catalog := newFakeCatalog()
	gateway := &fakeGateway{}
	policy := matchup.NewDefault()
	dropper := &fakeDropper{}

	date := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	prelimAcq := domain.Acquisition{Product: "chirps-prelim", Date: date, Collection: domain.DefaultCollection}
	defAcq := domain.Acquisition{Product: "chirps", Date: date, Collection: domain.DefaultCollection}

	catalog.processed["chirps-prelim"] = []domain.AcquisitionRow{{Acquisition: prelimAcq}}
	catalog.states[acqStateKey(defAcq)] = domain.State{Downloaded: true, Processed: true, StatGen: true, Completed: true}
	catalog.tables[statsKey{"chirps-prelim", string(domain.DefaultCollection), "nomask", "global", 2026}] = domain.StatsTableRef{StatsID: 1, Name: "stats_1", Exists: true}

	r := New(catalog, gateway, nil, policy, nil, nil,
		func(acq domain.Acquisition) string { return "rasters/" + acq.Product },
		func() string { return "/tmp/x" }).
		WithPreliminaryPurge(dropper, []PreliminaryPair{{Preliminary: "chirps-prelim", Definitive: "chirps"}})

	err := r.purgeSupersededPreliminaries(t.Context())
	require.NoError(t, err)

	assert.Len(t, catalog.deleted, 1)
	assert.Equal(t, prelimAcq, catalog.deleted[0])
	assert.Len(t, gateway.deletedKeys, 1)
	assert.Positive(t, dropper.drops)
}

func TestPurgeSupersededPreliminaries_SkipsWhenDefinitiveIncomplete(t *testing.T) {
	catalog := newFakeCatalog()
	gateway := &fakeGateway{}
	policy := matchup.NewDefault()
	dropper := &fakeDropper{}

	date := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	prelimAcq := domain.Acquisition{Product: "chirps-prelim", Date: date, Collection: domain.DefaultCollection}

	catalog.processed["chirps-prelim"] = []domain.AcquisitionRow{{Acquisition: prelimAcq}}
	// no state recorded for the definitive counterpart: it hasn't completed

	r := New(catalog, gateway, nil, policy, nil, nil,
		func(acq domain.Acquisition) string { return "rasters/" + acq.Product },
		func() string { return "/tmp/x" }).
		WithPreliminaryPurge(dropper, []PreliminaryPair{{Preliminary: "chirps-prelim", Definitive: "chirps"}})

	err := r.purgeSupersededPreliminaries(t.Context())
	require.NoError(t, err)

	assert.Empty(t, catalog.deleted)
	assert.Empty(t, gateway.deletedKeys)
	assert.Zero(t, dropper.drops)
}
