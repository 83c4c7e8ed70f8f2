package postgres_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glam-monitor/glamd/internal/domain"
	"github.com/glam-monitor/glamd/internal/postgres"
)

func TestCatalogStore_UpsertPendingIsIdempotent(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewCatalogStore(pool)
	ctx := t.Context()

	acq := domain.Acquisition{Product: "chirps", Date: date(2019, 12, 1)}
	require.NoError(t, store.UpsertPending(ctx, acq))
	require.NoError(t, store.UpsertPending(ctx, acq))

	rows, err := store.MissingByProduct(ctx, "chirps")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCatalogStore_SetFlag_DerivesCompleted(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewCatalogStore(pool)
	ctx := t.Context()

	acq := domain.Acquisition{Product: "chirps", Date: date(2019, 12, 1)}
	require.NoError(t, store.UpsertPending(ctx, acq))

	require.NoError(t, store.SetFlag(ctx, acq, domain.StateProcessed, true))
	rows, err := store.MissingByProduct(ctx, "chirps")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].State.Processed)
	assert.False(t, rows[0].State.Completed)

	require.NoError(t, store.SetFlag(ctx, acq, domain.StateStatGen, true))
	rows, err = store.MissingByProduct(ctx, "chirps")
	require.NoError(t, err)
	assert.Len(t, rows, 0, "acquisition should no longer be missing once completed")
}

func TestCatalogStore_LatestDate_NoRowsReturnsFalse(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewCatalogStore(pool)
	ctx := t.Context()

	_, ok, err := store.LatestDate(ctx, "chirps")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalogStore_ResolveStatsTable_IdempotentUnderConcurrentCalls(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewCatalogStore(pool)
	ctx := t.Context()

	const n = 8
	ids := make(chan int64, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			ref, err := store.ResolveStatsTable(ctx, "chirps", "0", "maize", "kenya", 2019)
			ids <- ref.StatsID
			errs <- err
		}()
	}

	seen := map[int64]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
		seen[<-ids] = true
	}
	assert.Len(t, seen, 1, "all concurrent callers must converge on one stats id")
}

func TestCatalogStore_ResolveStatsTable_DistinctCollectionsGetDistinctTables(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewCatalogStore(pool)
	ctx := t.Context()

	min, err := store.ResolveStatsTable(ctx, "merra-2", "min", "maize", "kenya", 2019)
	require.NoError(t, err)
	mean, err := store.ResolveStatsTable(ctx, "merra-2", "mean", "maize", "kenya", 2019)
	require.NoError(t, err)
	max, err := store.ResolveStatsTable(ctx, "merra-2", "max", "maize", "kenya", 2019)
	require.NoError(t, err)

	assert.NotEqual(t, min.StatsID, mean.StatsID)
	assert.NotEqual(t, mean.StatsID, max.StatsID)
	assert.NotEqual(t, min.StatsID, max.StatsID)

	again, err := store.ResolveStatsTable(ctx, "merra-2", "mean", "maize", "kenya", 2019)
	require.NoError(t, err)
	assert.Equal(t, mean.StatsID, again.StatsID, "re-resolving the same collection must be idempotent")
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
