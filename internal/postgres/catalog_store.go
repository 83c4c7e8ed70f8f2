package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glam-monitor/glamd/internal/domain"
)

// CatalogStore is the Catalog Store: the persisted acquisition
// index plus state flags, and the look-up tables feeding stats table
// resolution. All mutations run inside short transactions.
type CatalogStore struct {
	pool *pgxpool.Pool
}

// NewCatalogStore builds a CatalogStore over an already-migrated pool.
func NewCatalogStore(pool *pgxpool.Pool) *CatalogStore {
	return &CatalogStore{pool: pool}
}

// MissingByProduct returns dates recorded pending (completed = false) for a product.
func (s *CatalogStore) MissingByProduct(ctx context.Context, product string) ([]domain.AcquisitionRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT product, date, collection, downloaded, processed, stat_gen, completed
		FROM product_status
		WHERE product = $1 AND NOT completed
		ORDER BY date
	`, product)
	if err != nil {
		return nil, fmt.Errorf("query missing acquisitions: %w", err)
	}
	defer rows.Close()

	var out []domain.AcquisitionRow
	for rows.Next() {
		var r domain.AcquisitionRow
		var collection string
		if err := rows.Scan(&r.Product, &r.Date, &collection, &r.State.Downloaded, &r.State.Processed, &r.State.StatGen, &r.State.Completed); err != nil {
			return nil, fmt.Errorf("scan acquisition row: %w", err)
		}
		r.Collection = domain.Collection(collection)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestDate returns the most recent date recorded for a product, regardless
// of completion state, and whether any row exists at all.
func (s *CatalogStore) LatestDate(ctx context.Context, product string) (time.Time, bool, error) {
	var d time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT date FROM product_status WHERE product = $1 ORDER BY date DESC LIMIT 1
	`, product).Scan(&d)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query latest date: %w", err)
	}
	return d, true, nil
}

// UpsertPending inserts a pending row for (product, date, collection) if one
// doesn't already exist. Idempotent under concurrent callers and crashes.
func (s *CatalogStore) UpsertPending(ctx context.Context, acq domain.Acquisition) error {
	collection := string(acq.Collection)
	if collection == "" {
		collection = string(domain.DefaultCollection)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO product_status (product, date, collection)
		VALUES ($1, $2, $3)
		ON CONFLICT (product, date, collection) DO NOTHING
	`, acq.Product, acq.Date, collection)
	if err != nil {
		return fmt.Errorf("upsert pending acquisition: %w", err)
	}
	return nil
}

// SetFlag mutates one state flag and re-derives Completed atomically with it,
// maintaining invariant I3 (completed = processed && statGen) on every write.
func (s *CatalogStore) SetFlag(ctx context.Context, acq domain.Acquisition, flag domain.StateFlag, value bool) error {
	collection := string(acq.Collection)
	if collection == "" {
		collection = string(domain.DefaultCollection)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin set-flag transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var st domain.State
	err = tx.QueryRow(ctx, `
		SELECT downloaded, processed, stat_gen, completed
		FROM product_status
		WHERE product = $1 AND date = $2 AND collection = $3
		FOR UPDATE
	`, acq.Product, acq.Date, collection).Scan(&st.Downloaded, &st.Processed, &st.StatGen, &st.Completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("set flag: %w", domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read state for flag update: %w", err)
	}

	switch flag {
	case domain.StateDownloaded:
		st.Downloaded = value
	case domain.StateProcessed:
		st.Processed = value
	case domain.StateStatGen:
		st.StatGen = value
	default:
		return fmt.Errorf("set flag: completed is derived, not directly settable")
	}
	st.Derive()

	_, err = tx.Exec(ctx, `
		UPDATE product_status
		SET downloaded = $1, processed = $2, stat_gen = $3, completed = $4, updated_at = now()
		WHERE product = $5 AND date = $6 AND collection = $7
	`, st.Downloaded, st.Processed, st.StatGen, st.Completed, acq.Product, acq.Date, collection)
	if err != nil {
		return fmt.Errorf("write updated flags: %w", err)
	}

	return tx.Commit(ctx)
}

// DeleteAcquisition removes a catalog row outright, used by the preliminary
// precipitation purge path (§4.F tie-breaks).
func (s *CatalogStore) DeleteAcquisition(ctx context.Context, acq domain.Acquisition) error {
	collection := string(acq.Collection)
	if collection == "" {
		collection = string(domain.DefaultCollection)
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM product_status WHERE product = $1 AND date = $2 AND collection = $3
	`, acq.Product, acq.Date, collection)
	if err != nil {
		return fmt.Errorf("delete acquisition: %w", err)
	}
	return nil
}

// ProcessedAcquisitions lists every acquisition with processed = true, for
// the Rectifier's gap scan and the reconciliation pass in §7.
func (s *CatalogStore) ProcessedAcquisitions(ctx context.Context, product string) ([]domain.AcquisitionRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT product, date, collection, downloaded, processed, stat_gen, completed
		FROM product_status
		WHERE product = $1 AND processed
		ORDER BY date
	`, product)
	if err != nil {
		return nil, fmt.Errorf("query processed acquisitions: %w", err)
	}
	defer rows.Close()

	var out []domain.AcquisitionRow
	for rows.Next() {
		var r domain.AcquisitionRow
		var collection string
		if err := rows.Scan(&r.Product, &r.Date, &collection, &r.State.Downloaded, &r.State.Processed, &r.State.StatGen, &r.State.Completed); err != nil {
			return nil, fmt.Errorf("scan acquisition row: %w", err)
		}
		r.Collection = domain.Collection(collection)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AcquisitionState returns the state flags for one acquisition, and whether
// a row for it exists at all. Used by the preliminary-purge sweep to check
// whether a definitive acquisition has completed before purging its
// preliminary counterpart.
func (s *CatalogStore) AcquisitionState(ctx context.Context, acq domain.Acquisition) (domain.State, bool, error) {
	collection := string(acq.Collection)
	if collection == "" {
		collection = string(domain.DefaultCollection)
	}
	var st domain.State
	err := s.pool.QueryRow(ctx, `
		SELECT downloaded, processed, stat_gen, completed
		FROM product_status
		WHERE product = $1 AND date = $2 AND collection = $3
	`, acq.Product, acq.Date, collection).Scan(&st.Downloaded, &st.Processed, &st.StatGen, &st.Completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.State{}, false, nil
	}
	if err != nil {
		return domain.State{}, false, fmt.Errorf("query acquisition state: %w", err)
	}
	return st, true, nil
}

// getOrCreateLookup resolves a name to its surrogate id in a small look-up
// table, creating the row on first use. Races are resolved by ON CONFLICT.
func getOrCreateLookup(ctx context.Context, pool *pgxpool.Pool, table, idCol, nameCol, name string) (int, error) {
	var id int
	err := pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES ($1)
		ON CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s
		RETURNING %s
	`, table, nameCol, nameCol, nameCol, nameCol, idCol), name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolve %s %q: %w", table, name, err)
	}
	return id, nil
}

// getOrCreateProduct resolves a (name, collection) pair to its surrogate id.
// Collection is part of the conflict key because a single product (e.g.
// merra-2) can carry multiple collections (min/mean/max), each of which
// must resolve to its own stats table rather than sharing one.
func getOrCreateProduct(ctx context.Context, pool *pgxpool.Pool, name, collection string) (int, error) {
	var id int
	err := pool.QueryRow(ctx, `
		INSERT INTO products (name, collection) VALUES ($1, $2)
		ON CONFLICT (name, collection) DO UPDATE SET collection = EXCLUDED.collection
		RETURNING product_id
	`, name, collection).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolve product %q collection %q: %w", name, collection, err)
	}
	return id, nil
}

// ResolveStatsTable implements the idempotent 5-tuple -> physical table
// resolution described in §4.B and property P2. Collection participates in
// the product lookup so each collection of a product (e.g. merra-2's
// min/mean/max) gets its own stats table.
func (s *CatalogStore) ResolveStatsTable(ctx context.Context, product, collection, mask, region string, year int) (domain.StatsTableRef, error) {
	if collection == "" {
		collection = string(domain.DefaultCollection)
	}
	productID, err := getOrCreateProduct(ctx, s.pool, product, collection)
	if err != nil {
		return domain.StatsTableRef{}, err
	}
	maskID, err := getOrCreateLookup(ctx, s.pool, "masks", "mask_id", "name", mask)
	if err != nil {
		return domain.StatsTableRef{}, err
	}
	regionID, err := getOrCreateLookup(ctx, s.pool, "regions", "region_id", "name", region)
	if err != nil {
		return domain.StatsTableRef{}, err
	}

	var statsID int64
	var tableCreated bool
	err = s.pool.QueryRow(ctx, `
		INSERT INTO stats (product_id, mask_id, region_id, year)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id, mask_id, region_id, year)
		DO UPDATE SET year = EXCLUDED.year
		RETURNING stats_id, table_created
	`, productID, maskID, regionID, year).Scan(&statsID, &tableCreated)
	if err != nil {
		return domain.StatsTableRef{}, fmt.Errorf("resolve stats table: %w", err)
	}

	return domain.StatsTableRef{
		StatsID: statsID,
		Name:    fmt.Sprintf("stats_%d", statsID),
		Exists:  tableCreated,
	}, nil
}

// MarkStatsTableCreated flips the table_created flag after the Materializer
// physically creates the wide table for this ref.
func (s *CatalogStore) MarkStatsTableCreated(ctx context.Context, statsID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE stats SET table_created = TRUE WHERE stats_id = $1`, statsID)
	if err != nil {
		return fmt.Errorf("mark stats table created: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
