// Package materializer implements the Statistics Materializer:
// wide per-(product,mask,region,year) table management with incremental
// val.{doy}/pct.{doy} column pairs, split into separate DDL and DML
// transactions so schema changes never hold a lock across row mutation.
package materializer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glam-monitor/glamd/internal/domain"
)

// Materializer owns the wide stats_{N} tables.
type Materializer struct {
	pool *pgxpool.Pool
}

// New builds a Materializer over the catalog's connection pool.
func New(pool *pgxpool.Pool) *Materializer {
	return &Materializer{pool: pool}
}

func valCol(doy int) string { return fmt.Sprintf("val.%03d", doy) }
func pctCol(doy int) string { return fmt.Sprintf("pct.%03d", doy) }

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// Materialize applies one acquisition's zonal results into the table
// identified by ref, for acquisition day-of-year doy. If the table doesn't
// exist yet it is created with the base columns; otherwise the val/pct
// columns are added if missing (SchemaRace-tolerant) and rows are
// updated-or-inserted.
func (m *Materializer) Materialize(ctx context.Context, ref domain.StatsTableRef, doy int, results map[int]domain.RegionStats) error {
	if !ref.Exists {
		if err := m.createTable(ctx, ref, doy, results); err != nil {
			return domain.Classify(domain.ErrAggregationFailure, "materializer.createTable", err)
		}
		return nil
	}
	if err := m.ensureColumns(ctx, ref, doy); err != nil {
		return domain.Classify(domain.ErrAggregationFailure, "materializer.ensureColumns", err)
	}
	if err := m.upsertRows(ctx, ref, doy, results); err != nil {
		return domain.Classify(domain.ErrAggregationFailure, "materializer.upsertRows", err)
	}
	return nil
}

// createTable builds the table, including the first pair of doy columns, and
// inserts one row per region in a single DDL-then-insert sequence since the
// table doesn't exist anywhere else to race against yet.
func (m *Materializer) createTable(ctx context.Context, ref domain.StatsTableRef, doy int, results map[int]domain.RegionStats) error {
	table := quoteIdent(ref.Name)
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			admin INTEGER PRIMARY KEY,
			arable INTEGER NOT NULL,
			%s DOUBLE PRECISION,
			%s DOUBLE PRECISION
		)
	`, table, quoteIdent(valCol(doy)), quoteIdent(pctCol(doy)))

	if _, err := m.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create stats table %s: %w", ref.Name, err)
	}
	indexDDL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (admin)`, quoteIdent(ref.Name+"_admin_idx"), table)
	if _, err := m.pool.Exec(ctx, indexDDL); err != nil {
		return fmt.Errorf("create admin index on %s: %w", ref.Name, err)
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	insertSQL := fmt.Sprintf(`
		INSERT INTO %s (admin, arable, %s, %s) VALUES ($1, $2, $3, $4)
		ON CONFLICT (admin) DO UPDATE SET %s = EXCLUDED.%s, %s = EXCLUDED.%s
	`, table, quoteIdent(valCol(doy)), quoteIdent(pctCol(doy)),
		quoteIdent(valCol(doy)), quoteIdent(valCol(doy)), quoteIdent(pctCol(doy)), quoteIdent(pctCol(doy)))

	for region, rs := range results {
		if _, err := tx.Exec(ctx, insertSQL, region, rs.ArablePixels, rs.MeanValue, rs.PercentObserved); err != nil {
			return fmt.Errorf("insert region %d row: %w", region, err)
		}
	}

	return tx.Commit(ctx)
}

// ensureColumns adds the val/pct columns for doy if missing. Runs in its own
// short transaction so it never holds a DDL lock across row mutation.
func (m *Materializer) ensureColumns(ctx context.Context, ref domain.StatsTableRef, doy int) error {
	table := quoteIdent(ref.Name)
	for _, col := range []string{valCol(doy), pctCol(doy)} {
		ddl := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s DOUBLE PRECISION`, table, quoteIdent(col))
		if _, err := m.pool.Exec(ctx, ddl); err != nil {
			if isAlreadyExists(err) {
				continue // SchemaRace: a concurrent caller won, treat as success
			}
			return fmt.Errorf("add column %s: %w", col, err)
		}
	}
	return nil
}

// upsertRows writes one acquisition's per-region results in its own
// transaction, separate from any DDL.
func (m *Materializer) upsertRows(ctx context.Context, ref domain.StatsTableRef, doy int, results map[int]domain.RegionStats) error {
	table := quoteIdent(ref.Name)
	valC := quoteIdent(valCol(doy))
	pctC := quoteIdent(pctCol(doy))

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin row transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	updateSQL := fmt.Sprintf(`UPDATE %s SET %s = $1, %s = $2 WHERE admin = $3`, table, valC, pctC)
	insertSQL := fmt.Sprintf(`INSERT INTO %s (admin, arable, %s, %s) VALUES ($1, $2, $3, $4)`, table, valC, pctC)

	for region, rs := range results {
		tag, err := tx.Exec(ctx, updateSQL, rs.MeanValue, rs.PercentObserved, region)
		if err != nil {
			return fmt.Errorf("update region %d row: %w", region, err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := tx.Exec(ctx, insertSQL, region, rs.ArablePixels, rs.MeanValue, rs.PercentObserved); err != nil {
				return fmt.Errorf("insert region %d row: %w", region, err)
			}
		}
	}

	return tx.Commit(ctx)
}

// DropColumns removes a single acquisition's contributed columns, used by
// the preliminary-product purge path (§4.F, §8 scenario 4).
func (m *Materializer) DropColumns(ctx context.Context, ref domain.StatsTableRef, doy int) error {
	table := quoteIdent(ref.Name)
	for _, col := range []string{valCol(doy), pctCol(doy)} {
		ddl := fmt.Sprintf(`ALTER TABLE %s DROP COLUMN IF EXISTS %s`, table, quoteIdent(col))
		if _, err := m.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("drop column %s: %w", col, err)
		}
	}
	return nil
}

// HasColumns reports whether the val/pct pair for doy physically exists on
// the table, used by the Rectifier's gap scan.
func (m *Materializer) HasColumns(ctx context.Context, ref domain.StatsTableRef, doy int) (bool, error) {
	var count int
	err := m.pool.QueryRow(ctx, `
		SELECT count(*) FROM information_schema.columns
		WHERE table_name = $1 AND column_name IN ($2, $3)
	`, ref.Name, valCol(doy), pctCol(doy)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check columns on %s: %w", ref.Name, err)
	}
	return count == 2, nil
}

func isAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42701" // duplicate_column
	}
	return false
}
