// Package rectifier implements the Rectifier: a background
// daemon that scans already-processed acquisitions for per-(region,mask)
// statistics gaps and replays the aggregation step alone, without
// re-fetching from the original upstream. Its tick loop and isolated-task
// structure (safeRun) follow the teacher's own reaper daemon.
package rectifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/glam-monitor/glamd/internal/domain"
	"github.com/glam-monitor/glamd/internal/matchup"
)

// Catalog is the subset of the Catalog Store the Rectifier depends on.
type Catalog interface {
	ProcessedAcquisitions(ctx context.Context, product string) ([]domain.AcquisitionRow, error)
	ResolveStatsTable(ctx context.Context, product, collection, mask, region string, year int) (domain.StatsTableRef, error)
	SetFlag(ctx context.Context, acq domain.Acquisition, flag domain.StateFlag, value bool) error
	AcquisitionState(ctx context.Context, acq domain.Acquisition) (domain.State, bool, error)
	DeleteAcquisition(ctx context.Context, acq domain.Acquisition) error
}

// ColumnDropper removes one acquisition's contributed columns from a stats
// table, used when purging a preliminary acquisition superseded by its
// definitive counterpart.
type ColumnDropper interface {
	DropColumns(ctx context.Context, ref domain.StatsTableRef, doy int) error
}

// PreliminaryPair names a preliminary product and the definitive product
// that supersedes it once the definitive acquisition at the same date
// completes.
type PreliminaryPair struct {
	Preliminary string
	Definitive  string
}

// Gateway is the subset of the Object Store Gateway the Rectifier depends on.
type Gateway interface {
	Get(ctx context.Context, key, dest string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// ColumnChecker reports whether a stats table already carries the columns
// for one acquisition's day-of-year.
type ColumnChecker interface {
	HasColumns(ctx context.Context, ref domain.StatsTableRef, doy int) (bool, error)
}

// Aggregator replays zonal aggregation + materialization for one
// acquisition restricted to a set of (region, mask) pairs.
type Aggregator interface {
	AggregateAndMaterialize(ctx context.Context, acq domain.Acquisition, localRasterPath string, pairs []matchup.Pair) error
}

// KeyFunc builds the object storage key for an acquisition's canonical raster.
type KeyFunc func(domain.Acquisition) string

// TempFunc returns a fresh local temp file path for a re-download.
type TempFunc func() string

// Gap describes one acquisition's missing (region, mask) coverage.
type Gap struct {
	Acquisition domain.Acquisition
	Pairs       []matchup.Pair
}

// Rectifier periodically scans for and repairs statistics gaps.
type Rectifier struct {
	catalog    Catalog
	gateway    Gateway
	columns    ColumnChecker
	policy     *matchup.Policy
	products   []string
	aggregator Aggregator
	keyOf      KeyFunc
	tempPath   TempFunc
	dropper    ColumnDropper
	preliminaryPairs []PreliminaryPair

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Rectifier over the given products.
func New(catalog Catalog, gateway Gateway, columns ColumnChecker, policy *matchup.Policy, products []string, aggregator Aggregator, keyOf KeyFunc, tempPath TempFunc) *Rectifier {
	return &Rectifier{
		catalog: catalog, gateway: gateway, columns: columns, policy: policy, products: products,
		aggregator: aggregator, keyOf: keyOf, tempPath: tempPath,
	}
}

// WithPreliminaryPurge enables the preliminary-purge safety net: dropper
// removes superseded columns from stats tables, and pairs names which
// preliminary product is superseded by which definitive one.
func (r *Rectifier) WithPreliminaryPurge(dropper ColumnDropper, pairs []PreliminaryPair) *Rectifier {
	r.dropper = dropper
	r.preliminaryPairs = pairs
	return r
}

// Start begins the background rectifier goroutine, ticking every interval.
func (r *Rectifier) Start(ctx context.Context, interval time.Duration) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (r *Rectifier) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// tick runs each independent scan-and-repair step, isolated so a panic or
// error in one does not prevent the others from running on the same tick.
func (r *Rectifier) tick(ctx context.Context) {
	var gaps map[string][]Gap
	r.safeRun("scanGaps", func() {
		g, err := r.ScanGaps(ctx)
		if err != nil {
			slog.Error("rectifier: gap scan failed", "error", err)
			return
		}
		gaps = g
	})

	r.safeRun("rectify", func() {
		if gaps == nil {
			return
		}
		if err := r.Rectify(ctx, gaps); err != nil {
			slog.Error("rectifier: rectify pass failed", "error", err)
		}
	})

	r.safeRun("purgePreliminary", func() {
		// The preliminary-purge sweep is driven by the Orchestrator when a
		// definitive acquisition completes (§4.F tie-breaks); this step is
		// the Rectifier's independent safety net for preliminary rows whose
		// definitive counterpart completed between ticks without the
		// Orchestrator's purge firing (e.g. after a crash mid-cycle).
		if err := r.purgeSupersededPreliminaries(ctx); err != nil {
			slog.Error("rectifier: preliminary purge sweep failed", "error", err)
		}
	})
}

func (r *Rectifier) safeRun(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("rectifier: task panicked", "task", name, "panic", rec)
		}
	}()
	fn()
}

// ScanGaps enumerates processed acquisitions across every configured
// product and reports which (region, mask) pairs are missing statistics
// coverage: either the stats table for that key tuple doesn't exist, or it
// exists but lacks the val/pct columns for the acquisition's day-of-year.
func (r *Rectifier) ScanGaps(ctx context.Context) (map[string][]Gap, error) {
	out := make(map[string][]Gap)

	for _, product := range r.products {
		rows, err := r.catalog.ProcessedAcquisitions(ctx, product)
		if err != nil {
			return nil, domain.Classify(domain.ErrConnectionLost, "rectifier.ScanGaps", err)
		}

		for _, row := range rows {
			missing, err := r.missingPairs(ctx, row.Acquisition)
			if err != nil {
				return nil, err
			}
			if len(missing) > 0 {
				out[product] = append(out[product], Gap{Acquisition: row.Acquisition, Pairs: missing})
			}
		}
	}
	return out, nil
}

func (r *Rectifier) missingPairs(ctx context.Context, acq domain.Acquisition) ([]matchup.Pair, error) {
	doy := acq.Date.YearDay()
	year := acq.Date.Year()

	var missing []matchup.Pair
	for _, region := range r.policy.Regions() {
		for _, mask := range r.policy.MasksFor(region) {
			ref, err := r.catalog.ResolveStatsTable(ctx, acq.Product, string(acq.Collection), mask, region, year)
			if err != nil {
				return nil, domain.Classify(domain.ErrConnectionLost, "rectifier.missingPairs", err)
			}
			if !ref.Exists {
				missing = append(missing, matchup.Pair{Region: region, Mask: mask})
				continue
			}
			has, err := r.columns.HasColumns(ctx, ref, doy)
			if err != nil {
				return nil, domain.Classify(domain.ErrConnectionLost, "rectifier.missingPairs", err)
			}
			if !has {
				missing = append(missing, matchup.Pair{Region: region, Mask: mask})
			}
		}
	}
	return missing, nil
}

// Rectify re-downloads (from object storage, not source) each gapped
// acquisition's raster and replays aggregation restricted to its missing
// pairs, then flips statGen to true.
func (r *Rectifier) Rectify(ctx context.Context, gaps map[string][]Gap) error {
	if r.aggregator == nil {
		return nil
	}
	for _, productGaps := range gaps {
		for _, gap := range productGaps {
			dest := r.tempPath()
			ok, err := r.gateway.Get(ctx, r.keyOf(gap.Acquisition), dest)
			if err != nil {
				return domain.Classify(domain.ErrConnectionLost, "rectifier.Rectify", err)
			}
			if !ok {
				slog.Warn("rectifier: raster missing from object storage, cannot rectify", "product", gap.Acquisition.Product, "date", gap.Acquisition.Date)
				continue
			}

			if err := r.aggregator.AggregateAndMaterialize(ctx, gap.Acquisition, dest, gap.Pairs); err != nil {
				slog.Error("rectifier: re-aggregation failed", "product", gap.Acquisition.Product, "date", gap.Acquisition.Date, "error", err)
				continue
			}

			if err := r.catalog.SetFlag(ctx, gap.Acquisition, domain.StateStatGen, true); err != nil {
				return domain.Classify(domain.ErrConnectionLost, "rectifier.Rectify", err)
			}
		}
	}
	return nil
}

// purgeSupersededPreliminaries is the Rectifier's independent safety net for
// preliminary acquisitions whose definitive counterpart has completed: the
// Orchestrator fires the primary purge inline when a definitive acquisition
// finishes (§4.F tie-breaks), but a crash between the definitive's
// completion and that purge would otherwise leave the preliminary row and
// its stats columns behind forever. This sweep catches that case on the
// next tick regardless of what the Orchestrator managed to do.
//
// It is a no-op until WithPreliminaryPurge configures a dropper and pairs.
func (r *Rectifier) purgeSupersededPreliminaries(ctx context.Context) error {
	if r.dropper == nil {
		return nil
	}

	for _, pair := range r.preliminaryPairs {
		prelimRows, err := r.catalog.ProcessedAcquisitions(ctx, pair.Preliminary)
		if err != nil {
			return domain.Classify(domain.ErrConnectionLost, "rectifier.purgeSupersededPreliminaries", err)
		}

		for _, prelim := range prelimRows {
			definitive := domain.Acquisition{
				Product:    pair.Definitive,
				Date:       prelim.Acquisition.Date,
				Collection: prelim.Acquisition.Collection,
			}
			st, exists, err := r.catalog.AcquisitionState(ctx, definitive)
			if err != nil {
				return domain.Classify(domain.ErrConnectionLost, "rectifier.purgeSupersededPreliminaries", err)
			}
			if !exists || !st.Completed {
				continue
			}

			if err := r.purgeOne(ctx, prelim.Acquisition); err != nil {
				slog.Error("rectifier: preliminary purge failed", "product", prelim.Acquisition.Product, "date", prelim.Acquisition.Date, "error", err)
			}
		}
	}
	return nil
}

// TriggerPurge runs the preliminary-purge sweep immediately, rather than
// waiting for the next tick. The Orchestrator calls this right after a
// definitive acquisition completes, so the common case purges inline and
// the ticked sweep above only ever catches what a crash left behind.
func (r *Rectifier) TriggerPurge(ctx context.Context) error {
	return r.purgeSupersededPreliminaries(ctx)
}

// purgeOne drops one preliminary acquisition's stats columns for every
// matchup pair, deletes its object storage copy, then its catalog row.
func (r *Rectifier) purgeOne(ctx context.Context, acq domain.Acquisition) error {
	doy := acq.Date.YearDay()
	year := acq.Date.Year()

	for _, region := range r.policy.Regions() {
		for _, mask := range r.policy.MasksFor(region) {
			ref, err := r.catalog.ResolveStatsTable(ctx, acq.Product, string(acq.Collection), mask, region, year)
			if err != nil {
				return domain.Classify(domain.ErrConnectionLost, "rectifier.purgeOne", err)
			}
			if !ref.Exists {
				continue
			}
			if err := r.dropper.DropColumns(ctx, ref, doy); err != nil {
				return domain.Classify(domain.ErrAggregationFailure, "rectifier.purgeOne", err)
			}
		}
	}

	if err := r.gateway.Delete(ctx, r.keyOf(acq)); err != nil {
		slog.Warn("rectifier: object storage delete failed during preliminary purge", "error", err)
	}

	if err := r.catalog.DeleteAcquisition(ctx, acq); err != nil {
		return domain.Classify(domain.ErrConnectionLost, "rectifier.purgeOne", err)
	}
	return nil
}
