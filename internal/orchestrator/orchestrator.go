// Package orchestrator implements the cycle driver: for each
// configured product, it plans gaps, filters them by upstream availability,
// runs the fetch plan, publishes the normalized raster, aggregates it against
// every permitted (region, mask) pair, and materializes the result — flagging
// the acquisition complete only once every step has succeeded. Concurrency
// across products is bounded the way the teacher's own background-goroutine
// TODO recommends: an errgroup with a fixed concurrency ceiling rather than
// unbounded fan-out, while acquisitions within one product are processed in
// order so a later one never publishes ahead of an earlier failed one.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/glam-monitor/glamd/internal/domain"
	"github.com/glam-monitor/glamd/internal/matchup"
	"github.com/glam-monitor/glamd/internal/pipeline"
	"github.com/glam-monitor/glamd/internal/rectifier"
	"github.com/glam-monitor/glamd/internal/registry"
)

// Planner is the subset of the Gap Planner the Orchestrator depends on.
type Planner interface {
	Plan(ctx context.Context, product string) ([]domain.Acquisition, error)
	FilterAvailable(ctx context.Context, candidates []domain.Acquisition) ([]domain.Acquisition, error)
}

// Gateway is the subset of the Object Store Gateway the Orchestrator depends on.
type Gateway interface {
	Put(ctx context.Context, key, localPath string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Catalog is the subset of the Catalog Store the Orchestrator depends on.
type Catalog interface {
	UpsertPending(ctx context.Context, acq domain.Acquisition) error
	SetFlag(ctx context.Context, acq domain.Acquisition, flag domain.StateFlag, value bool) error
	ResolveStatsTable(ctx context.Context, product, collection, mask, region string, year int) (domain.StatsTableRef, error)
	MarkStatsTableCreated(ctx context.Context, statsID int64) error
	ProcessedAcquisitions(ctx context.Context, product string) ([]domain.AcquisitionRow, error)
}

// Materializer is the subset of the Statistics Materializer the Orchestrator
// depends on.
type Materializer interface {
	Materialize(ctx context.Context, ref domain.StatsTableRef, doy int, results map[int]domain.RegionStats) error
}

// PurgeTrigger is implemented by *rectifier.Rectifier; injected so a
// successful definitive acquisition can fire the preliminary-purge sweep
// inline instead of waiting for the Rectifier's own next tick.
type PurgeTrigger interface {
	TriggerPurge(ctx context.Context) error
}

// ZonalFunc runs a windowed zonal aggregation pass; a package-level function
// by default (zonal.Zonal) but swappable in tests.
type ZonalFunc func(ctx context.Context, productPath string, maskPath *string, regionPath string, nWorkers, blockScale int) (map[int]domain.RegionStats, error)

// FetchFunc runs one product's fetch plan against a scratch directory.
// Orchestrator holds one per product, since each plan's Pipeline method
// takes a different parameter shape (URLs, subdataset names, day-window
// callback) that only the caller building the fetch plan configuration
// knows how to construct from the Product Registry.
type FetchFunc func(ctx context.Context, p *pipeline.Pipeline, acq domain.Acquisition, tempDir string) (pipeline.Result, error)

// RegionResolver maps a matchup region name to its region raster path.
type RegionResolver func(region string) (string, bool)

// MaskResolver maps a matchup mask name to its mask raster path, or nil for
// the identity mask ("nomask").
type MaskResolver func(mask string) *string

// Config wires every per-deployment dependency and the static per-product
// fetch plan table.
type Config struct {
	Products           []string
	Fetch              map[string]FetchFunc
	ProductConcurrency int
	NWorkers           int
	BlockScale         int
	RegionRaster       RegionResolver
	MaskRaster         MaskResolver
	PreliminaryPairs   []rectifier.PreliminaryPair
}

// Orchestrator drives one full acquisition cycle across every configured product.
type Orchestrator struct {
	planner      Planner
	gateway      Gateway
	catalog      Catalog
	materializer Materializer
	pipeline     *pipeline.Pipeline
	registry     *registry.Registry
	matchup      *matchup.Policy
	zonal        ZonalFunc
	rectifier    PurgeTrigger

	products           []string
	fetch              map[string]FetchFunc
	productConcurrency int
	nWorkers           int
	blockScale         int
	regionRaster       RegionResolver
	maskRaster         MaskResolver
	preliminaryPairs   []rectifier.PreliminaryPair

	cron *cron.Cron
}

// New builds an Orchestrator. zonalFn defaults to zonal.Zonal in production
// wiring; it is a parameter here so orchestrator_test.go can substitute a
// fake that needs no real raster files.
func New(planner Planner, gateway Gateway, catalog Catalog, materializer Materializer,
	pl *pipeline.Pipeline, reg *registry.Registry, policy *matchup.Policy, zonalFn ZonalFunc,
	cfg Config) *Orchestrator {
	concurrency := cfg.ProductConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	nWorkers := cfg.NWorkers
	if nWorkers <= 0 {
		nWorkers = 1
	}
	blockScale := cfg.BlockScale
	if blockScale <= 0 {
		blockScale = 1
	}
	return &Orchestrator{
		planner: planner, gateway: gateway, catalog: catalog, materializer: materializer,
		pipeline: pl, registry: reg, matchup: policy, zonal: zonalFn,
		products: cfg.Products, fetch: cfg.Fetch, productConcurrency: concurrency,
		nWorkers: nWorkers, blockScale: blockScale,
		regionRaster: cfg.RegionRaster, maskRaster: cfg.MaskRaster,
		preliminaryPairs: cfg.PreliminaryPairs,
	}
}

// WithPurgeTrigger wires the Rectifier's inline purge hook, fired after a
// definitive acquisition completes successfully.
func (o *Orchestrator) WithPurgeTrigger(r PurgeTrigger) *Orchestrator {
	o.rectifier = r
	return o
}

// RunCycle plans, fetches, publishes, and aggregates every available
// acquisition across every configured product. Products run concurrently up
// to the configured ceiling; a failure processing one acquisition is logged
// and does not stop the rest of that product's backlog or any other
// product's run.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(o.productConcurrency)

	for _, product := range o.products {
		product := product
		g.Go(func() error {
			o.runProduct(ctx, product)
			return nil
		})
	}
	return g.Wait()
}

// Start runs RunCycle on the given cron schedule until Stop is called. A
// cycle still in flight when the next tick arrives is left to finish and
// that tick is skipped, rather than overlapping two cycles against the
// same catalog rows.
func (o *Orchestrator) Start(ctx context.Context, cronExpr string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := c.AddFunc(cronExpr, func() {
		if err := o.RunCycle(ctx); err != nil {
			slog.Error("orchestrator: cycle failed", "error", err)
		}
	})
	if err != nil {
		return domain.Classify(domain.ErrBadInput, "orchestrator.Start", fmt.Errorf("parse cron expression %q: %w", cronExpr, err))
	}
	o.cron = c
	c.Start()
	return nil
}

// Stop waits for any in-flight cycle to finish, then halts the scheduler.
func (o *Orchestrator) Stop() {
	if o.cron == nil {
		return
	}
	<-o.cron.Stop().Done()
}

func (o *Orchestrator) runProduct(ctx context.Context, product string) {
	if err := o.Reconcile(ctx, product); err != nil {
		slog.Error("orchestrator: reconciliation failed", "product", product, "error", err)
	}

	candidates, err := o.planner.Plan(ctx, product)
	if err != nil {
		slog.Error("orchestrator: plan failed", "product", product, "error", err)
		return
	}

	available, err := o.planner.FilterAvailable(ctx, candidates)
	if err != nil {
		slog.Error("orchestrator: availability filter failed", "product", product, "error", err)
		return
	}

	for _, acq := range available {
		if err := o.processAcquisition(ctx, product, acq); err != nil {
			slog.Error("orchestrator: acquisition failed", "product", product, "date", acq.Date, "error", err)
		}
	}
}

func (o *Orchestrator) processAcquisition(ctx context.Context, product string, acq domain.Acquisition) error {
	prod, ok := o.registry.Get(product)
	if !ok {
		return domain.Classify(domain.ErrBadInput, "orchestrator.processAcquisition", fmt.Errorf("unknown product %q", product))
	}
	fetchFn, ok := o.fetch[product]
	if !ok {
		return domain.Classify(domain.ErrBadInput, "orchestrator.processAcquisition", fmt.Errorf("no fetch plan configured for %q", product))
	}

	tempDir, err := os.MkdirTemp("", "glamd-*")
	if err != nil {
		return domain.Classify(domain.ErrBadInput, "orchestrator.processAcquisition", err)
	}
	defer os.RemoveAll(tempDir)

	result, err := fetchFn(ctx, o.pipeline, acq, tempDir)
	if err != nil {
		return err
	}

	definitiveCompleted := false
	for collection, localPath := range result.Paths {
		c := domain.Collection(collection)
		if c == "" {
			c = domain.DefaultCollection
		}
		full := domain.Acquisition{Product: acq.Product, Date: acq.Date, Collection: c}

		key := domain.CanonicalPath(prod.NDVI, full)
		if err := o.gateway.Put(ctx, key, localPath); err != nil {
			return domain.Classify(domain.ErrPublishFailure, "orchestrator.processAcquisition", err)
		}
		if err := o.catalog.UpsertPending(ctx, full); err != nil {
			return err
		}
		if err := o.catalog.SetFlag(ctx, full, domain.StateDownloaded, true); err != nil {
			return err
		}
		// processed flags the raster as durably published before aggregation
		// runs, so an aggregation failure leaves processed=true/statGen=false
		// for the Rectifier to revisit rather than Reconcile deleting an
		// already-published object with no processed=true row behind it.
		if err := o.catalog.SetFlag(ctx, full, domain.StateProcessed, true); err != nil {
			return err
		}

		if err := o.AggregateAndMaterialize(ctx, full, localPath, o.matchup.Pairs()); err != nil {
			slog.Error("orchestrator: aggregation failed", "product", product, "collection", collection, "date", acq.Date, "error", err)
			continue
		}
		if err := o.catalog.SetFlag(ctx, full, domain.StateStatGen, true); err != nil {
			return err
		}
		definitiveCompleted = true
	}

	if definitiveCompleted && o.rectifier != nil && o.supersedesPreliminary(product) {
		if err := o.rectifier.TriggerPurge(ctx); err != nil {
			slog.Error("orchestrator: preliminary purge trigger failed", "product", product, "error", err)
		}
	}
	return nil
}

// Reconcile prevents object storage and the catalog from staying in
// disagreement for more than one cycle: it deletes published objects with
// no corresponding processed=true row (a crash between PUT and the flag
// write), and for rows marked processed=true whose object went missing
// (e.g. deleted out of band), it clears the processed flag so the normal
// cycle re-fetches and re-publishes on its own rather than retrying the
// PUT inline here.
func (o *Orchestrator) Reconcile(ctx context.Context, product string) error {
	prod, ok := o.registry.Get(product)
	if !ok {
		return domain.Classify(domain.ErrBadInput, "orchestrator.Reconcile", fmt.Errorf("unknown product %q", product))
	}

	processed, err := o.catalog.ProcessedAcquisitions(ctx, product)
	if err != nil {
		return domain.Classify(domain.ErrConnectionLost, "orchestrator.Reconcile", err)
	}
	processedKeys := make(map[string]bool, len(processed))
	for _, row := range processed {
		processedKeys[domain.CanonicalPath(prod.NDVI, row.Acquisition)] = true
	}

	keys, err := o.gateway.List(ctx, "rasters/"+product+".")
	if err != nil {
		return domain.Classify(domain.ErrConnectionLost, "orchestrator.Reconcile", err)
	}
	for _, key := range keys {
		if processedKeys[key] {
			continue
		}
		if err := o.gateway.Delete(ctx, key); err != nil {
			slog.Warn("orchestrator: failed to delete orphan object", "key", key, "error", err)
		}
	}

	for _, row := range processed {
		key := domain.CanonicalPath(prod.NDVI, row.Acquisition)
		exists, err := o.gateway.Exists(ctx, key)
		if err != nil {
			slog.Warn("orchestrator: failed to check object existence during reconciliation", "key", key, "error", err)
			continue
		}
		if exists {
			continue
		}
		if err := o.catalog.SetFlag(ctx, row.Acquisition, domain.StateProcessed, false); err != nil {
			slog.Warn("orchestrator: failed to reset processed flag for missing object", "key", key, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) supersedesPreliminary(product string) bool {
	for _, pair := range o.preliminaryPairs {
		if pair.Definitive == product {
			return true
		}
	}
	return false
}

// AggregateAndMaterialize runs zonal aggregation for one acquisition across
// every given (region, mask) pair and materializes each result. It
// satisfies rectifier.Aggregator, so the Rectifier's gap-repair pass reuses
// the exact same aggregation path a normal cycle uses.
func (o *Orchestrator) AggregateAndMaterialize(ctx context.Context, acq domain.Acquisition, localRasterPath string, pairs []matchup.Pair) error {
	for _, pair := range pairs {
		regionPath, ok := o.regionRaster(pair.Region)
		if !ok {
			slog.Warn("orchestrator: no region raster configured", "region", pair.Region)
			continue
		}
		maskPath := o.maskRaster(pair.Mask)

		results, err := o.zonal(ctx, localRasterPath, maskPath, regionPath, o.nWorkers, o.blockScale)
		if err != nil {
			return domain.Classify(domain.ErrAggregationFailure, "orchestrator.AggregateAndMaterialize", err)
		}

		ref, err := o.catalog.ResolveStatsTable(ctx, acq.Product, string(acq.Collection), pair.Mask, pair.Region, acq.Date.Year())
		if err != nil {
			return domain.Classify(domain.ErrSchemaRace, "orchestrator.AggregateAndMaterialize", err)
		}

		if err := o.materializer.Materialize(ctx, ref, acq.Date.YearDay(), results); err != nil {
			return domain.Classify(domain.ErrAggregationFailure, "orchestrator.AggregateAndMaterialize", err)
		}
		if !ref.Exists {
			if err := o.catalog.MarkStatsTableCreated(ctx, ref.StatsID); err != nil {
				return domain.Classify(domain.ErrSchemaRace, "orchestrator.AggregateAndMaterialize", err)
			}
		}
	}
	return nil
}
