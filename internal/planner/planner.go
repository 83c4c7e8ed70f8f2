// Package planner implements the Gap Planner: combines the
// Catalog Store's already-pending rows with cadence-rule-generated
// expected dates to produce the full set of acquisitions a product ought
// to have, then filters that set against upstream availability.
package planner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/glam-monitor/glamd/internal/domain"
	"github.com/glam-monitor/glamd/internal/probe"
	"github.com/glam-monitor/glamd/internal/registry"
)

// Catalog is the subset of the Catalog Store the Planner depends on.
type Catalog interface {
	MissingByProduct(ctx context.Context, product string) ([]domain.AcquisitionRow, error)
	LatestDate(ctx context.Context, product string) (time.Time, bool, error)
	UpsertPending(ctx context.Context, acq domain.Acquisition) error
}

// Prober is the subset of the Availability Probe the Planner depends on.
type Prober interface {
	Check(ctx context.Context, acq domain.Acquisition) (probe.Result, error)
}

// Planner computes the set of missing acquisitions for a product.
type Planner struct {
	catalog Catalog
	reg     *registry.Registry
	prober  Prober
	now     func() time.Time
}

// New builds a Planner. prober may be nil; in that case FilterAvailable
// returns candidates unchanged (used by callers that want raw gaps only).
func New(catalog Catalog, reg *registry.Registry, prober Prober) *Planner {
	return &Planner{catalog: catalog, reg: reg, prober: prober, now: time.Now}
}

// Plan returns every acquisition the system ought to have for product:
// rows already recorded as pending in the catalog, unioned with dates
// generated by the product's cadence rule between its latest known
// acquisition and today. Newly discovered dates are upserted as pending
// so a subsequent call (even with no probe in between) sees them as
// already-catalogued.
func (p *Planner) Plan(ctx context.Context, product string) ([]domain.Acquisition, error) {
	prod, ok := p.reg.Get(product)
	if !ok {
		return nil, domain.Classify(domain.ErrBadInput, "planner.Plan", fmt.Errorf("unknown product %q", product))
	}

	seen := make(map[string]domain.Acquisition)

	missing, err := p.catalog.MissingByProduct(ctx, product)
	if err != nil {
		return nil, domain.Classify(domain.ErrConnectionLost, "planner.Plan.missingByProduct", err)
	}
	for _, row := range missing {
		seen[acqKey(row.Acquisition)] = row.Acquisition
	}

	from := prod.Epoch
	if latest, ok, err := p.catalog.LatestDate(ctx, product); err != nil {
		return nil, domain.Classify(domain.ErrConnectionLost, "planner.Plan.latestDate", err)
	} else if ok {
		from = latest
	}

	today := p.now()
	expected, err := prod.ExpectedDates(from, today)
	if err != nil {
		return nil, domain.Classify(domain.ErrBadInput, "planner.Plan.expectedDates", err)
	}

	for _, collection := range collectionsOf(prod) {
		for _, date := range expected {
			acq := domain.Acquisition{Product: product, Date: date, Collection: domain.Collection(collection)}
			key := acqKey(acq)
			if _, ok := seen[key]; ok {
				continue
			}
			if err := p.catalog.UpsertPending(ctx, acq); err != nil {
				return nil, domain.Classify(domain.ErrConnectionLost, "planner.Plan.upsertPending", err)
			}
			seen[key] = acq
		}
	}

	out := make([]domain.Acquisition, 0, len(seen))
	for _, acq := range seen {
		out = append(out, acq)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Collection < out[j].Collection
	})
	return out, nil
}

// FilterAvailable calls the Availability Probe on each candidate, dropping
// definitive-no results and keeping both yes and transient (the
// Orchestrator is responsible for retrying transient misses on a later
// cycle). If no prober was configured, candidates pass through unchanged.
func (p *Planner) FilterAvailable(ctx context.Context, candidates []domain.Acquisition) ([]domain.Acquisition, error) {
	if p.prober == nil {
		return candidates, nil
	}

	out := make([]domain.Acquisition, 0, len(candidates))
	for _, acq := range candidates {
		res, err := p.prober.Check(ctx, acq)
		if err != nil {
			return nil, domain.Classify(domain.ErrUpstreamTransient, "planner.FilterAvailable", err)
		}
		if res.Outcome == probe.OutcomeDefinitiveNo {
			continue
		}
		out = append(out, acq)
	}
	return out, nil
}

func acqKey(acq domain.Acquisition) string {
	return acq.Product + "|" + acq.Date.Format("2006-01-02") + "|" + string(acq.Collection)
}

func collectionsOf(p registry.Product) []string {
	if len(p.Collections) == 0 {
		return []string{string(domain.DefaultCollection)}
	}
	return p.Collections
}
