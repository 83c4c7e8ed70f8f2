// Package zonal implements the Zonal Aggregator: parallel
// windowed zonal statistics over a product raster, an optional mask
// raster, and a region raster. Window workers are bounded by a semaphore
// (golang.org/x/sync/semaphore) rather than an unbounded goroutine fan-out.
package zonal

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/floats"

	"github.com/glam-monitor/glamd/internal/domain"
	"github.com/glam-monitor/glamd/internal/raster"
)

// partial accumulates the contribution to one region id. sums keeps every
// observed pixel value rather than folding them into a running total, so
// the final reduction is one pass over all of them rather than many small
// incremental additions.
type partial struct {
	arable   int64
	observed int64
	sums     []float64
}

// Zonal computes per-region statistics for productPath, restricted to
// maskPath (nil means nomask: every pixel treated arable) and keyed by
// regionPath. Work is split into blockScale×native-tile-size windows and
// dispatched to up to nWorkers concurrent goroutines, each opening its own
// raster handles.
func Zonal(ctx context.Context, productPath string, maskPath *string, regionPath string, nWorkers, blockScale int) (map[int]domain.RegionStats, error) {
	meta, err := raster.Inspect(regionPath)
	if err != nil {
		return nil, domain.Classify(domain.ErrAggregationFailure, "zonal.Zonal", err)
	}
	windows := raster.Windows(meta.Width, meta.Height, meta.BlockX, meta.BlockY, blockScale)

	regionHandle, err := raster.Open(regionPath)
	if err != nil {
		return nil, domain.Classify(domain.ErrAggregationFailure, "zonal.Zonal", err)
	}
	bbox, err := raster.TightBoundingBox(regionHandle, meta.Width, meta.Height, meta.BlockX, meta.BlockY, blockScale)
	regionHandle.Close()
	if err != nil {
		return nil, domain.Classify(domain.ErrAggregationFailure, "zonal.Zonal", err)
	}
	windows = windowsWithinBounds(windows, bbox)
	if len(windows) == 0 {
		return map[int]domain.RegionStats{}, nil
	}

	if nWorkers <= 0 {
		nWorkers = 1
	}
	sem := semaphore.NewWeighted(int64(nWorkers))

	var (
		mu      sync.Mutex
		results = make(map[int]*partial)
		firstErr error
	)

	var wg sync.WaitGroup
	for _, win := range windows {
		win := win
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			windowResults, err := processWindow(productPath, maskPath, regionPath, win)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			for region, p := range windowResults {
				acc, ok := results[region]
				if !ok {
					acc = &partial{}
					results[region] = acc
				}
				acc.arable += p.arable
				acc.observed += p.observed
				acc.sums = append(acc.sums, p.sums...)
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, domain.Classify(domain.ErrAggregationFailure, "zonal.Zonal", firstErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.Classify(domain.ErrAggregationFailure, "zonal.Zonal", err)
	}

	out := make(map[int]domain.RegionStats, len(results))
	for region, p := range results {
		out[region] = finalize(region, p)
	}
	return out, nil
}

// windowsWithinBounds drops windows that fall entirely outside the region
// raster's tight bounding box, so a region covering a small corner of a
// continent-wide raster doesn't pay for reading the empty remainder block by
// block. A zero-area bbox (no non-nodata region pixels at all) drops every
// window.
func windowsWithinBounds(windows []raster.Window, bbox raster.Window) []raster.Window {
	if bbox.Width <= 0 || bbox.Height <= 0 {
		return nil
	}
	out := windows[:0]
	for _, w := range windows {
		if w.X0 >= bbox.X0+bbox.Width || w.X0+w.Width <= bbox.X0 {
			continue
		}
		if w.Y0 >= bbox.Y0+bbox.Height || w.Y0+w.Height <= bbox.Y0 {
			continue
		}
		out = append(out, w)
	}
	return out
}

// finalize reduces a region's accumulated partials to its final statistics:
// percent observed is floored integer division, mean is sum-then-divide-once
// (deliberately not a running weighted average of per-window means, which
// would accumulate float drift across many small windows). The sum itself
// is gonum's floats.Sum over every observed pixel value in one pass,
// rather than many incremental float additions racing through a mutex.
func finalize(region int, p *partial) domain.RegionStats {
	stats := domain.RegionStats{RegionID: region, ArablePixels: p.arable, ObservedPixels: p.observed}
	if p.arable > 0 {
		stats.PercentObserved = int(p.observed * 100 / p.arable)
	}
	if p.observed > 0 {
		stats.MeanValue = floats.Sum(p.sums) / float64(p.observed)
	}
	return stats
}

// processWindow opens fresh handles for one window and produces its
// per-region partials. Handles are local to this call — never shared
// across worker goroutines.
func processWindow(productPath string, maskPath *string, regionPath string, win raster.Window) (map[int]*partial, error) {
	prodHandle, err := raster.Open(productPath)
	if err != nil {
		return nil, err
	}
	defer prodHandle.Close()

	regionHandle, err := raster.Open(regionPath)
	if err != nil {
		return nil, err
	}
	defer regionHandle.Close()

	var maskHandle *raster.Handle
	if maskPath != nil {
		maskHandle, err = raster.Open(*maskPath)
		if err != nil {
			return nil, err
		}
		defer maskHandle.Close()
	}

	prodVals, err := prodHandle.ReadWindow(win)
	if err != nil {
		return nil, err
	}
	regionVals, err := regionHandle.ReadWindow(win)
	if err != nil {
		return nil, err
	}
	var maskVals []float64
	if maskHandle != nil {
		maskVals, err = maskHandle.ReadWindow(win)
		if err != nil {
			return nil, err
		}
	}

	nodata, hasNoData := prodHandle.NoData()

	out := make(map[int]*partial)
	for i := range prodVals {
		region := int(regionVals[i])
		if region == 0 {
			continue
		}
		arable := maskVals == nil || maskVals[i] != 0
		if !arable {
			continue
		}

		acc, ok := out[region]
		if !ok {
			acc = &partial{}
			out[region] = acc
		}
		acc.arable++

		v := prodVals[i]
		if hasNoData && v == nodata {
			continue
		}
		acc.observed++
		acc.sums = append(acc.sums, v)
	}
	return out, nil
}
