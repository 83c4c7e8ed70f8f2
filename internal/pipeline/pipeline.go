// Package pipeline implements the Acquisition Pipeline: the
// per-product fetch → checksum → decode → (mosaic) → reproject → clip →
// cloud-optimize sequence that turns a fetchable acquisition into a set of
// normalized local rasters ready for publication.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/glam-monitor/glamd/internal/domain"
	"github.com/glam-monitor/glamd/internal/raster"
	"github.com/glam-monitor/glamd/internal/registry"
)

// GranuleService is the external granule-assembly dependency the NDVI
// family delegates to: given an acquisition, it returns a single
// already-projected raster ready for cloud-optimization.
type GranuleService interface {
	FetchGranule(ctx context.Context, acq domain.Acquisition) (localPath string, err error)
}

// Credentials carries the basic-auth pairs gated upstreams need. When the
// soil-water pair is unset, RunSoilWater returns a MissingCredential error
// rather than attempting the fetch. RunTemperature does not read the
// temperature pair; its downloads are unauthenticated.
type Credentials struct {
	TempUser, TempPass string
	SwiUser, SwiPass   string
}

// Pipeline runs per-product fetch plans against a temp directory owned by
// the caller (the Orchestrator creates and cleans it per acquisition). Each
// Run* method takes the URL(s) it needs explicitly — URL construction from
// an acquisition's date components is the Orchestrator's job (it already
// holds the Product Registry), keeping this package product-agnostic.
type Pipeline struct {
	client  *http.Client
	creds   Credentials
	granule GranuleService
}

// Options configures a Pipeline's shared dependencies.
type Options struct {
	Client      *http.Client
	Credentials Credentials
	Granule     GranuleService
}

// New builds a Pipeline from Options, defaulting an http.Client if none given.
func New(opts Options) *Pipeline {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Pipeline{
		client:  client,
		creds:   opts.Credentials,
		granule: opts.Granule,
	}
}

// Result is the outcome of running one acquisition's fetch plan: the local
// paths of the normalized output rasters (usually one, three for
// temperature's min/mean/max collections) keyed by collection.
type Result struct {
	Paths map[string]string // collection -> local path (domain.DefaultCollection "0" key for single-output products)
}

func download(ctx context.Context, client *http.Client, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Classify(domain.ErrBadInput, "pipeline.download", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.Classify(domain.ErrUpstreamTransient, "pipeline.download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.Classify(domain.ErrUpstreamUnavailable, "pipeline.download", fmt.Errorf("%s: not found", url))
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Classify(domain.ErrUpstreamTransient, "pipeline.download", fmt.Errorf("%s: status %d", url, resp.StatusCode))
	}

	f, err := os.Create(dest)
	if err != nil {
		return domain.Classify(domain.ErrBadInput, "pipeline.download", err)
	}
	defer f.Close()

	written, err := io.Copy(f, resp.Body)
	if err != nil {
		os.Remove(dest)
		return domain.Classify(domain.ErrUpstreamTransient, "pipeline.download", err)
	}

	if declared := resp.Header.Get("Content-Length"); declared != "" {
		if n, perr := strconv.ParseInt(declared, 10, 64); perr == nil && n != written {
			os.Remove(dest)
			return domain.Classify(domain.ErrUpstreamTransient, "pipeline.download",
				fmt.Errorf("%s: content-length mismatch, declared %d got %d", url, n, written))
		}
	}
	return nil
}

// RunPrecipitation executes the precipitation/preliminary-precipitation
// plan: fetch, apply nodata -9999, project/clip/cloud-optimize.
func (p *Pipeline) RunPrecipitation(ctx context.Context, acq domain.Acquisition, fetchURL, tempDir string) (Result, error) {
	raw := filepath.Join(tempDir, "raw.tif")
	if err := download(ctx, p.client, fetchURL, raw); err != nil {
		return Result{}, err
	}
	if err := raster.ApplyNoData(raw, -9999); err != nil {
		return Result{}, err
	}
	out := filepath.Join(tempDir, "normalized.tif")
	if err := raster.ProjectToCanonical(raw, out); err != nil {
		return Result{}, err
	}
	if err := raster.CloudOptimize(out, false); err != nil {
		return Result{}, err
	}
	return Result{Paths: map[string]string{string(domain.DefaultCollection): out}}, nil
}

// RunSoilWater executes the soil-water plan: authenticated fetch of a
// NetCDF, extraction of the 10-day subdataset band, project/clip/cloud-optimize.
func (p *Pipeline) RunSoilWater(ctx context.Context, acq domain.Acquisition, fetchURL, subdataset, tempDir string) (Result, error) {
	if p.creds.SwiUser == "" {
		return Result{}, domain.Classify(domain.ErrMissingCredential, "pipeline.RunSoilWater",
			fmt.Errorf("soil-water credentials not configured"))
	}

	raw := filepath.Join(tempDir, "raw.nc")
	if err := downloadWithBasicAuth(ctx, p.client, fetchURL, raw, p.creds.SwiUser, p.creds.SwiPass); err != nil {
		return Result{}, err
	}

	extracted := filepath.Join(tempDir, "extracted.tif")
	if err := raster.ExtractSubdataset(raw, subdataset, extracted); err != nil {
		return Result{}, err
	}

	out := filepath.Join(tempDir, "normalized.tif")
	if err := raster.ProjectToCanonical(extracted, out); err != nil {
		return Result{}, err
	}
	if err := raster.CloudOptimize(out, false); err != nil {
		return Result{}, err
	}
	return Result{Paths: map[string]string{string(domain.DefaultCollection): out}}, nil
}

// RunTemperature executes the temperature plan: fetch D through D-4,
// extract the three (min, mean, max) subdatasets from each, mosaic across
// the five days with the matching element-wise reduce, then normalize
// each output. If any of the five days is unavailable the whole plan
// aborts — this is a definitive unavailability for D, not a transient one.
func (p *Pipeline) RunTemperature(ctx context.Context, acq domain.Acquisition, dayURL func(day domain.Acquisition) string, tempDir string) (Result, error) {
	const window = 5
	collections := map[string]raster.Reduce{"min": raster.ReduceMin, "mean": raster.ReduceMean, "max": raster.ReduceMax}

	extractedByCollection := map[string][]string{"min": nil, "mean": nil, "max": nil}

	for i := 0; i < window; i++ {
		day := domain.Acquisition{Product: acq.Product, Date: acq.Date.AddDate(0, 0, -i)}
		raw := filepath.Join(tempDir, fmt.Sprintf("day-%d.nc", i))
		if err := download(ctx, p.client, dayURL(day), raw); err != nil {
			return Result{}, domain.Classify(domain.ErrUpstreamUnavailable, "pipeline.RunTemperature",
				fmt.Errorf("day %s unavailable, aborting 5-day plan: %w", day.Date.Format("2006-01-02"), err))
		}
		for collection := range collections {
			extracted := filepath.Join(tempDir, fmt.Sprintf("day-%d-%s.tif", i, collection))
			if err := raster.ExtractSubdataset(raw, collection, extracted); err != nil {
				return Result{}, err
			}
			extractedByCollection[collection] = append(extractedByCollection[collection], extracted)
		}
	}

	out := make(map[string]string, len(collections))
	for collection, reduce := range collections {
		mosaic := filepath.Join(tempDir, "mosaic-"+collection+".tif")
		if err := raster.MosaicReduce(extractedByCollection[collection], mosaic, reduce); err != nil {
			return Result{}, err
		}
		normalized := filepath.Join(tempDir, "normalized-"+collection+".tif")
		if err := raster.ProjectToCanonical(mosaic, normalized); err != nil {
			return Result{}, err
		}
		if err := raster.CloudOptimize(normalized, false); err != nil {
			return Result{}, err
		}
		out[collection] = normalized
	}
	return Result{Paths: out}, nil
}

// RunNDVI delegates to the external granule-assembly service, then only
// cloud-optimizes the already-projected result locally.
func (p *Pipeline) RunNDVI(ctx context.Context, acq domain.Acquisition, tempDir string) (Result, error) {
	if p.granule == nil {
		return Result{}, domain.Classify(domain.ErrMissingCredential, "pipeline.RunNDVI",
			fmt.Errorf("no granule-assembly service configured"))
	}
	granule, err := p.granule.FetchGranule(ctx, acq)
	if err != nil {
		return Result{}, domain.Classify(domain.ErrUpstreamTransient, "pipeline.RunNDVI", err)
	}
	bigTIFF := true
	if err := raster.CloudOptimize(granule, bigTIFF); err != nil {
		return Result{}, err
	}
	return Result{Paths: map[string]string{string(domain.DefaultCollection): granule}}, nil
}

func downloadWithBasicAuth(ctx context.Context, client *http.Client, url, dest, user, pass string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Classify(domain.ErrBadInput, "pipeline.downloadWithBasicAuth", err)
	}
	req.SetBasicAuth(user, pass)
	resp, err := client.Do(req)
	if err != nil {
		return domain.Classify(domain.ErrUpstreamTransient, "pipeline.downloadWithBasicAuth", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.Classify(domain.ErrUpstreamUnavailable, "pipeline.downloadWithBasicAuth", fmt.Errorf("%s: not found", url))
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Classify(domain.ErrUpstreamTransient, "pipeline.downloadWithBasicAuth", fmt.Errorf("%s: status %d", url, resp.StatusCode))
	}

	f, err := os.Create(dest)
	if err != nil {
		return domain.Classify(domain.ErrBadInput, "pipeline.downloadWithBasicAuth", err)
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	if err != nil {
		os.Remove(dest)
		return domain.Classify(domain.ErrUpstreamTransient, "pipeline.downloadWithBasicAuth", err)
	}
	return nil
}

// DekadOfMonth re-exposes the registry's dekad mapping so callers building
// fetch URLs don't need to import registry directly for this one helper.
func DekadOfMonth(day int) int {
	return registry.DekadOfMonth(day)
}
