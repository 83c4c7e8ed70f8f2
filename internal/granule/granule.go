// Package granule implements the NDVI family's external granule-assembly
// dependency (pipeline.GranuleService): given an acquisition, it resolves
// the upstream archive's tile listing for that date, downloads each tile,
// reduces them to a single composite, and projects the result into the
// canonical grid. This stands in for the external granule-compositing
// service the Acquisition Pipeline's NDVI plan defers to — the real
// counterpart upstream is a satellite-archive catalog and tile server, not
// something glamd owns.
package granule

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/glam-monitor/glamd/internal/domain"
	"github.com/glam-monitor/glamd/internal/raster"
)

// TileLister resolves the tile download URLs an acquisition is assembled
// from. Implementations query whatever catalog API the upstream exposes;
// HTTPCatalogLister covers the common case of a JSON search endpoint.
type TileLister interface {
	ListTiles(ctx context.Context, product string, acq domain.Acquisition) ([]string, error)
}

// HTTPCatalogLister queries a JSON catalog endpoint of the form
// "{baseURL}?product={product}&year={year}&doy={doy}" and expects a JSON
// array of tile download URLs in response.
type HTTPCatalogLister struct {
	client  *http.Client
	baseURL func(product string) (string, bool)
}

// NewHTTPCatalogLister builds a lister keyed by per-product base URL
// (typically sourced from the upstream catalog's configured endpoint).
func NewHTTPCatalogLister(client *http.Client, baseURL func(product string) (string, bool)) *HTTPCatalogLister {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPCatalogLister{client: client, baseURL: baseURL}
}

func (l *HTTPCatalogLister) ListTiles(ctx context.Context, product string, acq domain.Acquisition) ([]string, error) {
	base, ok := l.baseURL(product)
	if !ok {
		return nil, domain.Classify(domain.ErrMissingCredential, "granule.ListTiles",
			fmt.Errorf("no catalog endpoint configured for product %q", product))
	}
	target := fmt.Sprintf("%s?product=%s&year=%04d&doy=%03d", base, product, acq.Date.Year(), acq.Date.YearDay())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, domain.Classify(domain.ErrBadInput, "granule.ListTiles", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, domain.Classify(domain.ErrUpstreamTransient, "granule.ListTiles", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.Classify(domain.ErrUpstreamUnavailable, "granule.ListTiles", fmt.Errorf("%s: not found", target))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.Classify(domain.ErrUpstreamTransient, "granule.ListTiles", fmt.Errorf("%s: status %d", target, resp.StatusCode))
	}

	var tiles []string
	if err := json.NewDecoder(resp.Body).Decode(&tiles); err != nil {
		return nil, domain.Classify(domain.ErrUpstreamUnavailable, "granule.ListTiles", fmt.Errorf("decode tile listing: %w", err))
	}
	if len(tiles) == 0 {
		return nil, domain.Classify(domain.ErrUpstreamUnavailable, "granule.ListTiles", fmt.Errorf("no tiles for %s on %s", product, acq.Date.Format("2006-01-02")))
	}
	return tiles, nil
}

// Fetcher implements pipeline.GranuleService: it lists an acquisition's
// tiles, downloads each, composites them with a max-value reduce (the
// same cloud-suppression rule the NDVI archive's own compositing applies),
// and warps the composite into the canonical grid.
type Fetcher struct {
	client *http.Client
	lister TileLister
}

// New builds a Fetcher over the given tile lister.
func New(client *http.Client, lister TileLister) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{client: client, lister: lister}
}

// FetchGranule downloads and composites acq's tiles, returning the local
// path of a canonically-projected (but not yet cloud-optimized) raster.
func (f *Fetcher) FetchGranule(ctx context.Context, acq domain.Acquisition) (string, error) {
	tiles, err := f.lister.ListTiles(ctx, acq.Product, acq)
	if err != nil {
		return "", err
	}

	tempDir, err := os.MkdirTemp("", "glamd-granule-*")
	if err != nil {
		return "", domain.Classify(domain.ErrBadInput, "granule.FetchGranule", err)
	}

	downloaded := make([]string, 0, len(tiles))
	for i, url := range tiles {
		dest := filepath.Join(tempDir, fmt.Sprintf("tile-%d.tif", i))
		if err := downloadTile(ctx, f.client, url, dest); err != nil {
			os.RemoveAll(tempDir)
			return "", err
		}
		downloaded = append(downloaded, dest)
	}

	composite := filepath.Join(tempDir, "composite.tif")
	if len(downloaded) == 1 {
		composite = downloaded[0]
	} else if err := raster.MosaicReduce(downloaded, composite, raster.ReduceMax); err != nil {
		os.RemoveAll(tempDir)
		return "", err
	}

	out := filepath.Join(tempDir, "projected.tif")
	if err := raster.ProjectToCanonical(composite, out); err != nil {
		os.RemoveAll(tempDir)
		return "", err
	}
	return out, nil
}

func downloadTile(ctx context.Context, client *http.Client, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Classify(domain.ErrBadInput, "granule.downloadTile", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.Classify(domain.ErrUpstreamTransient, "granule.downloadTile", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.Classify(domain.ErrUpstreamUnavailable, "granule.downloadTile", fmt.Errorf("%s: not found", url))
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Classify(domain.ErrUpstreamTransient, "granule.downloadTile", fmt.Errorf("%s: status %d", url, resp.StatusCode))
	}

	f, err := os.Create(dest)
	if err != nil {
		return domain.Classify(domain.ErrBadInput, "granule.downloadTile", err)
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return domain.Classify(domain.ErrUpstreamTransient, "granule.downloadTile", werr)
			}
		}
		if rerr != nil {
			break
		}
	}
	return nil
}
