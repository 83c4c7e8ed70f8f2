// glamd runs the agricultural-monitoring acquisition cycle: plan gaps per
// product, check upstream availability, fetch and normalize rasters,
// publish them to object storage, aggregate zonal statistics, and
// materialize the result — on a schedule, behind leader election so only
// one replica drives a given catalog at a time.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/glam-monitor/glamd/internal/api"
	"github.com/glam-monitor/glamd/internal/config"
	"github.com/glam-monitor/glamd/internal/domain"
	"github.com/glam-monitor/glamd/internal/granule"
	"github.com/glam-monitor/glamd/internal/leader"
	"github.com/glam-monitor/glamd/internal/materializer"
	"github.com/glam-monitor/glamd/internal/matchup"
	"github.com/glam-monitor/glamd/internal/orchestrator"
	"github.com/glam-monitor/glamd/internal/pipeline"
	"github.com/glam-monitor/glamd/internal/planner"
	"github.com/glam-monitor/glamd/internal/postgres"
	"github.com/glam-monitor/glamd/internal/probe"
	"github.com/glam-monitor/glamd/internal/rectifier"
	"github.com/glam-monitor/glamd/internal/registry"
	"github.com/glam-monitor/glamd/internal/storage"
	"github.com/glam-monitor/glamd/internal/zonal"
)

// ndviProducts lists every registry product whose fetch plan is RunNDVI,
// delegating to the external granule-assembly service.
var ndviProducts = []string{"MOD09Q1", "MYD09Q1", "MOD13Q1", "MYD13Q1", "MOD13Q4N"}

func main() {
	// Built-in healthcheck for scratch containers.
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8081/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(api.NewContextHandler(baseHandler)))

	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	catalogStore := postgres.NewCatalogStore(pool)
	dbHealth := postgres.NewHealthChecker(pool)
	mat := materializer.New(pool)

	gateway, err := storage.New(ctx, storage.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		UseSSL:    cfg.ObjectStore.UseSSL,
	})
	if err != nil {
		slog.Error("failed to connect to object storage", "error", err)
		os.Exit(1)
	}
	objHealth := storage.NewHealthChecker(gateway)

	reg := registry.New()
	policy := matchup.NewDefault()

	httpClient := &http.Client{Timeout: 30 * time.Second}

	families := buildProbeFamilies(httpClient, cfg)
	prober := probe.New(probe.Config{}, families)
	plan := planner.New(catalogStore, reg, prober)

	granuleFetcher := granule.New(httpClient, granule.NewHTTPCatalogLister(httpClient, func(product string) (string, bool) {
		base, ok := cfg.Upstreams[product]
		return base, ok
	}))
	pl := pipeline.New(pipeline.Options{
		Client: httpClient,
		Credentials: pipeline.Credentials{
			TempUser: cfg.Credentials.TempUser, TempPass: cfg.Credentials.TempPass,
			SwiUser: cfg.Credentials.SwiUser, SwiPass: cfg.Credentials.SwiPass,
		},
		Granule: granuleFetcher,
	})

	fetchPlans := buildFetchPlans()

	preliminaryPairs := []rectifier.PreliminaryPair{{Preliminary: "chirps-prelim", Definitive: "chirps"}}

	orch := orchestrator.New(plan, gateway, catalogStore, mat, pl, reg, policy, zonal.Zonal, orchestrator.Config{
		Products:           reg.IDs(),
		Fetch:              fetchPlans,
		ProductConcurrency: cfg.Orchestrator.ProductConcurrency,
		NWorkers:           cfg.Orchestrator.ZonalWorkers,
		BlockScale:         1,
		RegionRaster:       func(region string) (string, bool) { p, ok := cfg.Regions[region]; return p, ok },
		MaskRaster: func(mask string) *string {
			if mask == "nomask" {
				return nil
			}
			if p, ok := cfg.Masks[mask]; ok {
				return &p
			}
			return nil
		},
		PreliminaryPairs: preliminaryPairs,
	})

	keyOf := func(acq domain.Acquisition) string {
		prod, _ := reg.Get(acq.Product)
		return domain.CanonicalPath(prod.NDVI, acq)
	}
	rect := rectifier.New(catalogStore, gateway, mat, policy, reg.IDs(), orch, keyOf, tempPathFunc)
	rect = rect.WithPreliminaryPurge(mat, preliminaryPairs)
	orch = orch.WithPurgeTrigger(rect)

	var srv *http.Server
	if cfg.HTTP.ListenAddr != "" {
		opSrv := &api.Server{
			DBHealth:     dbHealth,
			ObjectHealth: objHealth,
			Orchestrator: orch,
			Products:     reg.IDs(),
			Catalog:      catalogStore,
			APIKey:       cfg.HTTP.APIKey,
		}
		srv = &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           api.NewRouter(opSrv),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("starting operator http surface", "addr", cfg.HTTP.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("operator http surface failed", "error", err)
			}
		}()
	}

	elector := leader.New(func(ctx context.Context) (bool, error) {
		var acquired bool
		err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
		return acquired, err
	}, leader.RetryInterval, func(ctx context.Context) func() {
		slog.Info("elected leader, starting daemon workers")
		rect.Start(ctx, 15*time.Minute)

		if cfg.Orchestrator.DaemonCron != "" {
			if err := orch.Start(ctx, cfg.Orchestrator.DaemonCron); err != nil {
				slog.Error("failed to start orchestrator daemon", "error", err)
			}
		}
		return func() {
			orch.Stop()
			rect.Stop()
		}
	})
	elector.Start(ctx)

	<-ctx.Done()
	slog.Info("received shutdown signal")

	elector.Stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
	}

	slog.Info("glamd shutdown complete")
}

func tempPathFunc() string {
	f, err := os.CreateTemp("", "glamd-rectify-*.tif")
	if err != nil {
		return ""
	}
	defer f.Close()
	return f.Name()
}

// buildProbeFamilies wires one Availability Probe family per product,
// matching each upstream's actual reachability check: a directory listing
// for the temperature 5-day window, a plain fetch-URL check for
// precipitation, a basic-auth fetch check for soil water, and an archive
// catalog lookup for the NDVI family.
func buildProbeFamilies(client *http.Client, cfg *config.Config) map[string]probe.Family {
	families := make(map[string]probe.Family)

	families["chirps"] = probe.NewURLHeadFamily("data.chc.ucsb.edu", client, chirpsURL, "image/tiff")
	families["chirps-prelim"] = probe.NewURLHeadFamily("data.chc.ucsb.edu", client, chirpsPrelimURL, "image/tiff")

	if cfg.Credentials.HasSoilWater() {
		families["swi"] = probe.NewAuthenticatedHeadFamily("land.copernicus.vgt.vito.be", client, swiURL,
			cfg.Credentials.SwiUser, cfg.Credentials.SwiPass)
	}

	if cfg.Credentials.HasTemperature() {
		families["merra-2"] = probe.NewHTTPListingFamily("goldsmr4.gesdisc.eosdis.nasa.gov", client, merraIndexURL,
			merraFilenamePattern, 5)
	}

	for _, product := range ndviProducts {
		base, ok := cfg.Upstreams[product]
		if !ok {
			continue
		}
		lookup := catalogDateLookup(client, base)
		families[product] = probe.NewCatalogFamily(base, lookup)
	}

	return families
}

// buildFetchPlans wires one orchestrator.FetchFunc per product. Each
// closure builds the URL(s) the Pipeline's Run* method needs from the
// acquisition's date components — the Pipeline itself stays product-agnostic.
func buildFetchPlans() map[string]orchestrator.FetchFunc {
	plans := map[string]orchestrator.FetchFunc{
		"chirps": func(ctx context.Context, p *pipeline.Pipeline, acq domain.Acquisition, tempDir string) (pipeline.Result, error) {
			return p.RunPrecipitation(ctx, acq, chirpsURL(acq), tempDir)
		},
		"chirps-prelim": func(ctx context.Context, p *pipeline.Pipeline, acq domain.Acquisition, tempDir string) (pipeline.Result, error) {
			return p.RunPrecipitation(ctx, acq, chirpsPrelimURL(acq), tempDir)
		},
		"swi": func(ctx context.Context, p *pipeline.Pipeline, acq domain.Acquisition, tempDir string) (pipeline.Result, error) {
			return p.RunSoilWater(ctx, acq, swiURL(acq), "SWI_010", tempDir)
		},
		"merra-2": func(ctx context.Context, p *pipeline.Pipeline, acq domain.Acquisition, tempDir string) (pipeline.Result, error) {
			return p.RunTemperature(ctx, acq, merraDayURL, tempDir)
		},
	}
	for _, product := range ndviProducts {
		plans[product] = func(ctx context.Context, p *pipeline.Pipeline, acq domain.Acquisition, tempDir string) (pipeline.Result, error) {
			return p.RunNDVI(ctx, acq, tempDir)
		}
	}
	return plans
}

func chirpsURL(acq domain.Acquisition) string {
	y, m, d := acq.Date.Date()
	dekad := pipeline.DekadOfMonth(d)
	return fmt.Sprintf("https://data.chc.ucsb.edu/products/CHIRPS-2.0/global_dekad/tifs/chirps-v2.0.%04d.%02d.%d.tif", y, int(m), dekad)
}

func chirpsPrelimURL(acq domain.Acquisition) string {
	y, m, d := acq.Date.Date()
	dekad := pipeline.DekadOfMonth(d)
	return fmt.Sprintf("https://data.chc.ucsb.edu/products/CHIRPS-2.0/prelim/global_dekad/tifs/chirps-v2.0.%04d.%02d.%d.tif", y, int(m), dekad)
}

func swiURL(acq domain.Acquisition) string {
	y, m, d := acq.Date.Date()
	return fmt.Sprintf("https://land.copernicus.vgt.vito.be/PDF/datapool/Vegetation/Soil_Water_Index/Daily_SWI_12.5km_Global_V3/%04d/%02d/%02d/SWI_%04d%02d%02d1200_GLOBE_ASCAT_V3.1.1/c_gls_SWI_%04d%02d%02d1200_GLOBE_ASCAT_V3.1.1.nc",
		y, int(m), d, y, int(m), d, y, int(m), d)
}

func merraIndexURL(acq domain.Acquisition) string {
	y, m, _ := acq.Date.Date()
	return fmt.Sprintf("https://goldsmr4.gesdisc.eosdis.nasa.gov/data/MERRA2/M2SDNXSLV.5.12.4/%04d/%02d/", y, int(m))
}

func merraFilenamePattern(day time.Time) *regexp.Regexp {
	y, m, d := day.Date()
	return regexp.MustCompile(fmt.Sprintf(`MERRA2\S*%04d%02d%02d\.nc4`, y, int(m), d))
}

func merraDayURL(day domain.Acquisition) string {
	y, m, d := day.Date.Date()
	return fmt.Sprintf("https://goldsmr4.gesdisc.eosdis.nasa.gov/data/MERRA2/M2SDNXSLV.5.12.4/%04d/%02d/MERRA2_400.tavg1_2d_slv_Nx.%04d%02d%02d.nc4",
		y, int(m), y, int(m), d)
}

// catalogDateLookup adapts a tile-listing catalog endpoint to the
// probe.CatalogLookup signature, asking only which dates near target are
// represented rather than fetching actual tile URLs.
func catalogDateLookup(client *http.Client, baseURL string) probe.CatalogLookup {
	return func(ctx context.Context, product string, target time.Time) ([]time.Time, error) {
		url := fmt.Sprintf("%s?product=%s&year=%04d&doy=%03d", baseURL, product, target.Year(), target.YearDay())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("catalog lookup %s: status %d", url, resp.StatusCode)
		}
		// A 200 response for this date's query is itself a positive signal;
		// the tile listing's presence is enough to report the date available.
		return []time.Time{target}, nil
	}
}
