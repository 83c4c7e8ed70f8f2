// Package probe implements the Availability Probe: a
// per-product predicate deciding whether a candidate acquisition is
// fetchable from its upstream right now. Four families of upstream share
// one Result/Outcome vocabulary so the Gap Planner and Orchestrator never
// need to know which family answered.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/glam-monitor/glamd/internal/domain"
)

// ErrCircuitOpen is returned when a host's breaker is tripped and the call
// was not attempted.
var ErrCircuitOpen = errors.New("probe: circuit open for host")

// Outcome classifies a single probe attempt.
type Outcome int

const (
	// OutcomeYes: the acquisition is available now.
	OutcomeYes Outcome = iota
	// OutcomeDefinitiveNo: the upstream authoritatively lacks this
	// acquisition (404, absent from a listing). Will never become
	// available by retrying.
	OutcomeDefinitiveNo
	// OutcomeTransient: the upstream could not be reached or answered
	// with a server error. May become available on a later attempt.
	OutcomeTransient
)

// Result is the outcome of probing one acquisition.
type Result struct {
	Outcome Outcome
	Err     error // set when Outcome is Transient or DefinitiveNo carries detail
}

func (r Result) Available() bool { return r.Outcome == OutcomeYes }

// Family implements one upstream's availability check for a single
// acquisition. Implementations must not retry internally; retry with
// backoff is the Prober's job so the breaker sees every attempt.
type Family interface {
	Check(ctx context.Context, acq domain.Acquisition) (Result, error)
	// Host identifies the upstream for per-host circuit breaking.
	Host() string
}

// Config tunes retry and breaker behavior shared by every family.
type Config struct {
	MaxAttempts      int           // bounded backoff ceiling, default 3
	BaseDelay        time.Duration // default 500ms
	BreakerMaxFails  int           // default 5 consecutive transient failures
	BreakerResetWait time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.BreakerMaxFails <= 0 {
		c.BreakerMaxFails = 5
	}
	if c.BreakerResetWait <= 0 {
		c.BreakerResetWait = 30 * time.Second
	}
	return c
}

// Prober dispatches availability checks to a per-product Family, retrying
// transient failures with bounded exponential backoff and jitter, guarded
// by a circuit breaker keyed on the family's upstream host.
type Prober struct {
	cfg       Config
	breakers  *breakerRegistry
	families  map[string]Family
	sleepFunc func(time.Duration)
}

// New builds a Prober. families maps product id to the Family that knows
// how to check that product's upstream.
func New(cfg Config, families map[string]Family) *Prober {
	cfg = cfg.withDefaults()
	return &Prober{
		cfg:       cfg,
		breakers:  newBreakerRegistry(cfg.BreakerMaxFails, cfg.BreakerResetWait),
		families:  families,
		sleepFunc: time.Sleep,
	}
}

// Check probes one acquisition, retrying transient failures up to
// MaxAttempts times with exponential backoff and jitter, and fast-failing
// immediately when that product's host breaker is open.
func (p *Prober) Check(ctx context.Context, acq domain.Acquisition) (Result, error) {
	family, ok := p.families[acq.Product]
	if !ok {
		return Result{}, domain.Classify(domain.ErrBadInput, "probe.Check", fmt.Errorf("no availability family registered for product %q", acq.Product))
	}

	host := family.Host()
	var last Result
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		avail, err := p.breakers.guard(ctx, host, func(ctx context.Context) (bool, error) {
			res, err := family.Check(ctx, acq)
			last = res
			if err != nil {
				return false, err
			}
			return res.Outcome != OutcomeTransient, nil
		})
		if errors.Is(err, ErrCircuitOpen) {
			return Result{Outcome: OutcomeTransient, Err: err}, nil
		}
		if err == nil && avail {
			return last, nil
		}
		if last.Outcome == OutcomeDefinitiveNo {
			return last, nil
		}

		if attempt < p.cfg.MaxAttempts-1 {
			p.sleepFunc(backoff(p.cfg.BaseDelay, attempt))
		}
	}
	return last, nil
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base << attempt
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	return d + jitter
}

// httpListingFamily implements the temperature family: a directory index
// page is fetched for the acquisition's (year, month) and must contain a
// filename matching pattern for every one of the trailing window days.
type httpListingFamily struct {
	host           string
	client         *http.Client
	indexURL       func(acq domain.Acquisition) string
	filenamePatern func(day time.Time) *regexp.Regexp
	windowDays     int
}

// NewHTTPListingFamily builds the temperature-style availability family.
func NewHTTPListingFamily(host string, client *http.Client, indexURL func(domain.Acquisition) string, pattern func(time.Time) *regexp.Regexp, windowDays int) Family {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &httpListingFamily{host: host, client: client, indexURL: indexURL, filenamePatern: pattern, windowDays: windowDays}
}

func (f *httpListingFamily) Host() string { return f.host }

func (f *httpListingFamily) Check(ctx context.Context, acq domain.Acquisition) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.indexURL(acq), nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeTransient, Err: err}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{Outcome: OutcomeDefinitiveNo}, nil
	}
	if resp.StatusCode >= 500 {
		return Result{Outcome: OutcomeTransient, Err: fmt.Errorf("listing status %d", resp.StatusCode)}, fmt.Errorf("listing status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{Outcome: OutcomeDefinitiveNo}, nil
	}

	body := make([]byte, 0, 64*1024)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		body = append(body, buf[:n]...)
		if rerr != nil {
			break
		}
	}
	listing := string(body)

	for i := 0; i < f.windowDays; i++ {
		day := acq.Date.AddDate(0, 0, -i)
		if !f.filenamePatern(day).MatchString(listing) {
			return Result{Outcome: OutcomeDefinitiveNo}, nil
		}
	}
	return Result{Outcome: OutcomeYes}, nil
}

// urlHeadFamily implements the precipitation / preliminary-precipitation
// family: a plain HEAD (or GET) must return 200 with the expected
// content-type.
type urlHeadFamily struct {
	host            string
	client          *http.Client
	fetchURL        func(acq domain.Acquisition) string
	expectedCType   string
	basicUser       string
	basicPass       string
	useBasicAuth    bool
}

// NewURLHeadFamily builds the precipitation-style availability family.
func NewURLHeadFamily(host string, client *http.Client, fetchURL func(domain.Acquisition) string, expectedContentType string) Family {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &urlHeadFamily{host: host, client: client, fetchURL: fetchURL, expectedCType: expectedContentType}
}

// NewAuthenticatedHeadFamily builds the soil-water-style availability
// family: a GET with basic auth must return 200 and application/octet-stream.
func NewAuthenticatedHeadFamily(host string, client *http.Client, fetchURL func(domain.Acquisition) string, user, pass string) Family {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &urlHeadFamily{
		host: host, client: client, fetchURL: fetchURL,
		expectedCType: "application/octet-stream",
		basicUser:     user, basicPass: pass, useBasicAuth: true,
	}
}

func (f *urlHeadFamily) Host() string { return f.host }

func (f *urlHeadFamily) Check(ctx context.Context, acq domain.Acquisition) (Result, error) {
	target := f.fetchURL(acq)
	if _, err := url.Parse(target); err != nil {
		return Result{}, domain.Classify(domain.ErrBadInput, "probe.urlHeadFamily", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Result{}, err
	}
	if f.useBasicAuth {
		req.SetBasicAuth(f.basicUser, f.basicPass)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeTransient, Err: err}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Result{Outcome: OutcomeDefinitiveNo}, nil
	case resp.StatusCode >= 500:
		err := fmt.Errorf("fetch check status %d", resp.StatusCode)
		return Result{Outcome: OutcomeTransient, Err: err}, err
	case resp.StatusCode != http.StatusOK:
		return Result{Outcome: OutcomeDefinitiveNo}, nil
	}

	if f.expectedCType != "" && resp.Header.Get("Content-Type") != f.expectedCType {
		return Result{Outcome: OutcomeDefinitiveNo}, nil
	}
	return Result{Outcome: OutcomeYes}, nil
}

// CatalogLookup is the signature an external archive-listing service
// implements for the NDVI family: return every granule date known near
// target.
type CatalogLookup func(ctx context.Context, product string, target time.Time) ([]time.Time, error)

// catalogFamily implements the NDVI family: delegate to an external
// archive-listing service instead of probing a URL directly.
type catalogFamily struct {
	host   string
	lookup CatalogLookup
}

// NewCatalogFamily builds the NDVI-style availability family.
func NewCatalogFamily(host string, lookup CatalogLookup) Family {
	return &catalogFamily{host: host, lookup: lookup}
}

func (f *catalogFamily) Host() string { return f.host }

func (f *catalogFamily) Check(ctx context.Context, acq domain.Acquisition) (Result, error) {
	dates, err := f.lookup(ctx, acq.Product, acq.Date)
	if err != nil {
		return Result{Outcome: OutcomeTransient, Err: err}, err
	}
	for _, d := range dates {
		if d.Year() == acq.Date.Year() && d.YearDay() == acq.Date.YearDay() {
			return Result{Outcome: OutcomeYes}, nil
		}
	}
	return Result{Outcome: OutcomeDefinitiveNo}, nil
}
