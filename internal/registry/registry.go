// Package registry holds the static per-product metadata that the rest of
// glamd consumes through a narrow interface: cadence, epoch, canonical
// naming, and the normalization plan. Per-product variation is isolated
// here; callers never branch on a product name.
package registry

import (
	"fmt"
	"sort"
	"time"
)

// Product describes one upstream data source.
type Product struct {
	// ID is the canonical product identifier, e.g. "chirps", "merra-2".
	ID string
	// Cadence governs expectedDates.
	Cadence Cadence
	// Epoch is the earliest valid acquisition date; zero means unbounded.
	Epoch time.Time
	// NDVI marks products whose canonical filename uses the
	// "{product}.{year}.{doy3}.tif" grammar instead of the date grammar.
	NDVI bool
	// Collections lists the discriminators produced per date. A single
	// implicit collection is represented by a nil/empty slice.
	Collections []string
}

// Cadence identifies the rule generating legal acquisition dates.
type Cadence string

const (
	CadenceDaily     Cadence = "daily"
	Cadence5Day      Cadence = "5day"
	CadenceDekad     Cadence = "dekad"
	Cadence8DayDOY1  Cadence = "8day_doy1"
	Cadence16DayDOY1 Cadence = "16day_doy1"
	Cadence16DayDOY9 Cadence = "16day_doy9"
)

// Registry is the closed set of known products, built once at process start.
type Registry struct {
	products map[string]Product
}

// New builds the static registry. This is the one place product-specific
// constants live; every other component consumes Registry's methods only.
func New() *Registry {
	products := []Product{
		{ID: "merra-2", Cadence: Cadence5Day, Collections: []string{"min", "mean", "max"}},
		{ID: "chirps", Cadence: CadenceDekad, Epoch: date(1981, 1, 1)},
		{ID: "chirps-prelim", Cadence: CadenceDekad, Epoch: date(2016, 1, 1)},
		{ID: "swi", Cadence: CadenceDekad, Epoch: date(2007, 1, 1)},
		{ID: "MOD09Q1", Cadence: Cadence8DayDOY1, Epoch: date(2000, 2, 18), NDVI: true},
		{ID: "MYD09Q1", Cadence: Cadence8DayDOY1, Epoch: date(2002, 7, 4), NDVI: true},
		{ID: "MOD13Q1", Cadence: Cadence16DayDOY1, Epoch: date(2000, 2, 18), NDVI: true},
		{ID: "MYD13Q1", Cadence: Cadence16DayDOY9, Epoch: date(2002, 7, 4), NDVI: true},
		{ID: "MOD13Q4N", Cadence: CadenceDaily, Epoch: date(2000, 2, 18), NDVI: true},
	}
	m := make(map[string]Product, len(products))
	for _, p := range products {
		m[p.ID] = p
	}
	return &Registry{products: m}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Get returns the product entry, or false if unknown.
func (r *Registry) Get(id string) (Product, bool) {
	p, ok := r.products[id]
	return p, ok
}

// IDs returns every registered product id, in a stable order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.products))
	for id := range r.products {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ExpectedDates generates the full cadence-legal date sequence in (from, to].
// Property P1: the result is strictly increasing and every element is
// cadence-legal for p.
func (p Product) ExpectedDates(from, to time.Time) ([]time.Time, error) {
	if !to.After(from) {
		return nil, nil
	}
	switch p.Cadence {
	case CadenceDaily:
		return dailySeq(from, to, 1), nil
	case Cadence5Day:
		return dailySeq(from, to, 5), nil
	case CadenceDekad:
		return dekadSeq(from, to), nil
	case Cadence8DayDOY1:
		return anchoredSeq(from, to, 8, 1), nil
	case Cadence16DayDOY1:
		return anchoredSeq(from, to, 16, 1), nil
	case Cadence16DayDOY9:
		return anchoredSeq(from, to, 16, 9), nil
	default:
		return nil, fmt.Errorf("registry: unknown cadence %q for product %q", p.Cadence, p.ID)
	}
}

// dailySeq steps forward stepDays at a time, starting the first step after from.
func dailySeq(from, to time.Time, stepDays int) []time.Time {
	var out []time.Time
	cur := from.AddDate(0, 0, stepDays)
	for !cur.After(to) {
		out = append(out, cur)
		cur = cur.AddDate(0, 0, stepDays)
	}
	return out
}

// dekadSeq generates days {1, 11, 21} of each month, strictly after from and
// up to and including to. Day 11→21 advances normally; day 21 of month m
// advances to day 1 of month m+1 (the dekad-3-to-dekad-1 rollover).
func dekadSeq(from, to time.Time) []time.Time {
	cur := nextDekadAfter(from)
	var out []time.Time
	for !cur.After(to) {
		out = append(out, cur)
		cur = nextDekad(cur)
	}
	return out
}

func nextDekadAfter(d time.Time) time.Time {
	y, m, day := d.Date()
	switch {
	case day < 1:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case day < 11:
		return time.Date(y, m, 11, 0, 0, 0, 0, time.UTC)
	case day < 21:
		return time.Date(y, m, 21, 0, 0, 0, 0, time.UTC)
	default:
		return nextDekad(time.Date(y, m, 21, 0, 0, 0, 0, time.UTC))
	}
}

func nextDekad(d time.Time) time.Time {
	y, m, day := d.Date()
	switch day {
	case 1:
		return time.Date(y, m, 11, 0, 0, 0, 0, time.UTC)
	case 11:
		return time.Date(y, m, 21, 0, 0, 0, 0, time.UTC)
	default: // 21: rolls into day 1 of the following month
		next := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		return next
	}
}

// DekadOfMonth maps a day-of-month to its upstream dekad index 1/2/3 per the
// fetch grammar: 1..11 -> 1, 12..21 -> 2, 22..end -> 3.
func DekadOfMonth(day int) int {
	switch {
	case day <= 11:
		return 1
	case day <= 21:
		return 2
	default:
		return 3
	}
}

// anchoredSeq steps forward stepDays at a time, but resets to day-of-year
// anchor on crossing a year boundary (MOD13Q1-style anchor=1, MYD13Q1-style
// anchor=9).
func anchoredSeq(from, to time.Time, stepDays, anchor int) []time.Time {
	cur := nextAnchoredAfter(from, stepDays, anchor)
	var out []time.Time
	for !cur.After(to) {
		out = append(out, cur)
		cur = nextAnchored(cur, stepDays, anchor)
	}
	return out
}

func nextAnchoredAfter(d time.Time, stepDays, anchor int) time.Time {
	y := d.Year()
	start := yearDay(y, anchor)
	if d.Before(start) {
		return start
	}
	cur := start
	for !cur.After(d) {
		cur = nextAnchored(cur, stepDays, anchor)
	}
	return cur
}

func nextAnchored(d time.Time, stepDays, anchor int) time.Time {
	next := d.AddDate(0, 0, stepDays)
	if next.Year() != d.Year() {
		return yearDay(next.Year(), anchor)
	}
	return next
}

func yearDay(year, doy int) time.Time {
	return time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, doy-1)
}

