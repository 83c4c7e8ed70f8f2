// Package matchup holds the static region/mask matchup policy referenced
// by the Zonal Aggregator, Statistics Materializer, and Rectifier: which
// crop masks are aggregated against which region rasters. Modeled the same
// way the Product Registry is — a closed, in-process map built at start,
// never a database table.
package matchup

// Pair identifies one (region raster, mask) combination the system is
// permitted to aggregate and materialize.
type Pair struct {
	Region string
	Mask   string
}

// Policy is the static admin_crops matchup table.
type Policy struct {
	allowed map[string][]string // region -> masks
}

// NewDefault builds the matchup policy shipped with this deployment: every
// region raster gets "nomask" (the identity mask) plus whatever
// country-specific crop masks apply to it.
func NewDefault() *Policy {
	return &Policy{allowed: map[string][]string{
		"kenya":    {"nomask", "maize"},
		"ethiopia": {"nomask", "maize", "sorghum", "teff"},
		"nigeria":  {"nomask", "maize", "cassava", "sorghum"},
		"global":   {"nomask"},
	}}
}

// Pairs returns every (region, mask) pair the policy permits.
func (p *Policy) Pairs() []Pair {
	out := make([]Pair, 0)
	for region, masks := range p.allowed {
		for _, mask := range masks {
			out = append(out, Pair{Region: region, Mask: mask})
		}
	}
	return out
}

// Allowed reports whether mask is permitted for region.
func (p *Policy) Allowed(region, mask string) bool {
	for _, m := range p.allowed[region] {
		if m == mask {
			return true
		}
	}
	return false
}

// MasksFor returns the masks permitted for region.
func (p *Policy) MasksFor(region string) []string {
	return p.allowed[region]
}

// Regions returns every region raster the policy knows about.
func (p *Policy) Regions() []string {
	out := make([]string, 0, len(p.allowed))
	for region := range p.allowed {
		out = append(out, region)
	}
	return out
}
