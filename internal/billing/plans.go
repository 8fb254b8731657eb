// Package billing holds the plan catalog and the entitlement rules evaluated
// against it.
package billing

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"funnelmetrics/internal/types"
)

// FreePeriod is the length of a free-tier billing period.
const FreePeriod = 365 * 24 * time.Hour

// Limit is a resource quota that is either a finite maximum or unbounded.
// The zero value is a finite limit of zero.
type Limit struct {
	max       int
	unbounded bool
}

// Max returns a finite limit of n.
func Max(n int) Limit { return Limit{max: n} }

// Unbounded returns a limit that admits any count.
func Unbounded() Limit { return Limit{unbounded: true} }

// IsUnbounded reports whether the limit admits any count.
func (l Limit) IsUnbounded() bool { return l.unbounded }

// Value returns the finite maximum. It is meaningless for unbounded limits.
func (l Limit) Value() int { return l.max }

// Admits reports whether one more resource may be created when count already exist.
func (l Limit) Admits(count int) bool {
	return l.unbounded || count < l.max
}

// AtMost reports whether l is no larger than other.
func (l Limit) AtMost(other Limit) bool {
	if other.unbounded {
		return true
	}
	return !l.unbounded && l.max <= other.max
}

func (l Limit) String() string {
	if l.unbounded {
		return "unlimited"
	}
	return strconv.Itoa(l.max)
}

// MarshalJSON renders unbounded limits as null.
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.unbounded {
		return []byte("null"), nil
	}
	return json.Marshal(l.max)
}

// PlanSpec is the input used to build a Catalog.
type PlanSpec struct {
	Tier         types.PlanTier
	ProjectLimit Limit
	FunnelLimit  Limit
	Features     []types.FeatureFlag
}

// Plan is the read-only entitlement set of one tier.
type Plan struct {
	tier     types.PlanTier
	projects Limit
	funnels  Limit
	features map[types.FeatureFlag]struct{}
}

// Tier returns the plan's tier.
func (p Plan) Tier() types.PlanTier { return p.tier }

// ProjectLimit returns the project quota.
func (p Plan) ProjectLimit() Limit { return p.projects }

// FunnelLimit returns the funnel quota.
func (p Plan) FunnelLimit() Limit { return p.funnels }

// Has reports whether the plan includes flag.
func (p Plan) Has(flag types.FeatureFlag) bool {
	_, ok := p.features[flag]
	return ok
}

// Features returns the plan's features in sorted order.
func (p Plan) Features() []types.FeatureFlag {
	out := make([]types.FeatureFlag, 0, len(p.features))
	for f := range p.features {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Catalog maps every plan tier to its entitlements. It is built once at
// startup and never modified; pass it explicitly to whatever needs it.
type Catalog struct {
	plans map[types.PlanTier]Plan
}

// DefaultPlanSpecs returns the production plan table.
//
//	| Tier         | Projects  | Funnels   | Features added                      |
//	|--------------|-----------|-----------|-------------------------------------|
//	| free         | 1         | 2         | basic_analytics                     |
//	| basic        | 3         | 10        | advanced_analytics, export_data     |
//	| professional | 10        | 50        | ab_testing, api_access              |
//	| enterprise   | unlimited | unlimited | white_label, priority_support       |
func DefaultPlanSpecs() []PlanSpec {
	free := []types.FeatureFlag{types.FeatureBasicAnalytics}
	basic := append(append([]types.FeatureFlag{}, free...), types.FeatureAdvancedAnalytics, types.FeatureExportData)
	pro := append(append([]types.FeatureFlag{}, basic...), types.FeatureABTesting, types.FeatureAPIAccess)
	ent := append(append([]types.FeatureFlag{}, pro...), types.FeatureWhiteLabel, types.FeaturePrioritySupport)

	return []PlanSpec{
		{Tier: types.PlanFree, ProjectLimit: Max(1), FunnelLimit: Max(2), Features: free},
		{Tier: types.PlanBasic, ProjectLimit: Max(3), FunnelLimit: Max(10), Features: basic},
		{Tier: types.PlanProfessional, ProjectLimit: Max(10), FunnelLimit: Max(50), Features: pro},
		{Tier: types.PlanEnterprise, ProjectLimit: Unbounded(), FunnelLimit: Unbounded(), Features: ent},
	}
}

// NewCatalog validates specs and builds a Catalog. Every known tier must be
// present exactly once, quotas and feature sets must not shrink from one tier
// to the next, and enterprise must be unbounded.
func NewCatalog(specs []PlanSpec) (*Catalog, error) {
	plans := make(map[types.PlanTier]Plan, len(specs))
	for _, s := range specs {
		if !s.Tier.Valid() {
			return nil, fmt.Errorf("unknown plan tier %q", s.Tier)
		}
		if _, dup := plans[s.Tier]; dup {
			return nil, fmt.Errorf("plan tier %q defined twice", s.Tier)
		}
		features := make(map[types.FeatureFlag]struct{}, len(s.Features))
		for _, f := range s.Features {
			features[f] = struct{}{}
		}
		plans[s.Tier] = Plan{tier: s.Tier, projects: s.ProjectLimit, funnels: s.FunnelLimit, features: features}
	}

	var prev *Plan
	for _, tier := range types.PlanTiers {
		p, ok := plans[tier]
		if !ok {
			return nil, fmt.Errorf("plan tier %q missing", tier)
		}
		if prev != nil {
			if !prev.projects.AtMost(p.projects) || !prev.funnels.AtMost(p.funnels) {
				return nil, fmt.Errorf("plan tier %q has lower limits than %q", tier, prev.tier)
			}
			for f := range prev.features {
				if !p.Has(f) {
					return nil, fmt.Errorf("plan tier %q drops feature %q from %q", tier, f, prev.tier)
				}
			}
		}
		prev = &p
	}

	ent := plans[types.PlanEnterprise]
	if !ent.projects.IsUnbounded() || !ent.funnels.IsUnbounded() {
		return nil, fmt.Errorf("plan tier %q must be unbounded", types.PlanEnterprise)
	}
	return &Catalog{plans: plans}, nil
}

// DefaultCatalog builds the catalog from DefaultPlanSpecs.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultPlanSpecs())
	if err != nil {
		panic(err)
	}
	return c
}

// Plan returns the entitlements for tier. An unknown tier is a programming
// error and panics.
func (c *Catalog) Plan(tier types.PlanTier) Plan {
	p, ok := c.plans[tier]
	if !ok {
		panic(fmt.Sprintf("billing: unknown plan tier %q", tier))
	}
	return p
}
