// Package plan provides plan value types and pure functions.
// A plan grants features to subjects, each with an optional limit.
package plan

import "github.com/shopspring/decimal"

// Grant is the value a plan assigns to one feature (immutable value type).
// Unlimited means the feature is granted with no ceiling.
type Grant struct {
	Unlimited bool
	Limit     decimal.Decimal
}

// Plan represents a subscription tier (immutable value type).
// Features maps feature slug to its grant; absence means not granted.
type Plan struct {
	ID       string
	Name     string
	Features map[string]Grant
}

// Grant looks up the grant for a feature slug.
// The second return value is false when the plan does not include the
// feature at all, which is distinct from an unlimited grant.
// This is a PURE function.
func (p Plan) Grant(slug string) (Grant, bool) {
	g, ok := p.Features[slug]
	return g, ok
}

// Slugs returns the slugs of all granted features.
// This is a PURE function.
func (p Plan) Slugs() []string {
	slugs := make([]string, 0, len(p.Features))
	for slug := range p.Features {
		slugs = append(slugs, slug)
	}
	return slugs
}

// FindPlan finds a plan by ID in a list.
// This is a PURE function.
func FindPlan(plans []Plan, id string) (Plan, bool) {
	for _, p := range plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}
