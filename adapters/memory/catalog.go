package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/artpar/planmeter/domain/feature"
	"github.com/artpar/planmeter/domain/plan"
	"github.com/artpar/planmeter/ports"
)

// Catalog implements ports.FeatureCatalog and ports.PlanResolver from static
// definitions, typically loaded from YAML config. Replace swaps the whole
// catalog on hot reload.
type Catalog struct {
	mu       sync.RWMutex
	features map[string]feature.Feature
	plans    map[string]plan.Plan
}

// NewCatalog creates a catalog from feature and plan definitions.
// Duplicate slugs or invalid features are rejected.
func NewCatalog(features []feature.Feature, plans []plan.Plan) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(features, plans); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace atomically swaps all definitions.
func (c *Catalog) Replace(features []feature.Feature, plans []plan.Plan) error {
	fm := make(map[string]feature.Feature, len(features))
	for _, f := range features {
		if err := f.Validate(); err != nil {
			return err
		}
		if _, dup := fm[f.Slug]; dup {
			return fmt.Errorf("catalog: duplicate feature slug %q", f.Slug)
		}
		fm[f.Slug] = f
	}

	pm := make(map[string]plan.Plan, len(plans))
	for _, p := range plans {
		if p.ID == "" {
			return fmt.Errorf("catalog: plan with empty id")
		}
		if _, dup := pm[p.ID]; dup {
			return fmt.Errorf("catalog: duplicate plan id %q", p.ID)
		}
		for slug := range p.Features {
			if _, ok := fm[slug]; !ok {
				return fmt.Errorf("catalog: plan %q grants unknown feature %q", p.ID, slug)
			}
		}
		pm[p.ID] = p
	}

	c.mu.Lock()
	c.features = fm
	c.plans = pm
	c.mu.Unlock()
	return nil
}

// Resolve returns the feature for a slug, or feature.ErrUnknown.
func (c *Catalog) Resolve(_ context.Context, slug string) (feature.Feature, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, ok := c.features[slug]
	if !ok {
		return feature.Feature{}, fmt.Errorf("%w: %s", feature.ErrUnknown, slug)
	}
	return f, nil
}

// List returns all catalog entries.
func (c *Catalog) List(_ context.Context) ([]feature.Feature, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]feature.Feature, 0, len(c.features))
	for _, f := range c.features {
		out = append(out, f)
	}
	return out, nil
}

// GetPlan returns the plan for a reference, or ports.ErrNotFound.
func (c *Catalog) GetPlan(_ context.Context, ref string) (plan.Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.plans[ref]
	if !ok {
		return plan.Plan{}, fmt.Errorf("plan %q: %w", ref, ports.ErrNotFound)
	}
	return p, nil
}

// Ensure interface compliance.
var (
	_ ports.FeatureCatalog = (*Catalog)(nil)
	_ ports.PlanResolver   = (*Catalog)(nil)
)
