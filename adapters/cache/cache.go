// Package cache provides advisory TTL memoization for catalog, plan, and
// quota-snapshot lookups. The cache is a performance optimization only:
// staleness is bounded by the TTL, invalidation is best effort, and the
// mutate-and-decide path of enforcement never reads through it.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/artpar/planmeter/domain/feature"
	"github.com/artpar/planmeter/domain/plan"
	"github.com/artpar/planmeter/domain/quota"
	"github.com/artpar/planmeter/ports"
)

// Catalog memoizes feature lookups in front of another FeatureCatalog.
type Catalog struct {
	next ports.FeatureCatalog
	lru  *expirable.LRU[string, feature.Feature]
}

// NewCatalog creates a caching catalog. size bounds entries, ttl bounds
// staleness.
func NewCatalog(next ports.FeatureCatalog, size int, ttl time.Duration) *Catalog {
	return &Catalog{
		next: next,
		lru:  expirable.NewLRU[string, feature.Feature](size, nil, ttl),
	}
}

// Resolve returns a cached feature or fills from the underlying catalog.
// Misses and errors pass straight through; errors are never cached.
func (c *Catalog) Resolve(ctx context.Context, slug string) (feature.Feature, error) {
	if f, ok := c.lru.Get(slug); ok {
		return f, nil
	}
	f, err := c.next.Resolve(ctx, slug)
	if err != nil {
		return feature.Feature{}, err
	}
	c.lru.Add(slug, f)
	return f, nil
}

// List always reads through; listings are administrative, not hot-path.
func (c *Catalog) List(ctx context.Context) ([]feature.Feature, error) {
	return c.next.List(ctx)
}

// Invalidate drops one slug from the cache.
func (c *Catalog) Invalidate(slug string) {
	c.lru.Remove(slug)
}

// Purge drops everything.
func (c *Catalog) Purge() {
	c.lru.Purge()
}

// Ensure interface compliance.
var _ ports.FeatureCatalog = (*Catalog)(nil)

// Plans memoizes plan lookups in front of another PlanResolver.
type Plans struct {
	next ports.PlanResolver
	lru  *expirable.LRU[string, plan.Plan]
}

// NewPlans creates a caching plan resolver.
func NewPlans(next ports.PlanResolver, size int, ttl time.Duration) *Plans {
	return &Plans{
		next: next,
		lru:  expirable.NewLRU[string, plan.Plan](size, nil, ttl),
	}
}

// GetPlan returns a cached plan or fills from the underlying resolver.
func (p *Plans) GetPlan(ctx context.Context, ref string) (plan.Plan, error) {
	if pl, ok := p.lru.Get(ref); ok {
		return pl, nil
	}
	pl, err := p.next.GetPlan(ctx, ref)
	if err != nil {
		return plan.Plan{}, err
	}
	p.lru.Add(ref, pl)
	return pl, nil
}

// Invalidate drops one plan ref from the cache.
func (p *Plans) Invalidate(ref string) {
	p.lru.Remove(ref)
}

// Purge drops everything.
func (p *Plans) Purge() {
	p.lru.Purge()
}

// Ensure interface compliance.
var _ ports.PlanResolver = (*Plans)(nil)

// Snapshots caches read-only quota snapshots for dashboards and reporting.
// Keys are tagged by subject so a mutation can flush every snapshot for that
// subject. Enforcement never consults this cache.
type Snapshots struct {
	lru *expirable.LRU[string, quota.Quota]
}

// NewSnapshots creates a snapshot cache.
func NewSnapshots(size int, ttl time.Duration) *Snapshots {
	return &Snapshots{lru: expirable.NewLRU[string, quota.Quota](size, nil, ttl)}
}

func snapshotKey(subjectType, subjectID, featureSlug string) string {
	return subjectType + "\x00" + subjectID + "\x00" + featureSlug
}

// Get returns a cached snapshot if present and fresh.
func (s *Snapshots) Get(subjectType, subjectID, featureSlug string) (quota.Quota, bool) {
	return s.lru.Get(snapshotKey(subjectType, subjectID, featureSlug))
}

// Put stores a snapshot.
func (s *Snapshots) Put(q quota.Quota) {
	s.lru.Add(snapshotKey(q.SubjectType, q.SubjectID, q.FeatureSlug), q)
}

// InvalidateSubject flushes every snapshot tagged with the subject.
// Best effort: a failure to flush only extends staleness within the TTL.
func (s *Snapshots) InvalidateSubject(subjectType, subjectID string) {
	prefix := subjectType + "\x00" + subjectID + "\x00"
	for _, key := range s.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.lru.Remove(key)
		}
	}
}

// Purge drops everything.
func (s *Snapshots) Purge() {
	s.lru.Purge()
}
