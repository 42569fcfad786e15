// Package memory provides in-memory implementations of storage and catalog
// ports, used for tests and for embedding without a database.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artpar/planmeter/domain/quota"
	"github.com/artpar/planmeter/ports"
)

type quotaKey struct {
	subjectType string
	subjectID   string
	featureSlug string
}

// QuotaStore implements ports.QuotaStore with a mutex-guarded map.
// The single lock makes every read-modify-write atomic, which satisfies the
// store contract for increments under concurrency.
type QuotaStore struct {
	mu     sync.Mutex
	quotas map[quotaKey]quota.Quota
}

// NewQuotaStore creates an empty in-memory quota store.
func NewQuotaStore() *QuotaStore {
	return &QuotaStore{quotas: make(map[quotaKey]quota.Quota)}
}

// Get retrieves one quota row.
func (s *QuotaStore) Get(_ context.Context, subjectType, subjectID, featureSlug string) (quota.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotas[quotaKey{subjectType, subjectID, featureSlug}]
	if !ok {
		return quota.Quota{}, ports.ErrNotFound
	}
	return q, nil
}

// Put inserts or replaces a quota row.
func (s *QuotaStore) Put(_ context.Context, q quota.Quota) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quotas[quotaKey{q.SubjectType, q.SubjectID, q.FeatureSlug}] = q
	return nil
}

// Increment atomically adds amount to used.
func (s *QuotaStore) Increment(_ context.Context, subjectType, subjectID, featureSlug string, amount decimal.Decimal, at time.Time) (quota.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaKey{subjectType, subjectID, featureSlug}
	q, ok := s.quotas[key]
	if !ok {
		return quota.Quota{}, ports.ErrNotFound
	}
	q.Used = q.Used.Add(amount)
	q.UpdatedAt = at
	s.quotas[key] = q
	return q, nil
}

// Decrement atomically subtracts amount from used, clamping at zero.
func (s *QuotaStore) Decrement(_ context.Context, subjectType, subjectID, featureSlug string, amount decimal.Decimal, at time.Time) (quota.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaKey{subjectType, subjectID, featureSlug}
	q, ok := s.quotas[key]
	if !ok {
		return quota.Quota{}, ports.ErrNotFound
	}
	q.Used = quota.ApplyDecrement(q.Used, amount)
	q.UpdatedAt = at
	s.quotas[key] = q
	return q, nil
}

// IncrementWithin adds amount only if used+amount stays at or below ceiling.
func (s *QuotaStore) IncrementWithin(_ context.Context, subjectType, subjectID, featureSlug string, amount decimal.Decimal, ceiling decimal.NullDecimal, at time.Time) (quota.Quota, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaKey{subjectType, subjectID, featureSlug}
	q, ok := s.quotas[key]
	if !ok {
		return quota.Quota{}, false, ports.ErrNotFound
	}
	next := q.Used.Add(amount)
	if ceiling.Valid && next.GreaterThan(ceiling.Decimal) {
		return q, false, nil
	}
	q.Used = next
	q.UpdatedAt = at
	s.quotas[key] = q
	return q, true, nil
}

// ListBySubject returns all quota rows for one subject.
func (s *QuotaStore) ListBySubject(_ context.Context, subjectType, subjectID string) ([]quota.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []quota.Quota
	for key, q := range s.quotas {
		if key.subjectType == subjectType && key.subjectID == subjectID {
			out = append(out, q)
		}
	}
	return out, nil
}

// Delete removes one quota row.
func (s *QuotaStore) Delete(_ context.Context, subjectType, subjectID, featureSlug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.quotas, quotaKey{subjectType, subjectID, featureSlug})
	return nil
}

// Ensure interface compliance.
var _ ports.QuotaStore = (*QuotaStore)(nil)
