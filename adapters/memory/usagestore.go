package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artpar/planmeter/domain/usage"
	"github.com/artpar/planmeter/ports"
)

// UsageStore implements ports.UsageStore with a mutex-guarded slice.
// AddToPeriod runs under the single lock, making find-or-create-then-add
// atomic.
type UsageStore struct {
	mu      sync.Mutex
	records []usage.Record
}

// NewUsageStore creates an empty in-memory usage store.
func NewUsageStore() *UsageStore {
	return &UsageStore{}
}

// Insert appends a fresh ledger record.
func (s *UsageStore) Insert(_ context.Context, r usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, r)
	return nil
}

// AddToPeriod accumulates into the matching period row, inserting when absent.
func (s *UsageStore) AddToPeriod(_ context.Context, r usage.Record) (usage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		existing := &s.records[i]
		if existing.SubjectType == r.SubjectType &&
			existing.SubjectID == r.SubjectID &&
			existing.FeatureSlug == r.FeatureSlug &&
			existing.PeriodStart.Equal(r.PeriodStart) {
			existing.Used = existing.Used.Add(r.Used)
			existing.Metadata = usage.MergeMetadata(existing.Metadata, r.Metadata)
			existing.UpdatedAt = r.UpdatedAt
			return *existing, nil
		}
	}

	s.records = append(s.records, r)
	return r, nil
}

// Total sums used over records whose period overlaps [from, to].
func (s *UsageStore) Total(_ context.Context, subjectType, subjectID, featureSlug string, from, to *time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := decimal.Zero
	for _, r := range s.records {
		if r.SubjectType != subjectType || r.SubjectID != subjectID || r.FeatureSlug != featureSlug {
			continue
		}
		if from != nil && r.PeriodEnd.Before(*from) {
			continue
		}
		if to != nil && r.PeriodStart.After(*to) {
			continue
		}
		total = total.Add(r.Used)
	}
	return total, nil
}

// History returns records newest first.
func (s *UsageStore) History(_ context.Context, subjectType, subjectID, featureSlug string, limit int) ([]usage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []usage.Record
	for _, r := range s.records {
		if r.SubjectType != subjectType || r.SubjectID != subjectID {
			continue
		}
		if featureSlug != "" && r.FeatureSlug != featureSlug {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteMatching removes records for a (subject, feature) pair.
func (s *UsageStore) DeleteMatching(_ context.Context, subjectType, subjectID, featureSlug string, periodStart *time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []usage.Record
	var removed int64
	for _, r := range s.records {
		match := r.SubjectType == subjectType && r.SubjectID == subjectID && r.FeatureSlug == featureSlug
		if match && periodStart != nil {
			match = r.PeriodStart.Equal(*periodStart)
		}
		if match {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed, nil
}

// Window returns records with period start inside [from, to], oldest first.
func (s *UsageStore) Window(_ context.Context, subjectType, subjectID, featureSlug string, from, to time.Time) ([]usage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []usage.Record
	for _, r := range s.records {
		if r.SubjectType != subjectType || r.SubjectID != subjectID || r.FeatureSlug != featureSlug {
			continue
		}
		if r.PeriodStart.Before(from) || r.PeriodStart.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PeriodStart.Before(out[j].PeriodStart)
	})
	return out, nil
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
