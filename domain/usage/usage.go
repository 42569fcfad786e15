// Package usage provides ledger value types and pure aggregation functions.
package usage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/artpar/planmeter/domain/period"
)

// Record is one ledger entry: consumption of a feature by a subject within
// a period. Records for mergeable features accumulate in place; all others
// are immutable once written.
type Record struct {
	ID          string
	SubjectType string
	SubjectID   string
	FeatureSlug string
	Used        decimal.Decimal
	PeriodStart time.Time
	PeriodEnd   time.Time
	Metadata    map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MergeMetadata folds extra into base, last write winning on key collisions.
// Returns nil when both inputs are empty. This is a PURE function.
func MergeMetadata(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// Bucket is one grouped aggregate in a statistics report.
type Bucket struct {
	Start   time.Time
	End     time.Time
	Sum     decimal.Decimal
	Count   int64
	Average decimal.Decimal
	Max     decimal.Decimal
	Min     decimal.Decimal
}

// Statistics groups records into calendar buckets and aggregates each group.
// Records outside [from, to] are ignored; buckets are keyed by the window
// containing the record's period start. Reporting only, not accounting.
// This is a PURE function.
func Statistics(records []Record, from, to time.Time, bucket period.Period, weekStart time.Weekday) []Bucket {
	groups := make(map[time.Time][]Record)
	for _, r := range records {
		if r.PeriodStart.Before(from) || r.PeriodStart.After(to) {
			continue
		}
		start, ok := period.StartOf(bucket, r.PeriodStart, weekStart)
		if !ok {
			start = from
		}
		groups[start] = append(groups[start], r)
	}

	out := make([]Bucket, 0, len(groups))
	for start, rs := range groups {
		b := Bucket{Start: start}
		if bounds, ok := period.BoundsAt(bucket, start, weekStart); ok {
			b.End = bounds.End
		} else {
			b.End = to
		}
		for i, r := range rs {
			b.Sum = b.Sum.Add(r.Used)
			b.Count++
			if i == 0 || r.Used.GreaterThan(b.Max) {
				b.Max = r.Used
			}
			if i == 0 || r.Used.LessThan(b.Min) {
				b.Min = r.Used
			}
		}
		if b.Count > 0 {
			b.Average = b.Sum.Div(decimal.NewFromInt(b.Count))
		}
		out = append(out, b)
	}

	sortBuckets(out)
	return out
}

// TotalOf sums the used amounts of a record slice.
// This is a PURE function.
func TotalOf(records []Record) decimal.Decimal {
	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.Used)
	}
	return total
}

func sortBuckets(buckets []Bucket) {
	// Insertion sort; bucket counts are small (one per window in the report).
	for i := 1; i < len(buckets); i++ {
		for j := i; j > 0 && buckets[j].Start.Before(buckets[j-1].Start); j-- {
			buckets[j], buckets[j-1] = buckets[j-1], buckets[j]
		}
	}
}
