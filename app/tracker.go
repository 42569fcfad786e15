// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/artpar/planmeter/adapters/metrics"
	"github.com/artpar/planmeter/core/events"
	"github.com/artpar/planmeter/domain/feature"
	"github.com/artpar/planmeter/domain/period"
	"github.com/artpar/planmeter/domain/usage"
	"github.com/artpar/planmeter/ports"
)

// openPeriodEnd marks the end of the ledger window for features that never
// reset. Records for those features all land in one open-ended period.
var openPeriodEnd = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Tracker is the usage ledger service: it records consumption and answers
// historical and statistical queries. Quota admission lives in Enforcer.
type Tracker struct {
	store   ports.UsageStore
	catalog ports.FeatureCatalog
	events  ports.EventSink
	clock   ports.Clock
	idGen   ports.IDGenerator
	logger  zerolog.Logger
	metrics *metrics.Collector

	aggregateSamePeriod bool
	weekStart           time.Weekday
}

// TrackerDeps contains dependencies for Tracker.
type TrackerDeps struct {
	Store   ports.UsageStore
	Catalog ports.FeatureCatalog
	Events  ports.EventSink
	Clock   ports.Clock
	IDGen   ports.IDGenerator
	Logger  zerolog.Logger
	Metrics *metrics.Collector // optional
}

// TrackerConfig contains tunables for Tracker.
type TrackerConfig struct {
	// AggregateSamePeriod collapses same-period records of sum/count
	// features into a single accumulating row.
	AggregateSamePeriod bool

	// WeekStart selects the first day of the week for weekly periods.
	WeekStart time.Weekday
}

// NewTracker creates a new usage tracking service.
func NewTracker(deps TrackerDeps, cfg TrackerConfig) *Tracker {
	return &Tracker{
		store:               deps.Store,
		catalog:             deps.Catalog,
		events:              deps.Events,
		clock:               deps.Clock,
		idGen:               deps.IDGen,
		logger:              deps.Logger,
		metrics:             deps.Metrics,
		aggregateSamePeriod: cfg.AggregateSamePeriod,
		weekStart:           cfg.WeekStart,
	}
}

// periodBoundsFor returns the ledger window containing now for a feature.
// Non-resetting features use a single open-ended window.
func (t *Tracker) periodBoundsFor(f feature.Feature, now time.Time) (start, end time.Time) {
	if b, ok := period.BoundsAt(f.ResetPeriod, now, t.weekStart); ok {
		return b.Start, b.End
	}
	return time.Time{}, openPeriodEnd
}

// Record writes one consumption entry to the ledger.
// The feature must resolve via the catalog; nothing is written otherwise.
// For sum/count features with aggregation enabled, the entry accumulates
// into the current period's row atomically; other features get a fresh row.
// Emits UsageRecorded after the write.
func (t *Tracker) Record(ctx context.Context, subject ports.Subject, slug string, amount decimal.Decimal, metadata map[string]string) (usage.Record, error) {
	f, err := t.catalog.Resolve(ctx, slug)
	if err != nil {
		return usage.Record{}, err
	}

	now := t.clock.Now()
	start, end := t.periodBoundsFor(f, now)

	contribution := f.Contribution(amount)

	rec := usage.Record{
		ID:          t.idGen.New(),
		SubjectType: subject.SubjectType(),
		SubjectID:   subject.SubjectID(),
		FeatureSlug: f.Slug,
		Used:        contribution,
		PeriodStart: start,
		PeriodEnd:   end,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if t.aggregateSamePeriod && f.Mergeable() {
		rec, err = t.store.AddToPeriod(ctx, rec)
	} else {
		err = t.store.Insert(ctx, rec)
	}
	if err != nil {
		return usage.Record{}, err
	}

	t.logger.Debug().
		Str("subject", subject.SubjectType()+":"+subject.SubjectID()).
		Str("feature", f.Slug).
		Str("amount", amount.String()).
		Msg("usage recorded")

	if t.metrics != nil {
		t.metrics.UsageRecords.WithLabelValues(f.Slug).Inc()
		units, _ := contribution.Float64()
		t.metrics.UsageUnits.WithLabelValues(f.Slug).Add(units)
	}

	t.events.Emit(ctx, events.UsageRecorded{
		SubjectType: subject.SubjectType(),
		SubjectID:   subject.SubjectID(),
		FeatureSlug: f.Slug,
		Amount:      amount,
		Record:      rec,
	})

	return rec, nil
}

// TotalUsage sums consumption over records whose period overlaps [from, to].
// Nil bounds are open; with both nil the total covers the whole ledger.
// The sum is computed store-side.
func (t *Tracker) TotalUsage(ctx context.Context, subject ports.Subject, slug string, from, to *time.Time) (decimal.Decimal, error) {
	if _, err := t.catalog.Resolve(ctx, slug); err != nil {
		return decimal.Zero, err
	}
	return t.store.Total(ctx, subject.SubjectType(), subject.SubjectID(), slug, from, to)
}

// CurrentPeriodUsage totals consumption within the feature's current period
// as of now. Non-resetting features total the whole ledger.
func (t *Tracker) CurrentPeriodUsage(ctx context.Context, subject ports.Subject, slug string) (decimal.Decimal, error) {
	f, err := t.catalog.Resolve(ctx, slug)
	if err != nil {
		return decimal.Zero, err
	}

	b, ok := period.BoundsAt(f.ResetPeriod, t.clock.Now(), t.weekStart)
	if !ok {
		return t.store.Total(ctx, subject.SubjectType(), subject.SubjectID(), slug, nil, nil)
	}
	return t.store.Total(ctx, subject.SubjectType(), subject.SubjectID(), slug, &b.Start, &b.End)
}

// History returns ledger records newest first, optionally filtered by
// feature slug (empty = all features) and capped at limit (<=0 = no cap).
func (t *Tracker) History(ctx context.Context, subject ports.Subject, slug string, limit int) ([]usage.Record, error) {
	if slug != "" {
		if _, err := t.catalog.Resolve(ctx, slug); err != nil {
			return nil, err
		}
	}
	return t.store.History(ctx, subject.SubjectType(), subject.SubjectID(), slug, limit)
}

// ResetUsage deletes ledger records for a (subject, feature) pair; a non-nil
// periodStart restricts deletion to that period. Returns rows removed.
func (t *Tracker) ResetUsage(ctx context.Context, subject ports.Subject, slug string, periodStart *time.Time) (int64, error) {
	if _, err := t.catalog.Resolve(ctx, slug); err != nil {
		return 0, err
	}
	return t.store.DeleteMatching(ctx, subject.SubjectType(), subject.SubjectID(), slug, periodStart)
}

// Statistics groups ledger records in [from, to] into calendar buckets and
// aggregates each (sum, count, average, max, min). Reporting only.
func (t *Tracker) Statistics(ctx context.Context, subject ports.Subject, slug string, from, to time.Time, bucket period.Period) ([]usage.Bucket, error) {
	if _, err := t.catalog.Resolve(ctx, slug); err != nil {
		return nil, err
	}
	records, err := t.store.Window(ctx, subject.SubjectType(), subject.SubjectID(), slug, from, to)
	if err != nil {
		return nil, err
	}
	return usage.Statistics(records, from, to, bucket, t.weekStart), nil
}
