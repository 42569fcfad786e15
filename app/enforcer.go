package app

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/artpar/planmeter/adapters/metrics"
	"github.com/artpar/planmeter/core/events"
	"github.com/artpar/planmeter/domain/period"
	"github.com/artpar/planmeter/domain/plan"
	"github.com/artpar/planmeter/domain/quota"
	"github.com/artpar/planmeter/ports"
)

// ErrFeatureNotGranted is returned by the error-based enforcement API when
// the subject's plan does not include the feature. The boolean APIs report
// this as a plain false, never as an error.
var ErrFeatureNotGranted = errors.New("feature not granted")

// Enforcer is the quota admission and enforcement service. It owns quota
// lifecycle (lazy creation from plan defaults, lazy reset-on-read), the
// check-then-act of enforcement, warning-threshold detection, and
// plan-change resynchronization.
type Enforcer struct {
	quotas  ports.QuotaStore
	tracker *Tracker
	catalog ports.FeatureCatalog
	plans   ports.PlanResolver
	events  ports.EventSink
	clock   ports.Clock
	logger  zerolog.Logger
	metrics *metrics.Collector

	policy    quota.Policy
	weekStart time.Weekday

	// conditionalIncrement switches enforcement to the store's atomic
	// "increment if within ceiling" primitive, closing the check-then-act
	// window at the cost of an extra rejection path. With it off, concurrent
	// callers may overshoot the limit by up to (racers-1)*amount, bounded in
	// practice by the grace percentage.
	conditionalIncrement bool
}

// EnforcerDeps contains dependencies for Enforcer.
type EnforcerDeps struct {
	Quotas  ports.QuotaStore
	Tracker *Tracker
	Catalog ports.FeatureCatalog
	Plans   ports.PlanResolver
	Events  ports.EventSink
	Clock   ports.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Collector // optional
}

// EnforcerConfig contains every enforcement tunable. No other configuration
// is read inside the engine.
type EnforcerConfig struct {
	Policy               quota.Policy
	WeekStart            time.Weekday
	ConditionalIncrement bool
}

// NewEnforcer creates a new enforcement service.
func NewEnforcer(deps EnforcerDeps, cfg EnforcerConfig) *Enforcer {
	return &Enforcer{
		quotas:               deps.Quotas,
		tracker:              deps.Tracker,
		catalog:              deps.Catalog,
		plans:                deps.Plans,
		events:               deps.Events,
		clock:                deps.Clock,
		logger:               deps.Logger,
		metrics:              deps.Metrics,
		policy:               cfg.Policy,
		weekStart:            cfg.WeekStart,
		conditionalIncrement: cfg.ConditionalIncrement,
	}
}

// Policy returns the active enforcement policy.
func (e *Enforcer) Policy() quota.Policy {
	return e.policy
}

// -----------------------------------------------------------------------------
// Quota lifecycle
// -----------------------------------------------------------------------------

// GetOrCreate returns the quota for (subject, feature), creating it from the
// subject's plan on first touch. The second return value is false when the
// feature is not available to the subject at all (no plan, dangling plan
// ref, or plan does not grant the feature) - distinct from an unlimited
// quota. A stored quota whose reset instant has passed is reset in place
// before being returned.
func (e *Enforcer) GetOrCreate(ctx context.Context, subject ports.Subject, slug string) (quota.Quota, bool, error) {
	now := e.clock.Now()

	q, err := e.quotas.Get(ctx, subject.SubjectType(), subject.SubjectID(), slug)
	if err == nil {
		if quota.Stale(q, now) {
			q, err = e.resetInPlace(ctx, q, now, "lazy")
			if err != nil {
				return quota.Quota{}, false, err
			}
		}
		return q, true, nil
	}
	if !errors.Is(err, ports.ErrNotFound) {
		return quota.Quota{}, false, err
	}

	f, err := e.catalog.Resolve(ctx, slug)
	if err != nil {
		return quota.Quota{}, false, err
	}

	ref := subject.PlanRef()
	if ref == "" {
		return quota.Quota{}, false, nil
	}
	pl, err := e.plans.GetPlan(ctx, ref)
	if errors.Is(err, ports.ErrNotFound) {
		// Dangling plan reference: the feature is unavailable, not an error.
		return quota.Quota{}, false, nil
	}
	if err != nil {
		return quota.Quota{}, false, err
	}
	grant, ok := pl.Grant(slug)
	if !ok {
		return quota.Quota{}, false, nil
	}

	q = quota.Quota{
		SubjectType: subject.SubjectType(),
		SubjectID:   subject.SubjectID(),
		FeatureSlug: f.Slug,
		Limit:       limitFromGrant(grant),
		Used:        decimal.Zero,
		ResetAt:     period.NextResetAt(f.ResetPeriod, now, e.weekStart),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.quotas.Put(ctx, q); err != nil {
		return quota.Quota{}, false, err
	}

	e.logger.Debug().
		Str("subject", subject.SubjectType()+":"+subject.SubjectID()).
		Str("feature", slug).
		Str("plan", ref).
		Msg("quota created from plan")

	return q, true, nil
}

// Get returns the quota without creating it. The second return value is
// false when no row exists.
func (e *Enforcer) Get(ctx context.Context, subject ports.Subject, slug string) (quota.Quota, bool, error) {
	q, err := e.quotas.Get(ctx, subject.SubjectType(), subject.SubjectID(), slug)
	if errors.Is(err, ports.ErrNotFound) {
		return quota.Quota{}, false, nil
	}
	if err != nil {
		return quota.Quota{}, false, err
	}
	return q, true, nil
}

// Quotas returns every quota row for the subject.
func (e *Enforcer) Quotas(ctx context.Context, subject ports.Subject) ([]quota.Quota, error) {
	return e.quotas.ListBySubject(ctx, subject.SubjectType(), subject.SubjectID())
}

// DeleteQuota removes the quota row for one feature. Used by the calling
// context to clean up after a plan change revokes a feature.
func (e *Enforcer) DeleteQuota(ctx context.Context, subject ports.Subject, slug string) error {
	return e.quotas.Delete(ctx, subject.SubjectType(), subject.SubjectID(), slug)
}

// resetInPlace zeroes used and recomputes the reset instant from now, never
// from the previous reset_at, so repeated lazy-reset checks cannot drift.
// A feature the catalog no longer resolves loses its schedule entirely:
// keeping the stale instant would re-enter this write path on every read.
func (e *Enforcer) resetInPlace(ctx context.Context, q quota.Quota, now time.Time, trigger string) (quota.Quota, error) {
	if f, err := e.catalog.Resolve(ctx, q.FeatureSlug); err == nil {
		q.ResetAt = period.NextResetAt(f.ResetPeriod, now, e.weekStart)
	} else {
		q.ResetAt = nil
	}

	q.Used = decimal.Zero
	q.UpdatedAt = now
	if err := e.quotas.Put(ctx, q); err != nil {
		return quota.Quota{}, err
	}

	if e.metrics != nil {
		e.metrics.Resets.WithLabelValues(q.FeatureSlug, trigger).Inc()
	}
	e.logger.Debug().
		Str("subject", q.SubjectType+":"+q.SubjectID).
		Str("feature", q.FeatureSlug).
		Str("trigger", trigger).
		Msg("quota reset")

	return q, nil
}

// Reset forces used back to zero and recomputes the reset schedule.
// Resetting an already-reset quota is a no-op for used and recomputes
// reset_at deterministically from now.
func (e *Enforcer) Reset(ctx context.Context, subject ports.Subject, slug string) (quota.Quota, error) {
	q, err := e.quotas.Get(ctx, subject.SubjectType(), subject.SubjectID(), slug)
	if err != nil {
		return quota.Quota{}, err
	}
	return e.resetInPlace(ctx, q, e.clock.Now(), "manual")
}

// ResetAll resets every quota row for the subject unconditionally.
// Administrative bulk operation; the read path's lazy reset is separate and
// both recompute schedules through the same period calculator.
func (e *Enforcer) ResetAll(ctx context.Context, subject ports.Subject) error {
	all, err := e.quotas.ListBySubject(ctx, subject.SubjectType(), subject.SubjectID())
	if err != nil {
		return err
	}
	now := e.clock.Now()
	for _, q := range all {
		if _, err := e.resetInPlace(ctx, q, now, "bulk"); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Admission and enforcement
// -----------------------------------------------------------------------------

// CanUse reports whether the subject may consume amount more units of the
// feature. Unavailable features (not granted by the plan) are always false;
// unlimited quotas are always true. No state is mutated beyond lazy
// creation/reset.
func (e *Enforcer) CanUse(ctx context.Context, subject ports.Subject, slug string, amount decimal.Decimal) (bool, error) {
	q, granted, err := e.GetOrCreate(ctx, subject, slug)
	if err != nil {
		return false, err
	}
	if !granted {
		return false, nil
	}
	allowed := quota.CanUse(q, amount, e.policy)
	if e.metrics != nil {
		e.metrics.AdmissionChecks.WithLabelValues(slug, decision(allowed)).Inc()
	}
	return allowed, nil
}

// TryEnforce performs the check-then-act of consumption: when admission
// passes, usage is incremented by amount and true is returned; when it
// fails, QuotaExceeded is emitted, nothing is mutated, and false is
// returned. Over-limit rejection is never an error.
func (e *Enforcer) TryEnforce(ctx context.Context, subject ports.Subject, slug string, amount decimal.Decimal) (bool, error) {
	allowed, _, err := e.enforce(ctx, subject, slug, amount)
	return allowed, err
}

// EnforceOrFail is the error-based variant of TryEnforce for callers that
// prefer error control flow: rejection returns *QuotaExceededError and an
// unavailable feature returns ErrFeatureNotGranted.
func (e *Enforcer) EnforceOrFail(ctx context.Context, subject ports.Subject, slug string, amount decimal.Decimal) error {
	allowed, q, err := e.enforce(ctx, subject, slug, amount)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}
	if q.FeatureSlug == "" {
		return ErrFeatureNotGranted
	}
	return exceededError(q)
}

// enforce returns (allowed, quota-at-decision, error). The returned quota is
// the zero value when the feature is not granted.
func (e *Enforcer) enforce(ctx context.Context, subject ports.Subject, slug string, amount decimal.Decimal) (bool, quota.Quota, error) {
	q, granted, err := e.GetOrCreate(ctx, subject, slug)
	if err != nil {
		return false, quota.Quota{}, err
	}
	if !granted {
		if e.metrics != nil {
			e.metrics.AdmissionChecks.WithLabelValues(slug, "denied").Inc()
		}
		return false, quota.Quota{}, nil
	}

	if e.conditionalIncrement {
		return e.enforceConditional(ctx, subject, q, amount)
	}

	if !quota.CanUse(q, amount, e.policy) {
		e.reject(ctx, subject, q)
		return false, q, nil
	}

	after, err := e.quotas.Increment(ctx, subject.SubjectType(), subject.SubjectID(), slug, amount, e.clock.Now())
	if err != nil {
		return false, quota.Quota{}, err
	}
	if err := e.accept(ctx, subject, slug, amount, q, after); err != nil {
		return false, quota.Quota{}, err
	}
	return true, after, nil
}

// enforceConditional uses the store's atomic conditional increment, so two
// concurrent callers cannot both slip past the ceiling.
func (e *Enforcer) enforceConditional(ctx context.Context, subject ports.Subject, before quota.Quota, amount decimal.Decimal) (bool, quota.Quota, error) {
	var ceiling decimal.NullDecimal
	if before.Limit.Valid {
		ceiling = decimal.NullDecimal{
			Decimal: before.Limit.Decimal.Add(quota.GraceAmount(before, e.policy)),
			Valid:   true,
		}
	}

	after, applied, err := e.quotas.IncrementWithin(ctx,
		subject.SubjectType(), subject.SubjectID(), before.FeatureSlug,
		amount, ceiling, e.clock.Now())
	if err != nil {
		return false, quota.Quota{}, err
	}
	if !applied {
		e.reject(ctx, subject, after)
		return false, after, nil
	}
	if err := e.accept(ctx, subject, before.FeatureSlug, amount, before, after); err != nil {
		return false, quota.Quota{}, err
	}
	return true, after, nil
}

func (e *Enforcer) reject(ctx context.Context, subject ports.Subject, q quota.Quota) {
	if e.metrics != nil {
		e.metrics.AdmissionChecks.WithLabelValues(q.FeatureSlug, "denied").Inc()
		e.metrics.QuotaExceeded.WithLabelValues(q.FeatureSlug).Inc()
	}
	e.logger.Info().
		Str("subject", subject.SubjectType()+":"+subject.SubjectID()).
		Str("feature", q.FeatureSlug).
		Str("used", q.Used.String()).
		Msg("quota exceeded, consumption rejected")

	e.events.Emit(ctx, events.QuotaExceeded{
		SubjectType: subject.SubjectType(),
		SubjectID:   subject.SubjectID(),
		FeatureSlug: q.FeatureSlug,
		Quota:       q,
	})
}

// accept finishes a successful enforcement. Confirmed consumption updates
// both ledgers: the quota accumulator was already incremented by the caller,
// so the usage ledger gets its entry here, keeping totals and history
// consistent with what enforcement admitted.
func (e *Enforcer) accept(ctx context.Context, subject ports.Subject, slug string, amount decimal.Decimal, before, after quota.Quota) error {
	if _, err := e.tracker.Record(ctx, subject, slug, amount, nil); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.AdmissionChecks.WithLabelValues(after.FeatureSlug, "allowed").Inc()
	}
	e.emitWarning(ctx, before, after)
	return nil
}

// emitWarning fires at most one QuotaWarning per increment, for the highest
// threshold whose crossing this increment completed (was below, now
// at-or-above). Increments that stay on one side of every threshold fire
// nothing, so a threshold warns once per crossing rather than once per
// increment.
func (e *Enforcer) emitWarning(ctx context.Context, before, after quota.Quota) {
	threshold, crossed := quota.CrossedThreshold(before, after, e.policy)
	if !crossed {
		return
	}
	if e.metrics != nil {
		e.metrics.Warnings.WithLabelValues(after.FeatureSlug, strconv.FormatFloat(threshold, 'f', -1, 64)).Inc()
	}
	e.events.Emit(ctx, events.QuotaWarning{
		SubjectType: after.SubjectType,
		SubjectID:   after.SubjectID,
		FeatureSlug: after.FeatureSlug,
		Threshold:   threshold,
		Quota:       after,
	})
}

// -----------------------------------------------------------------------------
// Recording
// -----------------------------------------------------------------------------

// Record writes confirmed consumption to both ledgers: the usage ledger
// entry (via Tracker, which emits UsageRecorded) and the quota accumulator,
// then evaluates warning thresholds. Unlike TryEnforce it does not gate -
// callers use it for consumption that already happened.
func (e *Enforcer) Record(ctx context.Context, subject ports.Subject, slug string, amount decimal.Decimal, metadata map[string]string) (quota.Quota, error) {
	f, err := e.catalog.Resolve(ctx, slug)
	if err != nil {
		return quota.Quota{}, err
	}

	if _, err := e.tracker.Record(ctx, subject, slug, amount, metadata); err != nil {
		return quota.Quota{}, err
	}

	before, granted, err := e.GetOrCreate(ctx, subject, slug)
	if err != nil {
		return quota.Quota{}, err
	}
	if !granted {
		// Ledger entry stands; there is just no quota to accumulate into.
		return quota.Quota{}, nil
	}

	// The quota accumulates this call's contribution. Under same-period
	// aggregation the ledger row's Used is the whole period total, so it
	// must never feed the increment.
	after, err := e.quotas.Increment(ctx, subject.SubjectType(), subject.SubjectID(), slug, f.Contribution(amount), e.clock.Now())
	if err != nil {
		return quota.Quota{}, err
	}
	e.emitWarning(ctx, before, after)
	return after, nil
}

// Decrement releases amount units back to the quota, clamping at zero.
func (e *Enforcer) Decrement(ctx context.Context, subject ports.Subject, slug string, amount decimal.Decimal) (quota.Quota, error) {
	return e.quotas.Decrement(ctx, subject.SubjectType(), subject.SubjectID(), slug, amount, e.clock.Now())
}

// -----------------------------------------------------------------------------
// Derived state
// -----------------------------------------------------------------------------

// Remaining returns max(0, limit-used), or an invalid decimal for unlimited
// quotas. Unavailable features return ErrFeatureNotGranted.
func (e *Enforcer) Remaining(ctx context.Context, subject ports.Subject, slug string) (decimal.NullDecimal, error) {
	q, granted, err := e.GetOrCreate(ctx, subject, slug)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	if !granted {
		return decimal.NullDecimal{}, ErrFeatureNotGranted
	}
	return quota.Remaining(q), nil
}

// UsagePercent returns used/limit*100 capped at 100; the boolean is false
// for unlimited quotas.
func (e *Enforcer) UsagePercent(ctx context.Context, subject ports.Subject, slug string) (float64, bool, error) {
	q, granted, err := e.GetOrCreate(ctx, subject, slug)
	if err != nil {
		return 0, false, err
	}
	if !granted {
		return 0, false, ErrFeatureNotGranted
	}
	pct, ok := quota.UsagePercent(q)
	return pct, ok, nil
}

// -----------------------------------------------------------------------------
// Plan resynchronization
// -----------------------------------------------------------------------------

// SyncWithPlan reconciles the subject's quotas after a plan change. Every
// feature the new plan grants gets its quota created or its limit updated in
// place; used is never touched, so an upgrade or downgrade moves the ceiling
// without erasing consumption already accumulated this period. Returns the
// slugs of quota rows the new plan no longer grants; removing them is the
// caller's decision, not an automatic cascade.
func (e *Enforcer) SyncWithPlan(ctx context.Context, subject ports.Subject) ([]string, error) {
	now := e.clock.Now()

	granted := map[string]bool{}
	ref := subject.PlanRef()
	if ref != "" {
		pl, err := e.plans.GetPlan(ctx, ref)
		if err != nil && !errors.Is(err, ports.ErrNotFound) {
			return nil, err
		}
		if err == nil {
			for slug, grant := range pl.Features {
				granted[slug] = true

				q, ok, err := e.GetOrCreate(ctx, subject, slug)
				if err != nil {
					return nil, err
				}
				if !ok {
					// GetOrCreate saw the same plan; cannot happen for a
					// granted slug unless the catalog lost the feature.
					continue
				}

				newLimit := limitFromGrant(grant)
				if !limitsEqual(q.Limit, newLimit) {
					q.Limit = newLimit
					q.UpdatedAt = now
					if err := e.quotas.Put(ctx, q); err != nil {
						return nil, err
					}
					e.logger.Info().
						Str("subject", subject.SubjectType()+":"+subject.SubjectID()).
						Str("feature", slug).
						Msg("quota limit resynced to plan")
				}
			}
		}
	}

	existing, err := e.quotas.ListBySubject(ctx, subject.SubjectType(), subject.SubjectID())
	if err != nil {
		return nil, err
	}
	var revoked []string
	for _, q := range existing {
		if !granted[q.FeatureSlug] {
			revoked = append(revoked, q.FeatureSlug)
		}
	}

	if e.metrics != nil {
		e.metrics.PlanSyncs.Inc()
	}
	return revoked, nil
}

func limitFromGrant(g plan.Grant) decimal.NullDecimal {
	if g.Unlimited {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: g.Limit, Valid: true}
}

func limitsEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	if !a.Valid {
		return true
	}
	return a.Decimal.Equal(b.Decimal)
}

func decision(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
