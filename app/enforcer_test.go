package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/planmeter/core/events"
	"github.com/artpar/planmeter/domain/feature"
	"github.com/artpar/planmeter/domain/period"
	"github.com/artpar/planmeter/domain/quota"
)

// -----------------------------------------------------------------------------
// Quota lifecycle
// -----------------------------------------------------------------------------

func TestGetOrCreateFromPlan(t *testing.T) {
	ctx := context.Background()

	t.Run("creates with plan limit and monthly reset", func(t *testing.T) {
		e := newEngine(t)

		q, granted, err := e.enforcer.GetOrCreate(ctx, freeUser, "api-calls")
		if err != nil {
			t.Fatalf("GetOrCreate() error = %v", err)
		}
		if !granted {
			t.Fatal("granted = false for plan feature")
		}
		if !q.Limit.Valid || q.Limit.Decimal.String() != "1000" {
			t.Errorf("Limit = %+v, want 1000", q.Limit)
		}
		if !q.Used.IsZero() {
			t.Errorf("Used = %s, want 0", q.Used)
		}
		want := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
		if q.ResetAt == nil || !q.ResetAt.Equal(want) {
			t.Errorf("ResetAt = %v, want %v", q.ResetAt, want)
		}
	})

	t.Run("unlimited grant has invalid limit", func(t *testing.T) {
		e := newEngine(t)

		q, granted, _ := e.enforcer.GetOrCreate(ctx, proUser, "api-calls")
		if !granted || q.Limit.Valid {
			t.Errorf("pro api-calls = (granted=%v, limit=%+v), want unlimited", granted, q.Limit)
		}
	})

	t.Run("non-resetting feature has nil ResetAt", func(t *testing.T) {
		e := newEngine(t)

		q, granted, _ := e.enforcer.GetOrCreate(ctx, proUser, "storage")
		if !granted {
			t.Fatal("granted = false")
		}
		if q.ResetAt != nil {
			t.Errorf("ResetAt = %v, want nil for limit feature", q.ResetAt)
		}
	})

	t.Run("feature not in plan", func(t *testing.T) {
		e := newEngine(t)

		_, granted, err := e.enforcer.GetOrCreate(ctx, freeUser, "storage")
		if err != nil {
			t.Fatalf("GetOrCreate() error = %v", err)
		}
		if granted {
			t.Error("granted = true for feature the plan does not include")
		}
	})

	t.Run("subject without plan", func(t *testing.T) {
		e := newEngine(t)

		_, granted, err := e.enforcer.GetOrCreate(ctx, noPlanUser, "api-calls")
		if err != nil || granted {
			t.Errorf("GetOrCreate() = (granted=%v, err=%v), want not granted", granted, err)
		}
	})

	t.Run("dangling plan reference is not an error", func(t *testing.T) {
		e := newEngine(t)

		_, granted, err := e.enforcer.GetOrCreate(ctx, ghostUser, "api-calls")
		if err != nil || granted {
			t.Errorf("GetOrCreate() = (granted=%v, err=%v), want not granted", granted, err)
		}
	})

	t.Run("unknown feature is an error", func(t *testing.T) {
		e := newEngine(t)

		_, _, err := e.enforcer.GetOrCreate(ctx, freeUser, "ghost-feature")
		if err == nil {
			t.Error("GetOrCreate() of unknown feature succeeded")
		}
	})

	t.Run("second call reads the stored row", func(t *testing.T) {
		e := newEngine(t)

		e.enforcer.GetOrCreate(ctx, freeUser, "api-calls")
		e.quotas.Increment(ctx, "user", "u-free", "api-calls", dec(5), e.clock.Now())

		q, _, _ := e.enforcer.GetOrCreate(ctx, freeUser, "api-calls")
		if q.Used.String() != "5" {
			t.Errorf("Used = %s, want 5 (stored state, not a fresh row)", q.Used)
		}
	})
}

func TestLazyReset(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	e.enforcer.GetOrCreate(ctx, freeUser, "api-calls")
	e.quotas.Increment(ctx, "user", "u-free", "api-calls", dec(900), e.clock.Now())

	// Cross the month boundary; the next read must reset in place.
	e.clock.Set(time.Date(2025, time.April, 2, 9, 0, 0, 0, time.UTC))

	q, granted, err := e.enforcer.GetOrCreate(ctx, freeUser, "api-calls")
	if err != nil || !granted {
		t.Fatalf("GetOrCreate() = (granted=%v, err=%v)", granted, err)
	}
	if !q.Used.IsZero() {
		t.Errorf("Used = %s after period rollover, want 0", q.Used)
	}
	want := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	if q.ResetAt == nil || !q.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v (computed from now, not the old schedule)", q.ResetAt, want)
	}

	t.Run("persisted, not just returned", func(t *testing.T) {
		stored, _ := e.quotas.Get(ctx, "user", "u-free", "api-calls")
		if !stored.Used.IsZero() {
			t.Error("lazy reset was not written back")
		}
	})
}

func TestLazyResetAfterCatalogRemoval(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	e.enforcer.GetOrCreate(ctx, freeUser, "api-calls")
	e.quotas.Increment(ctx, "user", "u-free", "api-calls", dec(100), e.clock.Now())

	// The feature leaves the catalog while its quota rows remain.
	err := e.catalog.Replace([]feature.Feature{
		{Slug: "logins", Type: feature.TypeQuota, ResetPeriod: period.Daily, Aggregation: feature.AggregateCount},
	}, nil)
	if err != nil {
		t.Fatalf("catalog replace: %v", err)
	}

	e.clock.Set(time.Date(2025, time.April, 2, 9, 0, 0, 0, time.UTC))

	q, granted, err := e.enforcer.GetOrCreate(ctx, freeUser, "api-calls")
	if err != nil || !granted {
		t.Fatalf("GetOrCreate() = (granted=%v, err=%v)", granted, err)
	}
	if !q.Used.IsZero() {
		t.Errorf("Used = %s after rollover, want 0", q.Used)
	}
	if q.ResetAt != nil {
		t.Errorf("ResetAt = %v, want nil when the schedule cannot be recomputed", q.ResetAt)
	}

	t.Run("subsequent reads do not rewrite", func(t *testing.T) {
		first, _ := e.quotas.Get(ctx, "user", "u-free", "api-calls")
		e.clock.Advance(time.Hour)

		e.enforcer.GetOrCreate(ctx, freeUser, "api-calls")
		second, _ := e.quotas.Get(ctx, "user", "u-free", "api-calls")
		if !second.UpdatedAt.Equal(first.UpdatedAt) {
			t.Error("read re-entered the reset write path")
		}
	})
}

func TestManualReset(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	e.enforcer.GetOrCreate(ctx, freeUser, "api-calls")
	e.quotas.Increment(ctx, "user", "u-free", "api-calls", dec(500), e.clock.Now())

	q, err := e.enforcer.Reset(ctx, freeUser, "api-calls")
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if !q.Used.IsZero() {
		t.Errorf("Used = %s after reset, want 0", q.Used)
	}

	t.Run("reset of already-reset quota is stable", func(t *testing.T) {
		again, err := e.enforcer.Reset(ctx, freeUser, "api-calls")
		if err != nil {
			t.Fatalf("Reset() error = %v", err)
		}
		if !again.Used.IsZero() || !again.ResetAt.Equal(*q.ResetAt) {
			t.Errorf("second reset changed state: %+v vs %+v", again, q)
		}
	})

	t.Run("reset of absent quota errors", func(t *testing.T) {
		if _, err := e.enforcer.Reset(ctx, noPlanUser, "api-calls"); err == nil {
			t.Error("Reset() of absent quota succeeded")
		}
	})
}

func TestResetAll(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	e.enforcer.GetOrCreate(ctx, proUser, "api-calls")
	e.enforcer.GetOrCreate(ctx, proUser, "logins")
	e.quotas.Increment(ctx, "user", "u-pro", "logins", dec(7), e.clock.Now())

	if err := e.enforcer.ResetAll(ctx, proUser); err != nil {
		t.Fatalf("ResetAll() error = %v", err)
	}

	all, _ := e.enforcer.Quotas(ctx, proUser)
	for _, q := range all {
		if !q.Used.IsZero() {
			t.Errorf("quota %s not reset: used = %s", q.FeatureSlug, q.Used)
		}
	}
}

// -----------------------------------------------------------------------------
// Admission
// -----------------------------------------------------------------------------

func TestCanUse(t *testing.T) {
	ctx := context.Background()

	t.Run("hard limit boundary", func(t *testing.T) {
		e := newEngine(t)
		e.enforcer.GetOrCreate(ctx, freeUser, "api-calls")
		e.quotas.Increment(ctx, "user", "u-free", "api-calls", dec(999), e.clock.Now())

		if ok, _ := e.enforcer.CanUse(ctx, freeUser, "api-calls", dec(1)); !ok {
			t.Error("CanUse(1) = false with exactly one unit left")
		}
		if ok, _ := e.enforcer.CanUse(ctx, freeUser, "api-calls", dec(2)); ok {
			t.Error("CanUse(2) = true with one unit left")
		}
	})

	t.Run("unlimited always admits", func(t *testing.T) {
		e := newEngine(t)
		if ok, err := e.enforcer.CanUse(ctx, proUser, "api-calls", dec(1000000)); err != nil || !ok {
			t.Errorf("CanUse() = (%v, %v), want true", ok, err)
		}
	})

	t.Run("not granted is false, not an error", func(t *testing.T) {
		e := newEngine(t)
		ok, err := e.enforcer.CanUse(ctx, freeUser, "storage", dec(1))
		if err != nil {
			t.Fatalf("CanUse() error = %v", err)
		}
		if ok {
			t.Error("CanUse() = true for ungranted feature")
		}
	})

	t.Run("grace admits past the limit when enabled", func(t *testing.T) {
		e := newEngine(t, withPolicy(quota.Policy{
			SoftLimitEnabled: true,
			GracePercentage:  10,
		}))
		e.enforcer.GetOrCreate(ctx, freeUser, "api-calls")
		e.quotas.Increment(ctx, "user", "u-free", "api-calls", dec(1000), e.clock.Now())

		if ok, _ := e.enforcer.CanUse(ctx, freeUser, "api-calls", dec(100)); !ok {
			t.Error("CanUse() = false inside the 10% grace band")
		}
		if ok, _ := e.enforcer.CanUse(ctx, freeUser, "api-calls", dec(101)); ok {
			t.Error("CanUse() = true past the grace band")
		}
	})
}

// -----------------------------------------------------------------------------
// Enforcement
// -----------------------------------------------------------------------------

func TestTryEnforce(t *testing.T) {
	ctx := context.Background()

	t.Run("consumes on success", func(t *testing.T) {
		e := newEngine(t)

		for i := 0; i < 3; i++ {
			ok, err := e.enforcer.TryEnforce(ctx, freeUser, "api-calls", dec(10))
			if err != nil || !ok {
				t.Fatalf("TryEnforce() = (%v, %v)", ok, err)
			}
		}
		q, _, _ := e.enforcer.Get(ctx, freeUser, "api-calls")
		if q.Used.String() != "30" {
			t.Errorf("Used = %s, want 30", q.Used)
		}
	})

	t.Run("rejects without mutating and emits event", func(t *testing.T) {
		e := newEngine(t)
		e.enforcer.GetOrCreate(ctx, freeUser, "logins")
		e.quotas.Increment(ctx, "user", "u-free", "logins", dec(3), e.clock.Now())

		ok, err := e.enforcer.TryEnforce(ctx, freeUser, "logins", dec(1))
		if err != nil {
			t.Fatalf("TryEnforce() error = %v", err)
		}
		if ok {
			t.Fatal("TryEnforce() = true over the limit")
		}

		q, _, _ := e.enforcer.Get(ctx, freeUser, "logins")
		if q.Used.String() != "3" {
			t.Errorf("Used = %s, rejection must not mutate", q.Used)
		}

		exceeded := e.eventsOf(events.NameQuotaExceeded)
		if len(exceeded) != 1 {
			t.Fatalf("got %d QuotaExceeded events, want 1", len(exceeded))
		}
		ev := exceeded[0].(events.QuotaExceeded)
		if ev.FeatureSlug != "logins" || ev.SubjectID != "u-free" {
			t.Errorf("event = %+v", ev)
		}
	})

	t.Run("confirmed consumption reaches the ledger", func(t *testing.T) {
		e := newEngine(t)

		e.enforcer.TryEnforce(ctx, freeUser, "api-calls", dec(10))
		e.enforcer.TryEnforce(ctx, freeUser, "api-calls", dec(5))

		total, err := e.tracker.TotalUsage(ctx, freeUser, "api-calls", nil, nil)
		if err != nil {
			t.Fatalf("TotalUsage() error = %v", err)
		}
		if total.String() != "15" {
			t.Errorf("ledger total = %s, want 15", total)
		}
		history, _ := e.tracker.History(ctx, freeUser, "api-calls", 0)
		if len(history) != 2 {
			t.Errorf("got %d ledger rows, want 2", len(history))
		}
		if n := len(e.eventsOf(events.NameUsageRecorded)); n != 2 {
			t.Errorf("got %d UsageRecorded events, want 2", n)
		}
	})

	t.Run("rejected consumption never reaches the ledger", func(t *testing.T) {
		e := newEngine(t)
		e.enforcer.GetOrCreate(ctx, freeUser, "logins")
		e.quotas.Increment(ctx, "user", "u-free", "logins", dec(3), e.clock.Now())

		e.enforcer.TryEnforce(ctx, freeUser, "logins", dec(1))

		total, _ := e.tracker.TotalUsage(ctx, freeUser, "logins", nil, nil)
		if !total.IsZero() {
			t.Errorf("ledger total = %s after rejection, want 0", total)
		}
	})

	t.Run("not granted rejects without event", func(t *testing.T) {
		e := newEngine(t)

		ok, err := e.enforcer.TryEnforce(ctx, freeUser, "storage", dec(1))
		if err != nil || ok {
			t.Errorf("TryEnforce() = (%v, %v), want false without error", ok, err)
		}
		if len(e.eventsOf(events.NameQuotaExceeded)) != 0 {
			t.Error("QuotaExceeded emitted for ungranted feature")
		}
	})
}

func TestTryEnforceConditional(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, withConditionalIncrement())

	e.enforcer.GetOrCreate(ctx, freeUser, "logins")
	e.quotas.Increment(ctx, "user", "u-free", "logins", dec(2), e.clock.Now())

	ok, err := e.enforcer.TryEnforce(ctx, freeUser, "logins", dec(1))
	if err != nil || !ok {
		t.Fatalf("TryEnforce() = (%v, %v), want allowed at ceiling", ok, err)
	}

	ok, err = e.enforcer.TryEnforce(ctx, freeUser, "logins", dec(1))
	if err != nil {
		t.Fatalf("TryEnforce() error = %v", err)
	}
	if ok {
		t.Error("TryEnforce() = true past the ceiling")
	}

	q, _, _ := e.enforcer.Get(ctx, freeUser, "logins")
	if q.Used.String() != "3" {
		t.Errorf("Used = %s, want 3", q.Used)
	}
	if len(e.eventsOf(events.NameQuotaExceeded)) != 1 {
		t.Error("rejection did not emit QuotaExceeded")
	}
}

func TestEnforceOrFail(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	t.Run("nil on success", func(t *testing.T) {
		if err := e.enforcer.EnforceOrFail(ctx, freeUser, "api-calls", dec(1)); err != nil {
			t.Errorf("EnforceOrFail() error = %v", err)
		}
	})

	t.Run("typed error on rejection", func(t *testing.T) {
		e.quotas.Increment(ctx, "user", "u-free", "api-calls", dec(999), e.clock.Now())

		err := e.enforcer.EnforceOrFail(ctx, freeUser, "api-calls", dec(5))
		var exceeded *QuotaExceededError
		if !errors.As(err, &exceeded) {
			t.Fatalf("EnforceOrFail() error = %v, want *QuotaExceededError", err)
		}
		if exceeded.FeatureSlug != "api-calls" {
			t.Errorf("FeatureSlug = %q", exceeded.FeatureSlug)
		}
		if !exceeded.Limit.Valid || exceeded.Limit.Decimal.String() != "1000" {
			t.Errorf("Limit = %+v", exceeded.Limit)
		}
		if exceeded.Used.String() != "1000" {
			t.Errorf("Used = %s", exceeded.Used)
		}
	})

	t.Run("sentinel for ungranted feature", func(t *testing.T) {
		err := e.enforcer.EnforceOrFail(ctx, freeUser, "storage", dec(1))
		if !errors.Is(err, ErrFeatureNotGranted) {
			t.Errorf("EnforceOrFail() error = %v, want ErrFeatureNotGranted", err)
		}
	})
}

// -----------------------------------------------------------------------------
// Warnings
// -----------------------------------------------------------------------------

func TestWarningThresholds(t *testing.T) {
	ctx := context.Background()

	t.Run("fires once per crossing", func(t *testing.T) {
		e := newEngine(t)

		// 0 -> 790: below 80%, no warning.
		e.enforcer.TryEnforce(ctx, freeUser, "api-calls", dec(790))
		if n := len(e.eventsOf(events.NameQuotaWarning)); n != 0 {
			t.Fatalf("%d warnings below the threshold", n)
		}

		// 790 -> 810: crosses 80%.
		e.enforcer.TryEnforce(ctx, freeUser, "api-calls", dec(20))
		warnings := e.eventsOf(events.NameQuotaWarning)
		if len(warnings) != 1 {
			t.Fatalf("got %d warnings, want 1", len(warnings))
		}
		if w := warnings[0].(events.QuotaWarning); w.Threshold != 80 {
			t.Errorf("Threshold = %v, want 80", w.Threshold)
		}

		// 810 -> 820: stays between thresholds, no new warning.
		e.enforcer.TryEnforce(ctx, freeUser, "api-calls", dec(10))
		if n := len(e.eventsOf(events.NameQuotaWarning)); n != 1 {
			t.Errorf("%d warnings after non-crossing increment, want 1", n)
		}
	})

	t.Run("jump across several fires highest only", func(t *testing.T) {
		e := newEngine(t)

		// 0 -> 1000 crosses 80 and 100 in one step.
		e.enforcer.TryEnforce(ctx, freeUser, "api-calls", dec(1000))
		warnings := e.eventsOf(events.NameQuotaWarning)
		if len(warnings) != 1 {
			t.Fatalf("got %d warnings, want 1", len(warnings))
		}
		if w := warnings[0].(events.QuotaWarning); w.Threshold != 100 {
			t.Errorf("Threshold = %v, want 100", w.Threshold)
		}
	})

	t.Run("record path also warns", func(t *testing.T) {
		e := newEngine(t)

		if _, err := e.enforcer.Record(ctx, freeUser, "api-calls", dec(850), nil); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		warnings := e.eventsOf(events.NameQuotaWarning)
		if len(warnings) != 1 {
			t.Fatalf("got %d warnings, want 1", len(warnings))
		}
		if w := warnings[0].(events.QuotaWarning); w.Threshold != 80 {
			t.Errorf("Threshold = %v, want 80", w.Threshold)
		}
	})
}

// -----------------------------------------------------------------------------
// Record and decrement
// -----------------------------------------------------------------------------

func TestEnforcerRecord(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	after, err := e.enforcer.Record(ctx, freeUser, "api-calls", dec(850), map[string]string{"source": "batch"})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if after.Used.String() != "850" {
		t.Errorf("quota Used = %s, want 850", after.Used)
	}

	t.Run("admission reflects recorded usage", func(t *testing.T) {
		if ok, _ := e.enforcer.CanUse(ctx, freeUser, "api-calls", dec(200)); ok {
			t.Error("CanUse(200) = true with 150 left")
		}
		if ok, _ := e.enforcer.CanUse(ctx, freeUser, "api-calls", dec(150)); !ok {
			t.Error("CanUse(150) = false with 150 left")
		}
	})

	t.Run("ledger entry written", func(t *testing.T) {
		total, err := e.tracker.TotalUsage(ctx, freeUser, "api-calls", nil, nil)
		if err != nil {
			t.Fatalf("TotalUsage() error = %v", err)
		}
		if total.String() != "850" {
			t.Errorf("ledger total = %s, want 850", total)
		}
	})

	t.Run("usage event emitted", func(t *testing.T) {
		recorded := e.eventsOf(events.NameUsageRecorded)
		if len(recorded) != 1 {
			t.Fatalf("got %d UsageRecorded events, want 1", len(recorded))
		}
	})

	t.Run("ungranted feature keeps ledger but no quota", func(t *testing.T) {
		if _, err := e.enforcer.Record(ctx, freeUser, "storage", dec(5), nil); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		total, _ := e.tracker.TotalUsage(ctx, freeUser, "storage", nil, nil)
		if total.String() != "5" {
			t.Errorf("ledger total = %s, want 5", total)
		}
		if _, ok, _ := e.enforcer.Get(ctx, freeUser, "storage"); ok {
			t.Error("quota row created for ungranted feature")
		}
	})
}

func TestEnforcerRecordAggregated(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, withAggregation())

	e.enforcer.Record(ctx, freeUser, "api-calls", dec(10), nil)
	after, err := e.enforcer.Record(ctx, freeUser, "api-calls", dec(10), nil)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	// The ledger row accumulates the period total; the quota must only
	// grow by each call's own amount.
	if after.Used.String() != "20" {
		t.Errorf("quota Used = %s after recording 10+10, want 20", after.Used)
	}

	t.Run("ledger collapses into one row with the period total", func(t *testing.T) {
		history, _ := e.tracker.History(ctx, freeUser, "api-calls", 0)
		if len(history) != 1 {
			t.Fatalf("got %d ledger rows, want 1", len(history))
		}
		if history[0].Used.String() != "20" {
			t.Errorf("ledger row Used = %s, want 20", history[0].Used)
		}
	})

	t.Run("count features accumulate occurrences", func(t *testing.T) {
		e.enforcer.Record(ctx, freeUser, "logins", dec(50), nil)
		after, err := e.enforcer.Record(ctx, freeUser, "logins", dec(50), nil)
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if after.Used.String() != "2" {
			t.Errorf("quota Used = %s after two counted records, want 2", after.Used)
		}
	})
}

func TestDecrement(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	e.enforcer.GetOrCreate(ctx, freeUser, "api-calls")
	e.quotas.Increment(ctx, "user", "u-free", "api-calls", dec(10), e.clock.Now())

	q, err := e.enforcer.Decrement(ctx, freeUser, "api-calls", dec(4))
	if err != nil {
		t.Fatalf("Decrement() error = %v", err)
	}
	if q.Used.String() != "6" {
		t.Errorf("Used = %s, want 6", q.Used)
	}

	q, _ = e.enforcer.Decrement(ctx, freeUser, "api-calls", dec(100))
	if !q.Used.IsZero() {
		t.Errorf("Used = %s, want 0 (clamped)", q.Used)
	}
}

// -----------------------------------------------------------------------------
// Derived state
// -----------------------------------------------------------------------------

func TestRemainingAndUsagePercent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	e.enforcer.GetOrCreate(ctx, freeUser, "api-calls")
	e.quotas.Increment(ctx, "user", "u-free", "api-calls", dec(250), e.clock.Now())

	t.Run("remaining", func(t *testing.T) {
		r, err := e.enforcer.Remaining(ctx, freeUser, "api-calls")
		if err != nil {
			t.Fatalf("Remaining() error = %v", err)
		}
		if !r.Valid || r.Decimal.String() != "750" {
			t.Errorf("Remaining() = %+v, want 750", r)
		}
	})

	t.Run("unlimited remaining is invalid", func(t *testing.T) {
		r, err := e.enforcer.Remaining(ctx, proUser, "api-calls")
		if err != nil {
			t.Fatalf("Remaining() error = %v", err)
		}
		if r.Valid {
			t.Errorf("Remaining() = %+v, want invalid for unlimited", r)
		}
	})

	t.Run("usage percent", func(t *testing.T) {
		pct, ok, err := e.enforcer.UsagePercent(ctx, freeUser, "api-calls")
		if err != nil || !ok || pct != 25 {
			t.Errorf("UsagePercent() = (%v, %v, %v), want 25", pct, ok, err)
		}
	})

	t.Run("ungranted feature", func(t *testing.T) {
		if _, err := e.enforcer.Remaining(ctx, freeUser, "storage"); !errors.Is(err, ErrFeatureNotGranted) {
			t.Errorf("Remaining() error = %v, want ErrFeatureNotGranted", err)
		}
	})
}

// -----------------------------------------------------------------------------
// Plan resync
// -----------------------------------------------------------------------------

func TestSyncWithPlan(t *testing.T) {
	ctx := context.Background()

	t.Run("upgrade raises limits and preserves used", func(t *testing.T) {
		e := newEngine(t)

		e.enforcer.GetOrCreate(ctx, freeUser, "api-calls")
		e.quotas.Increment(ctx, "user", "u-free", "api-calls", dec(400), e.clock.Now())

		upgraded := freeUser
		upgraded.Plan = "pro"

		revoked, err := e.enforcer.SyncWithPlan(ctx, upgraded)
		if err != nil {
			t.Fatalf("SyncWithPlan() error = %v", err)
		}
		if len(revoked) != 0 {
			t.Errorf("revoked = %v, want none on upgrade", revoked)
		}

		q, _, _ := e.enforcer.Get(ctx, upgraded, "api-calls")
		if q.Limit.Valid {
			t.Errorf("Limit = %+v, want unlimited after upgrade", q.Limit)
		}
		if q.Used.String() != "400" {
			t.Errorf("Used = %s, upgrade must preserve consumption", q.Used)
		}
	})

	t.Run("downgrade reports revoked features without deleting", func(t *testing.T) {
		e := newEngine(t)

		e.enforcer.GetOrCreate(ctx, proUser, "storage")

		downgraded := proUser
		downgraded.Plan = "free"

		revoked, err := e.enforcer.SyncWithPlan(ctx, downgraded)
		if err != nil {
			t.Fatalf("SyncWithPlan() error = %v", err)
		}
		if len(revoked) != 1 || revoked[0] != "storage" {
			t.Errorf("revoked = %v, want [storage]", revoked)
		}

		// Removal is the caller's decision.
		if _, ok, _ := e.enforcer.Get(ctx, downgraded, "storage"); !ok {
			t.Error("SyncWithPlan deleted the revoked quota itself")
		}
		if err := e.enforcer.DeleteQuota(ctx, downgraded, "storage"); err != nil {
			t.Fatalf("DeleteQuota() error = %v", err)
		}
		if _, ok, _ := e.enforcer.Get(ctx, downgraded, "storage"); ok {
			t.Error("quota still present after DeleteQuota")
		}
	})

	t.Run("no plan revokes everything", func(t *testing.T) {
		e := newEngine(t)

		e.enforcer.GetOrCreate(ctx, freeUser, "api-calls")

		churned := freeUser
		churned.Plan = ""

		revoked, err := e.enforcer.SyncWithPlan(ctx, churned)
		if err != nil {
			t.Fatalf("SyncWithPlan() error = %v", err)
		}
		if len(revoked) != 1 || revoked[0] != "api-calls" {
			t.Errorf("revoked = %v, want [api-calls]", revoked)
		}
	})

	t.Run("creates quotas the plan newly grants", func(t *testing.T) {
		e := newEngine(t)

		if _, err := e.enforcer.SyncWithPlan(ctx, proUser); err != nil {
			t.Fatalf("SyncWithPlan() error = %v", err)
		}
		all, _ := e.enforcer.Quotas(ctx, proUser)
		if len(all) != 3 {
			t.Errorf("got %d quotas after sync, want 3", len(all))
		}
	})
}
