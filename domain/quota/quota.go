// Package quota provides pure functions for quota accounting and admission.
// All functions are deterministic with no side effects; persistence and
// orchestration live in adapters/ and app/.
package quota

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quota is the current accounting state for one (subject, feature) pair
// (value type). Limit.Valid == false means unlimited. ResetAt == nil means
// the quota never auto-resets.
type Quota struct {
	SubjectType string
	SubjectID   string
	FeatureSlug string
	Limit       decimal.NullDecimal
	Used        decimal.Decimal
	ResetAt     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Policy holds the enforcement tunables. Grace applies only when the soft
// limit is enabled; the default policy is a hard cutoff at the nominal limit.
type Policy struct {
	SoftLimitEnabled  bool
	GracePercentage   float64   // e.g., 5 allows used to reach limit*1.05
	WarningThresholds []float64 // percentages, e.g., [80, 100]
}

// State is the derived position of a quota relative to its limit.
// It is never stored; it is always computed from Limit/Used/Policy.
type State string

const (
	StateUnlimited   State = "unlimited"
	StateWithinLimit State = "within-limit"
	StateWithinGrace State = "within-grace"
	StateExceeded    State = "exceeded"
)

// GraceAmount returns the absolute headroom above the nominal limit.
// Zero when the soft limit is disabled or the quota is unlimited.
// This is a PURE function.
func GraceAmount(q Quota, p Policy) decimal.Decimal {
	if !p.SoftLimitEnabled || !q.Limit.Valid {
		return decimal.Zero
	}
	pct := decimal.NewFromFloat(p.GracePercentage)
	return q.Limit.Decimal.Mul(pct).Div(decimal.NewFromInt(100))
}

// CanUse reports whether amount more units fit within the limit plus grace.
// Unlimited quotas always admit. This is a PURE function.
func CanUse(q Quota, amount decimal.Decimal, p Policy) bool {
	if !q.Limit.Valid {
		return true
	}
	ceiling := q.Limit.Decimal.Add(GraceAmount(q, p))
	return q.Used.Add(amount).LessThanOrEqual(ceiling)
}

// IsExceeded reports whether used has passed the limit plus grace.
// This is a PURE function.
func IsExceeded(q Quota, p Policy) bool {
	if !q.Limit.Valid {
		return false
	}
	return q.Used.GreaterThan(q.Limit.Decimal.Add(GraceAmount(q, p)))
}

// Remaining returns max(0, limit-used), or invalid for unlimited quotas
// (unlimited is not zero remaining). This is a PURE function.
func Remaining(q Quota) decimal.NullDecimal {
	if !q.Limit.Valid {
		return decimal.NullDecimal{}
	}
	r := q.Limit.Decimal.Sub(q.Used)
	if r.IsNegative() {
		r = decimal.Zero
	}
	return decimal.NullDecimal{Decimal: r, Valid: true}
}

// UsagePercent returns used/limit*100 capped at 100.
// The second return value is false for unlimited or non-positive limits.
// This is a PURE function.
func UsagePercent(q Quota) (float64, bool) {
	if !q.Limit.Valid || !q.Limit.Decimal.IsPositive() {
		return 0, false
	}
	pct, _ := q.Used.Div(q.Limit.Decimal).Mul(decimal.NewFromInt(100)).Float64()
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

// rawPercent is UsagePercent without the 100 cap, for crossing detection.
func rawPercent(q Quota) (float64, bool) {
	if !q.Limit.Valid || !q.Limit.Decimal.IsPositive() {
		return 0, false
	}
	pct, _ := q.Used.Div(q.Limit.Decimal).Mul(decimal.NewFromInt(100)).Float64()
	return pct, true
}

// StateOf derives the conceptual state of a quota.
// This is a PURE function.
func StateOf(q Quota, p Policy) State {
	if !q.Limit.Valid {
		return StateUnlimited
	}
	if q.Used.LessThanOrEqual(q.Limit.Decimal) {
		return StateWithinLimit
	}
	if IsExceeded(q, p) {
		return StateExceeded
	}
	return StateWithinGrace
}

// Stale reports whether a stored quota's reset instant has passed and the
// read path must reset it in place before use. This is a PURE function.
func Stale(q Quota, now time.Time) bool {
	return q.ResetAt != nil && !q.ResetAt.After(now)
}

// CrossedThreshold returns the highest configured threshold that the usage
// percentage has just crossed going from before to after, detected as
// "was below, now at-or-above". This is robust to increments that jump
// several thresholds in one step; only the highest one fires.
// This is a PURE function.
func CrossedThreshold(before, after Quota, p Policy) (float64, bool) {
	oldPct, ok := rawPercent(before)
	if !ok {
		return 0, false
	}
	newPct, ok := rawPercent(after)
	if !ok {
		return 0, false
	}

	best := 0.0
	found := false
	for _, threshold := range p.WarningThresholds {
		if oldPct < threshold && newPct >= threshold {
			if !found || threshold > best {
				best = threshold
				found = true
			}
		}
	}
	return best, found
}

// ApplyDecrement subtracts amount from used, clamping at zero so that used
// never goes negative. This is a PURE function.
func ApplyDecrement(used, amount decimal.Decimal) decimal.Decimal {
	out := used.Sub(amount)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}
