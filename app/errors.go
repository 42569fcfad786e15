package app

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/artpar/planmeter/domain/quota"
)

// QuotaExceededError is returned by EnforceOrFail when a consumption attempt
// is rejected. It carries enough state for the caller to decide whether to
// block, charge overage, or notify.
type QuotaExceededError struct {
	FeatureSlug string
	Limit       decimal.NullDecimal
	Used        decimal.Decimal
	Remaining   decimal.NullDecimal
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	if !e.Limit.Valid {
		return fmt.Sprintf("quota exceeded for feature %q", e.FeatureSlug)
	}
	return fmt.Sprintf("quota exceeded for feature %q: used %s of %s",
		e.FeatureSlug, e.Used.String(), e.Limit.Decimal.String())
}

func exceededError(q quota.Quota) *QuotaExceededError {
	return &QuotaExceededError{
		FeatureSlug: q.FeatureSlug,
		Limit:       q.Limit,
		Used:        q.Used,
		Remaining:   quota.Remaining(q),
	}
}
