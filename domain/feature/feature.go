// Package feature provides catalog value types and pure functions.
// Features are the named capabilities that plans grant and quotas meter.
package feature

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/artpar/planmeter/domain/period"
)

// ErrUnknown is returned when a feature slug does not resolve in the catalog.
var ErrUnknown = errors.New("unknown feature")

// Type determines how a feature is accounted.
type Type string

const (
	TypeBoolean Type = "boolean" // on/off access, no accounting
	TypeLimit   Type = "limit"   // fixed ceiling, never auto-resets
	TypeQuota   Type = "quota"   // periodic ceiling, resets per Period
)

// Aggregation determines how repeated usage records within one period combine.
type Aggregation string

const (
	AggregateSum   Aggregation = "sum"   // add amounts into one row
	AggregateCount Aggregation = "count" // count records into one row
	AggregateMax   Aggregation = "max"   // separate rows, max wins in reports
	AggregateLast  Aggregation = "last"  // separate rows, latest wins in reports
)

// Feature represents a catalog entry (immutable value type).
// The accounting engine never creates or edits features.
type Feature struct {
	Slug        string // unique identifier (e.g., "api-calls")
	Name        string // human-readable name
	Type        Type
	Unit        string // optional unit label (e.g., "gb", "calls")
	ResetPeriod period.Period
	Aggregation Aggregation
	MeterRef    string // optional external meter reference
}

// Mergeable reports whether same-period records for f may collapse into a
// single ledger row. Only sum and count aggregation merge.
// This is a PURE function.
func (f Feature) Mergeable() bool {
	return f.Aggregation == AggregateSum || f.Aggregation == AggregateCount
}

// Contribution returns what one usage record adds to the period's
// accounting. Count features meter occurrences, so every record contributes
// exactly one regardless of the caller's amount.
// This is a PURE function.
func (f Feature) Contribution(amount decimal.Decimal) decimal.Decimal {
	if f.Aggregation == AggregateCount {
		return decimal.NewFromInt(1)
	}
	return amount
}

// Resets reports whether f has a periodic reset schedule.
// This is a PURE function.
func (f Feature) Resets() bool {
	return f.ResetPeriod != period.None && f.ResetPeriod != ""
}

// Validate checks that the catalog entry is well formed.
func (f Feature) Validate() error {
	if f.Slug == "" {
		return errors.New("feature: empty slug")
	}
	switch f.Type {
	case TypeBoolean, TypeLimit, TypeQuota:
	default:
		return fmt.Errorf("feature %s: invalid type %q", f.Slug, f.Type)
	}
	if f.ResetPeriod != "" && !f.ResetPeriod.Valid() {
		return fmt.Errorf("feature %s: invalid reset period %q", f.Slug, f.ResetPeriod)
	}
	switch f.Aggregation {
	case "", AggregateSum, AggregateCount, AggregateMax, AggregateLast:
	default:
		return fmt.Errorf("feature %s: invalid aggregation %q", f.Slug, f.Aggregation)
	}
	return nil
}

// FindBySlug finds a feature by slug in a list.
// This is a PURE function.
func FindBySlug(features []Feature, slug string) (Feature, bool) {
	for _, f := range features {
		if f.Slug == slug {
			return f, true
		}
	}
	return Feature{}, false
}
