// Package events defines the engine's notification values and sinks.
// The engine emits these through an injected ports.EventSink; delivery is
// fire-and-forget.
package events

import (
	"github.com/shopspring/decimal"

	"github.com/artpar/planmeter/domain/quota"
	"github.com/artpar/planmeter/domain/usage"
)

// Event names, used for bus subscription routing.
const (
	NameUsageRecorded = "usage.recorded"
	NameQuotaWarning  = "quota.warning"
	NameQuotaExceeded = "quota.exceeded"
)

// UsageRecorded is emitted after a ledger write.
type UsageRecorded struct {
	SubjectType string
	SubjectID   string
	FeatureSlug string
	Amount      decimal.Decimal
	Record      usage.Record
}

// EventName implements Named.
func (UsageRecorded) EventName() string { return NameUsageRecorded }

// QuotaWarning is emitted when an increment crosses a warning threshold.
// Exactly one warning fires per crossing, for the highest threshold crossed.
type QuotaWarning struct {
	SubjectType string
	SubjectID   string
	FeatureSlug string
	Threshold   float64 // percentage, e.g., 80
	Quota       quota.Quota
}

// EventName implements Named.
func (QuotaWarning) EventName() string { return NameQuotaWarning }

// QuotaExceeded is emitted when enforcement rejects a consumption attempt.
// No state is mutated on rejection.
type QuotaExceeded struct {
	SubjectType string
	SubjectID   string
	FeatureSlug string
	Quota       quota.Quota
}

// EventName implements Named.
func (QuotaExceeded) EventName() string { return NameQuotaExceeded }

// Named is implemented by all engine events.
type Named interface {
	EventName() string
}
