// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artpar/planmeter/domain/feature"
	"github.com/artpar/planmeter/domain/plan"
	"github.com/artpar/planmeter/domain/quota"
	"github.com/artpar/planmeter/domain/usage"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Subject
// -----------------------------------------------------------------------------

// Subject is the capability contract every billable entity must satisfy.
// The composite (type, id) pair keys all quota and usage rows; PlanRef
// identifies the subject's current plan, empty when the subject has none.
type Subject interface {
	SubjectType() string
	SubjectID() string
	PlanRef() string
}

// SubjectRef is a plain value implementation of Subject.
type SubjectRef struct {
	Type string
	ID   string
	Plan string
}

func (s SubjectRef) SubjectType() string { return s.Type }
func (s SubjectRef) SubjectID() string   { return s.ID }
func (s SubjectRef) PlanRef() string     { return s.Plan }

var _ Subject = SubjectRef{}

// -----------------------------------------------------------------------------
// Catalog Ports
// -----------------------------------------------------------------------------

// FeatureCatalog resolves feature slugs. Read-only from the engine's side;
// plan administrators own the catalog. Resolve returns feature.ErrUnknown
// for slugs that do not exist.
type FeatureCatalog interface {
	Resolve(ctx context.Context, slug string) (feature.Feature, error)

	// List returns all catalog entries.
	List(ctx context.Context) ([]feature.Feature, error)
}

// PlanResolver resolves plan references. Used only during quota creation and
// plan resync. GetPlan returns ErrNotFound for unknown references.
type PlanResolver interface {
	GetPlan(ctx context.Context, ref string) (plan.Plan, error)
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// QuotaStore persists per-(subject, feature) accounting state.
// Increment and Decrement must be atomic read-modify-write operations
// (row-level lock or equivalent); concurrent increments must not lose
// updates.
type QuotaStore interface {
	// Get retrieves one quota row. Returns ErrNotFound when absent.
	Get(ctx context.Context, subjectType, subjectID, featureSlug string) (quota.Quota, error)

	// Put inserts or fully replaces a quota row.
	Put(ctx context.Context, q quota.Quota) error

	// Increment atomically adds amount to used and returns the new state.
	// Returns ErrNotFound when the row does not exist.
	Increment(ctx context.Context, subjectType, subjectID, featureSlug string, amount decimal.Decimal, at time.Time) (quota.Quota, error)

	// Decrement atomically subtracts amount from used, clamping at zero,
	// and returns the new state. Returns ErrNotFound when the row is absent.
	Decrement(ctx context.Context, subjectType, subjectID, featureSlug string, amount decimal.Decimal, at time.Time) (quota.Quota, error)

	// IncrementWithin atomically adds amount only if the resulting used
	// stays at or below ceiling (always adds when ceiling is invalid,
	// meaning unlimited). Returns the resulting state and whether the add
	// was applied. This is the conditional primitive for strict hard-limit
	// enforcement under concurrency.
	IncrementWithin(ctx context.Context, subjectType, subjectID, featureSlug string, amount decimal.Decimal, ceiling decimal.NullDecimal, at time.Time) (quota.Quota, bool, error)

	// ListBySubject returns all quota rows for one subject.
	ListBySubject(ctx context.Context, subjectType, subjectID string) ([]quota.Quota, error)

	// Delete removes one quota row. Deleting an absent row is a no-op.
	Delete(ctx context.Context, subjectType, subjectID, featureSlug string) error
}

// UsageStore persists ledger records.
// AddToPeriod must execute its find-or-create-then-add sequence as one
// atomic unit so concurrent records for the same (subject, feature, period)
// neither duplicate rows nor lose increments.
type UsageStore interface {
	// Insert appends a fresh ledger record.
	Insert(ctx context.Context, r usage.Record) error

	// AddToPeriod finds the (subject, feature, periodStart) row and adds
	// r.Used to it, merging metadata; inserts r when no row exists.
	// Returns the resulting record.
	AddToPeriod(ctx context.Context, r usage.Record) (usage.Record, error)

	// Total returns the sum of used over records whose period overlaps
	// [from, to]; nil bounds are open. Computed store-side, not by loading
	// rows.
	Total(ctx context.Context, subjectType, subjectID, featureSlug string, from, to *time.Time) (decimal.Decimal, error)

	// History returns records in reverse-chronological order, optionally
	// filtered by feature slug (empty = all) and capped at limit (<=0 = no
	// cap).
	History(ctx context.Context, subjectType, subjectID, featureSlug string, limit int) ([]usage.Record, error)

	// DeleteMatching removes records for a (subject, feature) pair; a non-nil
	// periodStart restricts deletion to that period. Returns rows removed.
	DeleteMatching(ctx context.Context, subjectType, subjectID, featureSlug string, periodStart *time.Time) (int64, error)

	// Window returns records whose period start falls inside [from, to],
	// oldest first. Feeds the statistics report.
	Window(ctx context.Context, subjectType, subjectID, featureSlug string, from, to time.Time) ([]usage.Record, error)
}

// -----------------------------------------------------------------------------
// Event Ports
// -----------------------------------------------------------------------------

// EventSink receives engine notifications. Delivery is fire-and-forget: the
// engine never awaits acknowledgment and sink failures must not affect
// accounting. Event values are defined in core/events.
type EventSink interface {
	Emit(ctx context.Context, event any)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(context.Context, any) {}

var _ EventSink = NopSink{}
