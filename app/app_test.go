package app

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/artpar/planmeter/adapters/clock"
	"github.com/artpar/planmeter/adapters/idgen"
	"github.com/artpar/planmeter/adapters/memory"
	"github.com/artpar/planmeter/core/events"
	"github.com/artpar/planmeter/domain/feature"
	"github.com/artpar/planmeter/domain/period"
	"github.com/artpar/planmeter/domain/plan"
	"github.com/artpar/planmeter/domain/quota"
	"github.com/artpar/planmeter/ports"
)

// engine bundles a fully wired in-memory accounting stack for tests.
type engine struct {
	clock    *clock.Fake
	sink     *events.Capture
	quotas   *memory.QuotaStore
	ledger   *memory.UsageStore
	catalog  *memory.Catalog
	tracker  *Tracker
	enforcer *Enforcer
}

// monday noon, mid-March.
var testNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

var (
	freeUser   = ports.SubjectRef{Type: "user", ID: "u-free", Plan: "free"}
	proUser    = ports.SubjectRef{Type: "user", ID: "u-pro", Plan: "pro"}
	noPlanUser = ports.SubjectRef{Type: "user", ID: "u-none"}
	ghostUser  = ports.SubjectRef{Type: "user", ID: "u-ghost", Plan: "deleted-plan"}
)

func testCatalog(t *testing.T) *memory.Catalog {
	t.Helper()
	c, err := memory.NewCatalog(
		[]feature.Feature{
			{Slug: "api-calls", Type: feature.TypeQuota, ResetPeriod: period.Monthly, Aggregation: feature.AggregateSum},
			{Slug: "logins", Type: feature.TypeQuota, ResetPeriod: period.Daily, Aggregation: feature.AggregateCount},
			{Slug: "storage", Type: feature.TypeLimit, Aggregation: feature.AggregateMax},
		},
		[]plan.Plan{
			{ID: "free", Features: map[string]plan.Grant{
				"api-calls": {Limit: decimal.NewFromInt(1000)},
				"logins":    {Limit: decimal.NewFromInt(3)},
			}},
			{ID: "pro", Features: map[string]plan.Grant{
				"api-calls": {Unlimited: true},
				"logins":    {Limit: decimal.NewFromInt(100)},
				"storage":   {Limit: decimal.NewFromInt(50)},
			}},
		},
	)
	if err != nil {
		t.Fatalf("test catalog: %v", err)
	}
	return c
}

type engineOption func(*EnforcerConfig, *TrackerConfig)

func withPolicy(p quota.Policy) engineOption {
	return func(ec *EnforcerConfig, _ *TrackerConfig) { ec.Policy = p }
}

func withConditionalIncrement() engineOption {
	return func(ec *EnforcerConfig, _ *TrackerConfig) { ec.ConditionalIncrement = true }
}

func withAggregation() engineOption {
	return func(_ *EnforcerConfig, tc *TrackerConfig) { tc.AggregateSamePeriod = true }
}

func newEngine(t *testing.T, opts ...engineOption) *engine {
	t.Helper()

	e := &engine{
		clock:   clock.NewFake(testNow),
		sink:    events.NewCapture(),
		quotas:  memory.NewQuotaStore(),
		ledger:  memory.NewUsageStore(),
		catalog: testCatalog(t),
	}

	ec := EnforcerConfig{
		Policy:    quota.Policy{WarningThresholds: []float64{80, 100}},
		WeekStart: time.Monday,
	}
	tc := TrackerConfig{WeekStart: time.Monday}
	for _, opt := range opts {
		opt(&ec, &tc)
	}

	e.tracker = NewTracker(TrackerDeps{
		Store:   e.ledger,
		Catalog: e.catalog,
		Events:  e.sink,
		Clock:   e.clock,
		IDGen:   idgen.NewSequential("rec-"),
		Logger:  zerolog.Nop(),
	}, tc)

	e.enforcer = NewEnforcer(EnforcerDeps{
		Quotas:  e.quotas,
		Tracker: e.tracker,
		Catalog: e.catalog,
		Plans:   e.catalog,
		Events:  e.sink,
		Clock:   e.clock,
		Logger:  zerolog.Nop(),
	}, ec)

	return e
}

// eventsOf filters captured events by name.
func (e *engine) eventsOf(name string) []any {
	var out []any
	for _, ev := range e.sink.Events() {
		if n, ok := ev.(events.Named); ok && n.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}

func dec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }
