// Package metrics provides Prometheus metrics collection for the accounting
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the engine.
type Collector struct {
	// Admission metrics
	AdmissionChecks *prometheus.CounterVec // feature, decision
	QuotaExceeded   *prometheus.CounterVec // feature

	// Warning metrics
	Warnings *prometheus.CounterVec // feature, threshold

	// Ledger metrics
	UsageRecords *prometheus.CounterVec // feature
	UsageUnits   *prometheus.CounterVec // feature

	// Reset metrics
	Resets *prometheus.CounterVec // feature, trigger ("lazy", "manual", "bulk")

	// Plan sync metrics
	PlanSyncs prometheus.Counter
}

// New creates a collector registered on the default registry.
func New() *Collector {
	return newCollector(promauto.With(prometheus.DefaultRegisterer))
}

// NewWithRegistry creates a collector registered on a custom registry
// (used in tests to avoid duplicate registration).
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	return newCollector(promauto.With(reg))
}

func newCollector(factory promauto.Factory) *Collector {
	return &Collector{
		AdmissionChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "planmeter",
				Name:      "admission_checks_total",
				Help:      "Admission decisions by feature and outcome",
			},
			[]string{"feature", "decision"},
		),
		QuotaExceeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "planmeter",
				Name:      "quota_exceeded_total",
				Help:      "Consumption attempts rejected over quota",
			},
			[]string{"feature"},
		),
		Warnings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "planmeter",
				Name:      "quota_warnings_total",
				Help:      "Warning threshold crossings",
			},
			[]string{"feature", "threshold"},
		),
		UsageRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "planmeter",
				Name:      "usage_records_total",
				Help:      "Ledger records written",
			},
			[]string{"feature"},
		),
		UsageUnits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "planmeter",
				Name:      "usage_units_total",
				Help:      "Units of consumption recorded",
			},
			[]string{"feature"},
		),
		Resets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "planmeter",
				Name:      "quota_resets_total",
				Help:      "Quota resets by trigger",
			},
			[]string{"feature", "trigger"},
		),
		PlanSyncs: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "planmeter",
				Name:      "plan_syncs_total",
				Help:      "Plan-change resynchronizations performed",
			},
		),
	}
}
