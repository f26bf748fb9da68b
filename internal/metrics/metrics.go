// Package metrics exposes prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_events_submitted_total",
		Help: "Total number of events submitted for evaluation, labelled by category.",
	}, []string{"category"})

	RulesTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_rules_triggered_total",
		Help: "Total number of rule triggers, labelled by rule ID.",
	}, []string{"rule_id"})

	RulesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_rules_skipped_total",
		Help: "Total number of rules skipped due to evaluation errors, labelled by rule ID.",
	}, []string{"rule_id"})

	VerdictsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_verdicts_emitted_total",
		Help: "Total number of verdicts emitted, labelled by resolved action.",
	}, []string{"action"})

	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_evaluation_duration_ms",
		Help:    "Per-event evaluation latency in milliseconds.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
	})

	CatalogRules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_catalog_rules",
		Help: "Number of enabled rules in the active catalog snapshot.",
	})

	CatalogReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_catalog_reloads_total",
		Help: "Total number of catalog reload attempts, labelled by result.",
	}, []string{"result"})
)
