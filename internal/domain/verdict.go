package domain

import "time"

// TriggeredRule records one rule that fired during evaluation, with the
// metric the predicate computed (a count, a rate, or an amount ratio).
type TriggeredRule struct {
	RuleID    string   `json:"rule_id"`
	RuleName  string   `json:"rule_name,omitempty"`
	Type      RuleType `json:"rule_type"`
	Metric    float64  `json:"metric"`
	RiskScore int      `json:"risk_score"`
	Severity  Severity `json:"severity"`
	Priority  int      `json:"priority"`
	Action    Action   `json:"recommended_action"`
	Reason    string   `json:"reason,omitempty"`
}

// Verdict is the per-event risk decision handed to the enforcement gateway.
// Verdicts are created fresh per event and never mutated.
type Verdict struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`

	// Score is the capped sum of triggered rules' risk scores (0-100).
	Score int `json:"aggregate_risk_score"`

	// Severity is the maximum severity among triggered rules.
	Severity Severity `json:"overall_severity"`

	// Action is the recommended action of the rule that wins the
	// (priority asc, risk_score desc, rule_id asc) tie-break.
	Action Action `json:"resolved_action"`

	// Triggered lists every rule that fired, in tie-break order, for audit.
	Triggered []TriggeredRule `json:"triggered_rules"`

	Metadata VerdictMetadata `json:"metadata"`
}

// VerdictMetadata carries processing information for observability.
type VerdictMetadata struct {
	TraceID        string `json:"trace_id,omitempty"`
	RulesEvaluated int    `json:"rules_evaluated"`
	RulesSkipped   int    `json:"rules_skipped"`
	ProcessMs      int64  `json:"process_ms"`
	EngineVersion  string `json:"engine_version,omitempty"`
}
