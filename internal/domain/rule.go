// Package domain defines the core types and interfaces for Kestrel.
package domain

import "time"

// RuleType identifies the predicate used to evaluate a rule.
type RuleType string

const (
	RuleTypeVelocity          RuleType = "velocity"
	RuleTypeAnomaly           RuleType = "anomaly"
	RuleTypeFailureStreak     RuleType = "failure_streak"
	RuleTypeProfileChange     RuleType = "profile_change"
	RuleTypeGeoMismatch       RuleType = "geo_mismatch"
	RuleTypeIPChurn           RuleType = "ip_churn"
	RuleTypeBidFlood          RuleType = "bid_flood"
	RuleTypeMessageSpam       RuleType = "message_spam"
	RuleTypeAutomatedBehavior RuleType = "automated_behavior"
)

// RuleTypes lists every supported rule type.
func RuleTypes() []RuleType {
	return []RuleType{
		RuleTypeVelocity,
		RuleTypeAnomaly,
		RuleTypeFailureStreak,
		RuleTypeProfileChange,
		RuleTypeGeoMismatch,
		RuleTypeIPChurn,
		RuleTypeBidFlood,
		RuleTypeMessageSpam,
		RuleTypeAutomatedBehavior,
	}
}

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeVelocity, RuleTypeAnomaly, RuleTypeFailureStreak,
		RuleTypeProfileChange, RuleTypeGeoMismatch, RuleTypeIPChurn,
		RuleTypeBidFlood, RuleTypeMessageSpam, RuleTypeAutomatedBehavior:
		return true
	}
	return false
}

// Severity classifies how serious a triggered rule is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering value of a severity (critical > high > medium > low).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Action is the enforcement action a rule recommends when it fires.
type Action string

const (
	ActionMonitor             Action = "monitor"
	ActionRateLimit           Action = "rate_limit"
	ActionRequireVerification Action = "require_verification"
	ActionManualReview        Action = "manual_review"
	ActionBlock               Action = "block"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionMonitor, ActionRateLimit, ActionRequireVerification,
		ActionManualReview, ActionBlock:
		return true
	}
	return false
}

// MaxWindowMinutes caps the lookback window so no rule can force an
// unbounded scan (7 days).
const MaxWindowMinutes = 7 * 24 * 60

// RuleParams holds the numeric thresholds for a rule. Which fields are
// required depends on the rule type; Rule.Validate enforces that.
type RuleParams struct {
	MaxAttempts       int     `json:"max_attempts,omitempty" yaml:"max_attempts"`
	Multiplier        float64 `json:"multiplier,omitempty" yaml:"multiplier"`
	MinAmount         float64 `json:"min_amount,omitempty" yaml:"min_amount"`
	MaxFailures       int     `json:"max_failures,omitempty" yaml:"max_failures"`
	MaxChanges        int     `json:"max_changes,omitempty" yaml:"max_changes"`
	CooldownDays      int     `json:"cooldown_days,omitempty" yaml:"cooldown_days"`
	MaxIPs            int     `json:"max_ips,omitempty" yaml:"max_ips"`
	MaxBids           int     `json:"max_bids,omitempty" yaml:"max_bids"`
	MaxMessages       int     `json:"max_messages,omitempty" yaml:"max_messages"`
	RequestsPerMinute int     `json:"requests_per_minute,omitempty" yaml:"requests_per_minute"`
}

// RuleConditions holds the non-numeric rule configuration.
type RuleConditions struct {
	// RecommendedAction is applied when this rule wins the tie-break.
	RecommendedAction Action `json:"recommended_action" yaml:"recommended_action"`

	// AllowedCountries is the allow-list for geo_mismatch rules.
	AllowedCountries []string `json:"allowed_countries,omitempty" yaml:"allowed_countries"`

	// SensitiveFields lists profile fields that alert on a single change.
	SensitiveFields []string `json:"sensitive_fields,omitempty" yaml:"sensitive_fields"`

	// Guard is an optional CEL expression over the incoming event. A rule
	// that triggers numerically is suppressed when the guard is false.
	Guard string `json:"guard,omitempty" yaml:"guard"`
}

// Rule is a configured fraud detector. Rules are immutable once loaded into
// a catalog snapshot; updates publish a new snapshot.
type Rule struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	Type          RuleType       `json:"rule_type" yaml:"rule_type"`
	Params        RuleParams     `json:"parameters" yaml:"parameters"`
	Conditions    RuleConditions `json:"conditions" yaml:"conditions"`
	WindowMinutes int            `json:"time_window_minutes" yaml:"time_window_minutes"`
	RiskScore     int            `json:"risk_score" yaml:"risk_score"`
	Severity      Severity       `json:"severity" yaml:"severity"`

	// Priority orders rules in the tie-break; lower value wins.
	Priority int `json:"priority" yaml:"priority"`

	Enabled   bool      `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// Window returns the rule's lookback window as a duration.
func (r *Rule) Window() time.Duration {
	return time.Duration(r.WindowMinutes) * time.Minute
}

// Cooldown returns the profile-change re-alert suppression period.
func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.Params.CooldownDays) * 24 * time.Hour
}

// Validate checks the shared invariants and the type-specific required
// parameters. It returns a *ConfigError describing the first violation.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return &ConfigError{RuleID: r.ID, Field: "id", Reason: "id is required"}
	}
	if !r.Type.Valid() {
		return &ConfigError{RuleID: r.ID, Field: "rule_type", Reason: "unknown rule type: " + string(r.Type)}
	}
	if r.WindowMinutes < 1 || r.WindowMinutes > MaxWindowMinutes {
		return &ConfigError{RuleID: r.ID, Field: "time_window_minutes",
			Reason: "must be between 1 and 10080"}
	}
	if r.RiskScore < 0 || r.RiskScore > 100 {
		return &ConfigError{RuleID: r.ID, Field: "risk_score", Reason: "must be between 0 and 100"}
	}
	if r.Priority < 1 {
		return &ConfigError{RuleID: r.ID, Field: "priority", Reason: "must be >= 1"}
	}
	if !r.Severity.Valid() {
		return &ConfigError{RuleID: r.ID, Field: "severity", Reason: "unknown severity: " + string(r.Severity)}
	}
	if !r.Conditions.RecommendedAction.Valid() {
		return &ConfigError{RuleID: r.ID, Field: "conditions.recommended_action",
			Reason: "unknown action: " + string(r.Conditions.RecommendedAction)}
	}
	return r.validateParams()
}

func (r *Rule) validateParams() error {
	fail := func(field, reason string) error {
		return &ConfigError{RuleID: r.ID, Field: field, Reason: reason}
	}

	switch r.Type {
	case RuleTypeVelocity:
		if r.Params.MaxAttempts < 1 {
			return fail("parameters.max_attempts", "required for velocity rules, must be >= 1")
		}
	case RuleTypeAnomaly:
		if r.Params.Multiplier <= 0 {
			return fail("parameters.multiplier", "required for anomaly rules, must be > 0")
		}
		if r.Params.MinAmount <= 0 {
			return fail("parameters.min_amount", "required for anomaly rules, must be > 0")
		}
	case RuleTypeFailureStreak:
		if r.Params.MaxFailures < 1 {
			return fail("parameters.max_failures", "required for failure_streak rules, must be >= 1")
		}
	case RuleTypeProfileChange:
		if r.Params.MaxChanges < 1 && len(r.Conditions.SensitiveFields) == 0 {
			return fail("parameters.max_changes",
				"profile_change rules need max_changes >= 1 or a sensitive_fields list")
		}
		if r.Params.CooldownDays < 0 {
			return fail("parameters.cooldown_days", "must be >= 0")
		}
	case RuleTypeGeoMismatch:
		if len(r.Conditions.AllowedCountries) == 0 {
			return fail("conditions.allowed_countries", "required for geo_mismatch rules")
		}
	case RuleTypeIPChurn:
		if r.Params.MaxIPs < 2 {
			return fail("parameters.max_ips", "required for ip_churn rules, must be >= 2")
		}
	case RuleTypeBidFlood:
		if r.Params.MaxBids < 1 {
			return fail("parameters.max_bids", "required for bid_flood rules, must be >= 1")
		}
	case RuleTypeMessageSpam:
		if r.Params.MaxMessages < 1 {
			return fail("parameters.max_messages", "required for message_spam rules, must be >= 1")
		}
	case RuleTypeAutomatedBehavior:
		if r.Params.RequestsPerMinute < 1 {
			return fail("parameters.requests_per_minute", "required for automated_behavior rules, must be >= 1")
		}
	}
	return nil
}
