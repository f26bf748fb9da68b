// Package predicate implements one evaluation function per rule type. Each
// predicate is a pure function of the rule configuration, the incoming
// event, and the window store contents, so evaluation is deterministic and
// replayable.
package predicate

import (
	"fmt"
	"strings"

	"github.com/gigmarket-labs/kestrel/internal/domain"
	"github.com/gigmarket-labs/kestrel/internal/window"
)

// Result is the outcome of evaluating a single rule against an event.
type Result struct {
	Triggered bool
	// Metric is the value the predicate computed: a count, a rate, or an
	// amount ratio. Reported in the verdict for audit.
	Metric float64
	// Reason is a human-readable explanation when triggered.
	Reason string
	// ChangeKey identifies the specific change for cooldown bookkeeping
	// (profile_change only).
	ChangeKey string
}

// Func evaluates one rule against the incoming event. The event has already
// been recorded in the store, so windowed counts include it. An error means
// the event is malformed for this rule; the evaluator skips the rule and
// continues.
type Func func(rule *domain.Rule, ev *domain.Event, store *window.Store) (Result, error)

// ForType returns the predicate for a rule type, or nil for unknown types.
func ForType(t domain.RuleType) Func {
	switch t {
	case domain.RuleTypeVelocity:
		return Velocity
	case domain.RuleTypeAnomaly:
		return Anomaly
	case domain.RuleTypeFailureStreak:
		return FailureStreak
	case domain.RuleTypeProfileChange:
		return ProfileChange
	case domain.RuleTypeGeoMismatch:
		return GeoMismatch
	case domain.RuleTypeIPChurn:
		return IPChurn
	case domain.RuleTypeBidFlood:
		return BidFlood
	case domain.RuleTypeMessageSpam:
		return MessageSpam
	case domain.RuleTypeAutomatedBehavior:
		return AutomatedBehavior
	}
	return nil
}

// Velocity triggers when the actor has produced at least max_attempts
// same-category events within the window. The velocity window is shared
// across categories, so the count filters on the incoming event's category.
func Velocity(rule *domain.Rule, ev *domain.Event, store *window.Store) (Result, error) {
	count := store.Count(ev.ActorID, rule.Type, ev.OccurredAt, rule.Window(), func(e window.Entry) bool {
		return e.Category == ev.Category
	})
	if count < rule.Params.MaxAttempts {
		return Result{Metric: float64(count)}, nil
	}
	return Result{
		Triggered: true,
		Metric:    float64(count),
		Reason: fmt.Sprintf("%d %s events in %dm (max %d)",
			count, ev.Category, rule.WindowMinutes, rule.Params.MaxAttempts),
	}, nil
}

// Anomaly triggers when the event amount is at least multiplier times the
// actor's trailing average and at least min_amount. The incoming event is
// excluded from the baseline.
func Anomaly(rule *domain.Rule, ev *domain.Event, store *window.Store) (Result, error) {
	if ev.Amount <= 0 {
		if raw := ev.Attr(domain.AttrAmount); raw != "" {
			return Result{}, fmt.Errorf("event %s amount attribute %q is not a positive number", ev.ID, raw)
		}
		return Result{}, fmt.Errorf("event %s has no positive amount attribute", ev.ID)
	}

	series := store.AmountSeries(ev.ActorID, rule.Type, ev.OccurredAt, rule.Window())
	if len(series) < 2 {
		// Only the incoming event in the window: no baseline to compare.
		return Result{}, nil
	}

	var sum float64
	for _, v := range series {
		sum += v
	}
	baseline := (sum - ev.Amount) / float64(len(series)-1)
	if baseline <= 0 {
		return Result{}, nil
	}

	ratio := ev.Amount / baseline
	if ratio < rule.Params.Multiplier || ev.Amount < rule.Params.MinAmount {
		return Result{Metric: ratio}, nil
	}
	return Result{
		Triggered: true,
		Metric:    ratio,
		Reason: fmt.Sprintf("amount %.2f is %.1fx the trailing average %.2f (threshold %.1fx)",
			ev.Amount, ratio, baseline, rule.Params.Multiplier),
	}, nil
}

// FailureStreak triggers when the window holds at least max_failures
// failed-outcome events.
func FailureStreak(rule *domain.Rule, ev *domain.Event, store *window.Store) (Result, error) {
	count := store.Count(ev.ActorID, rule.Type, ev.OccurredAt, rule.Window(), func(e window.Entry) bool {
		return e.Attr(domain.AttrOutcome) == domain.OutcomeFailure
	})
	if count < rule.Params.MaxFailures {
		return Result{Metric: float64(count)}, nil
	}
	return Result{
		Triggered: true,
		Metric:    float64(count),
		Reason: fmt.Sprintf("%d failed %s attempts in %dm (max %d)",
			count, ev.Category, rule.WindowMinutes, rule.Params.MaxFailures),
	}, nil
}

// ProfileChange triggers either on a single change to a sensitive field or
// on max_changes general changes within the window. With cooldown_days set,
// a repeat alert for the same change key inside the cooldown is suppressed.
func ProfileChange(rule *domain.Rule, ev *domain.Event, store *window.Store) (Result, error) {
	field := ev.Attr(domain.AttrField)
	if field == "" {
		return Result{}, fmt.Errorf("event %s has no field attribute", ev.ID)
	}

	if sensitiveField(rule, field) {
		if suppressed(rule, ev, store, field) {
			return Result{Metric: 1}, nil
		}
		return Result{
			Triggered: true,
			Metric:    1,
			Reason:    fmt.Sprintf("sensitive field %q changed", field),
			ChangeKey: field,
		}, nil
	}

	if rule.Params.MaxChanges < 1 {
		return Result{}, nil
	}
	count := store.Count(ev.ActorID, rule.Type, ev.OccurredAt, rule.Window(), nil)
	if count < rule.Params.MaxChanges {
		return Result{Metric: float64(count)}, nil
	}
	if suppressed(rule, ev, store, generalChangeKey) {
		return Result{Metric: float64(count)}, nil
	}
	return Result{
		Triggered: true,
		Metric:    float64(count),
		Reason: fmt.Sprintf("%d profile changes in %dm (max %d)",
			count, rule.WindowMinutes, rule.Params.MaxChanges),
		ChangeKey: generalChangeKey,
	}, nil
}

const generalChangeKey = "*"

func sensitiveField(rule *domain.Rule, field string) bool {
	for _, f := range rule.Conditions.SensitiveFields {
		if strings.EqualFold(f, field) {
			return true
		}
	}
	return false
}

// suppressed reports whether the rule's most recent alert for this change
// key is still inside the cooldown window.
func suppressed(rule *domain.Rule, ev *domain.Event, store *window.Store, changeKey string) bool {
	cooldown := rule.Cooldown()
	if cooldown <= 0 {
		return false
	}
	last, ok := store.LastAlert(ev.ActorID, rule.ID, changeKey)
	if !ok {
		return false
	}
	return ev.OccurredAt.Sub(last) < cooldown
}

// GeoMismatch triggers when the event's country is absent from the rule's
// allow-list.
func GeoMismatch(rule *domain.Rule, ev *domain.Event, store *window.Store) (Result, error) {
	country := ev.Attr(domain.AttrCountry)
	if country == "" {
		return Result{}, fmt.Errorf("event %s has no country attribute", ev.ID)
	}
	for _, allowed := range rule.Conditions.AllowedCountries {
		if strings.EqualFold(allowed, country) {
			return Result{}, nil
		}
	}
	return Result{
		Triggered: true,
		Metric:    1,
		Reason:    fmt.Sprintf("country %q not in allow-list", country),
	}, nil
}

// IPChurn triggers when the actor has used at least max_ips distinct IP
// addresses within the window.
func IPChurn(rule *domain.Rule, ev *domain.Event, store *window.Store) (Result, error) {
	distinct := store.DistinctCount(ev.ActorID, rule.Type, ev.OccurredAt, rule.Window(), domain.AttrIP)
	if distinct < rule.Params.MaxIPs {
		return Result{Metric: float64(distinct)}, nil
	}
	return Result{
		Triggered: true,
		Metric:    float64(distinct),
		Reason: fmt.Sprintf("%d distinct IPs in %dm (max %d)",
			distinct, rule.WindowMinutes, rule.Params.MaxIPs),
	}, nil
}

// BidFlood triggers when the actor has placed at least max_bids bids within
// the window.
func BidFlood(rule *domain.Rule, ev *domain.Event, store *window.Store) (Result, error) {
	count := store.Count(ev.ActorID, rule.Type, ev.OccurredAt, rule.Window(), nil)
	if count < rule.Params.MaxBids {
		return Result{Metric: float64(count)}, nil
	}
	return Result{
		Triggered: true,
		Metric:    float64(count),
		Reason: fmt.Sprintf("%d bids in %dm (max %d)",
			count, rule.WindowMinutes, rule.Params.MaxBids),
	}, nil
}

// MessageSpam triggers when the actor has sent at least max_messages
// messages within the window.
func MessageSpam(rule *domain.Rule, ev *domain.Event, store *window.Store) (Result, error) {
	count := store.Count(ev.ActorID, rule.Type, ev.OccurredAt, rule.Window(), nil)
	if count < rule.Params.MaxMessages {
		return Result{Metric: float64(count)}, nil
	}
	return Result{
		Triggered: true,
		Metric:    float64(count),
		Reason: fmt.Sprintf("%d messages in %dm (max %d)",
			count, rule.WindowMinutes, rule.Params.MaxMessages),
	}, nil
}

// AutomatedBehavior triggers when the actor's event rate within the window
// reaches requests_per_minute.
func AutomatedBehavior(rule *domain.Rule, ev *domain.Event, store *window.Store) (Result, error) {
	count := store.Count(ev.ActorID, rule.Type, ev.OccurredAt, rule.Window(), nil)
	rate := float64(count) / float64(rule.WindowMinutes)
	if rate < float64(rule.Params.RequestsPerMinute) {
		return Result{Metric: rate}, nil
	}
	return Result{
		Triggered: true,
		Metric:    rate,
		Reason: fmt.Sprintf("%.1f events/min over %dm (max %d/min)",
			rate, rule.WindowMinutes, rule.Params.RequestsPerMinute),
	}, nil
}
