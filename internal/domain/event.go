package domain

import (
	"time"
)

// EventCategory classifies the marketplace action that produced an event.
type EventCategory string

const (
	CategoryPayment     EventCategory = "payment"
	CategoryLogin       EventCategory = "login"
	CategoryProfileEdit EventCategory = "profile_edit"
	CategoryBid         EventCategory = "bid"
	CategoryMessage     EventCategory = "message"
)

// Well-known attribute keys.
const (
	AttrAmount   = "amount"
	AttrCountry  = "country"
	AttrIP       = "ip"
	AttrOutcome  = "outcome"
	AttrField    = "field"
	AttrTargetID = "target_id"
)

// OutcomeFailure marks a failed-outcome event (declined payment, bad login).
const OutcomeFailure = "failure"

// categoryRuleTypes maps each event category to the rule types it feeds.
// The mapping is fixed: the rule-type enumeration is part of the engine, so
// the routing is too.
var categoryRuleTypes = map[EventCategory][]RuleType{
	CategoryPayment: {
		RuleTypeVelocity, RuleTypeAnomaly, RuleTypeFailureStreak,
		RuleTypeGeoMismatch, RuleTypeAutomatedBehavior,
	},
	CategoryLogin: {
		RuleTypeVelocity, RuleTypeFailureStreak, RuleTypeGeoMismatch,
		RuleTypeIPChurn, RuleTypeAutomatedBehavior,
	},
	CategoryProfileEdit: {
		RuleTypeProfileChange,
	},
	CategoryBid: {
		RuleTypeBidFlood, RuleTypeAutomatedBehavior,
	},
	CategoryMessage: {
		RuleTypeMessageSpam, RuleTypeAutomatedBehavior,
	},
}

// RuleTypesFor returns the rule types relevant to a category. An unknown
// category returns nil; the caller treats that as a no-op, not an error.
func RuleTypesFor(category EventCategory) []RuleType {
	return categoryRuleTypes[category]
}

// Event is a single behavioral observation for an actor. Events are
// append-only and immutable once recorded.
type Event struct {
	ID         string            `json:"id"`
	ActorID    string            `json:"actor_id"`
	Category   EventCategory     `json:"event_category"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`

	// Amount is parsed out of attributes once at ingestion so predicates
	// do not re-parse it per rule.
	Amount float64 `json:"amount,omitempty"`
}

// Attr returns the named attribute, or "" when absent.
func (e *Event) Attr(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Failed reports whether the event carries a failure outcome.
func (e *Event) Failed() bool {
	return e.Attr(AttrOutcome) == OutcomeFailure
}
