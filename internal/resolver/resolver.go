// Package resolver aggregates triggered rules into a single risk verdict.
package resolver

import (
	"sort"

	"github.com/google/uuid"

	"github.com/gigmarket-labs/kestrel/internal/domain"
)

// EngineVersion is stamped into verdict metadata.
const EngineVersion = "kestrel-1.0"

// Resolve combines the triggered rules for one event into a verdict:
//
//  1. aggregate risk score = capped sum of the rules' risk scores
//  2. overall severity = maximum severity among the rules
//  3. resolved action = the recommended action of the first rule after
//     sorting by (priority asc, risk score desc, rule id asc)
//
// The ordering is the engine's explicit tie-break policy; the sorted list is
// kept in the verdict for audit. Resolve returns nil when no rules fired:
// no trigger means no verdict.
func Resolve(ev *domain.Event, triggered []domain.TriggeredRule, meta domain.VerdictMetadata) *domain.Verdict {
	if len(triggered) == 0 {
		return nil
	}

	ordered := make([]domain.TriggeredRule, len(triggered))
	copy(ordered, triggered)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.RiskScore != b.RiskScore {
			return a.RiskScore > b.RiskScore
		}
		return a.RuleID < b.RuleID
	})

	score := 0
	severity := domain.SeverityLow
	for _, t := range ordered {
		score += t.RiskScore
		if t.Severity.Rank() > severity.Rank() {
			severity = t.Severity
		}
	}
	if score > 100 {
		score = 100
	}

	meta.EngineVersion = EngineVersion

	return &domain.Verdict{
		ID:         uuid.New().String(),
		ActorID:    ev.ActorID,
		EventID:    ev.ID,
		OccurredAt: ev.OccurredAt.UTC(),
		Score:      score,
		Severity:   severity,
		Action:     ordered[0].Action,
		Triggered:  ordered,
		Metadata:   meta,
	}
}
