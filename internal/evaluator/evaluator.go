// Package evaluator runs incoming events through the rule catalog and
// produces risk verdicts.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gigmarket-labs/kestrel/internal/catalog"
	"github.com/gigmarket-labs/kestrel/internal/domain"
	"github.com/gigmarket-labs/kestrel/internal/metrics"
	"github.com/gigmarket-labs/kestrel/internal/predicate"
	"github.com/gigmarket-labs/kestrel/internal/resolver"
	"github.com/gigmarket-labs/kestrel/internal/window"
)

var tracer = otel.Tracer("kestrel-evaluator")

// Evaluator evaluates events against the active rule catalog. It is
// stateless per call; all shared state lives in the catalog snapshot and
// the window store.
type Evaluator struct {
	catalog *catalog.Catalog
	store   *window.Store

	// repo and bus are optional collaborators: audit persistence and
	// verdict publishing. Evaluation succeeds without either.
	repo domain.Repository
	bus  domain.EventBus
}

// New creates an evaluator. repo and bus may be nil.
func New(cat *catalog.Catalog, store *window.Store, repo domain.Repository, bus domain.EventBus) *Evaluator {
	return &Evaluator{
		catalog: cat,
		store:   store,
		repo:    repo,
		bus:     bus,
	}
}

// Evaluate records the event, runs every applicable enabled rule, and
// returns the aggregated verdict. It returns (nil, nil) when no rule
// triggers or the category maps to no rule type. A rule that fails against
// a malformed event is skipped and logged; the remaining rules still run.
func (e *Evaluator) Evaluate(ctx context.Context, ev *domain.Event) (*domain.Verdict, error) {
	start := time.Now()

	if err := e.normalize(ev); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "evaluate")
	span.SetAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.category", string(ev.Category)),
		attribute.String("actor.id", ev.ActorID),
	)
	defer span.End()

	metrics.EventsSubmitted.WithLabelValues(string(ev.Category)).Inc()

	e.persistEvent(ctx, ev)

	ruleTypes := domain.RuleTypesFor(ev.Category)
	if len(ruleTypes) == 0 {
		// Unknown category: recorded, not evaluated.
		slog.Debug("no rule types for category", "category", ev.Category, "event_id", ev.ID)
		return nil, nil
	}

	entry := window.Entry{At: ev.OccurredAt, Category: ev.Category, Amount: ev.Amount, Attrs: ev.Attributes}
	for _, rt := range ruleTypes {
		e.store.Record(ev.ActorID, rt, entry)
	}

	var (
		triggered  []domain.TriggeredRule
		changeKeys = map[string]string{} // rule id -> cooldown change key
		evaluated  int
		skipped    int
	)

	for _, rt := range ruleTypes {
		for _, cr := range e.catalog.RulesFor(rt) {
			evaluated++
			res, err := e.runRule(cr, ev)
			if err != nil {
				skipped++
				metrics.RulesSkipped.WithLabelValues(cr.Rule.ID).Inc()
				slog.Warn("rule skipped",
					"rule_id", cr.Rule.ID,
					"event_id", ev.ID,
					"error", err,
				)
				continue
			}
			if !res.Triggered {
				continue
			}
			metrics.RulesTriggered.WithLabelValues(cr.Rule.ID).Inc()
			triggered = append(triggered, domain.TriggeredRule{
				RuleID:    cr.Rule.ID,
				RuleName:  cr.Rule.Name,
				Type:      cr.Rule.Type,
				Metric:    res.Metric,
				RiskScore: cr.Rule.RiskScore,
				Severity:  cr.Rule.Severity,
				Priority:  cr.Rule.Priority,
				Action:    cr.Rule.Conditions.RecommendedAction,
				Reason:    res.Reason,
			})
			if res.ChangeKey != "" {
				changeKeys[cr.Rule.ID] = res.ChangeKey
			}
		}
	}

	processMs := time.Since(start).Milliseconds()
	metrics.EvaluationDuration.Observe(float64(time.Since(start).Microseconds()) / 1000.0)

	verdict := resolver.Resolve(ev, triggered, domain.VerdictMetadata{
		TraceID:        span.SpanContext().TraceID().String(),
		RulesEvaluated: evaluated,
		RulesSkipped:   skipped,
		ProcessMs:      processMs,
	})
	if verdict == nil {
		return nil, nil
	}

	// Cooldown bookkeeping happens only after a rule survives guard checks
	// and lands in the verdict.
	for ruleID, key := range changeKeys {
		e.store.MarkAlert(ev.ActorID, ruleID, key, ev.OccurredAt)
	}

	metrics.VerdictsEmitted.WithLabelValues(string(verdict.Action)).Inc()
	e.persistVerdict(ctx, verdict)
	e.publish(ctx, verdict)

	slog.Info("verdict emitted",
		"verdict_id", verdict.ID,
		"actor_id", verdict.ActorID,
		"score", verdict.Score,
		"severity", verdict.Severity,
		"action", verdict.Action,
		"rules", len(verdict.Triggered),
	)

	return verdict, nil
}

// runRule executes one rule's predicate and guard with panic isolation so a
// misbehaving rule cannot abort the rest of the evaluation.
func (e *Evaluator) runRule(cr *catalog.CompiledRule, ev *domain.Event) (res predicate.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = predicate.Result{}
			err = fmt.Errorf("panic in rule %s: %v", cr.Rule.ID, r)
		}
	}()

	fn := predicate.ForType(cr.Rule.Type)
	if fn == nil {
		return predicate.Result{}, fmt.Errorf("no predicate for rule type %s", cr.Rule.Type)
	}
	res, err = fn(cr.Rule, ev, e.store)
	if err != nil || !res.Triggered {
		return res, err
	}

	allowed, err := cr.GuardAllows(ev)
	if err != nil {
		return predicate.Result{}, err
	}
	if !allowed {
		res.Triggered = false
		res.ChangeKey = ""
	}
	return res, nil
}

// normalize fills server-side defaults and parses the well-known amount
// attribute once so predicates do not re-parse it per rule. A non-numeric
// amount is not an ingestion error: the attribute is left unparsed and the
// predicates that need it report the skip per rule.
func (e *Evaluator) normalize(ev *domain.Event) error {
	if ev.ActorID == "" {
		return fmt.Errorf("%w: actor_id is required", domain.ErrInvalidInput)
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.Amount == 0 {
		if raw := ev.Attr(domain.AttrAmount); raw != "" {
			if amount, err := strconv.ParseFloat(raw, 64); err == nil {
				ev.Amount = amount
			} else {
				slog.Debug("non-numeric amount attribute", "event_id", ev.ID, "amount", raw)
			}
		}
	}
	return nil
}

func (e *Evaluator) persistEvent(ctx context.Context, ev *domain.Event) {
	if e.repo == nil {
		return
	}
	if err := e.repo.SaveEvent(ctx, ev); err != nil {
		slog.Error("failed to save event", "event_id", ev.ID, "error", err)
	}
}

func (e *Evaluator) persistVerdict(ctx context.Context, v *domain.Verdict) {
	if e.repo == nil {
		return
	}
	if err := e.repo.SaveVerdict(ctx, v); err != nil {
		slog.Error("failed to save verdict", "verdict_id", v.ID, "error", err)
	}
}

// publish pushes the verdict onto the bus for the enforcement gateway.
// High and critical verdicts go to the alert topic as well.
func (e *Evaluator) publish(ctx context.Context, v *domain.Verdict) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal verdict", "verdict_id", v.ID, "error", err)
		return
	}
	if err := e.bus.Publish(ctx, domain.TopicVerdict, payload); err != nil {
		slog.Error("failed to publish verdict", "verdict_id", v.ID, "error", err)
	}
	if v.Severity.Rank() >= domain.SeverityHigh.Rank() {
		if err := e.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert", "verdict_id", v.ID, "error", err)
		}
	}
}
