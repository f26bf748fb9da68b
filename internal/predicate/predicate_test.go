package predicate

import (
	"testing"
	"time"

	"github.com/gigmarket-labs/kestrel/internal/domain"
	"github.com/gigmarket-labs/kestrel/internal/window"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// record puts n entries (including the incoming one) in the store the way the
// evaluator does before running predicates.
func record(store *window.Store, actorID string, rt domain.RuleType, entries ...window.Entry) {
	for _, e := range entries {
		store.Record(actorID, rt, e)
	}
}

func velocityRule(maxAttempts, windowMinutes int) *domain.Rule {
	return &domain.Rule{
		ID:            "vel-1",
		Name:          "Payment velocity",
		Type:          domain.RuleTypeVelocity,
		Params:        domain.RuleParams{MaxAttempts: maxAttempts},
		Conditions:    domain.RuleConditions{RecommendedAction: domain.ActionRateLimit},
		WindowMinutes: windowMinutes,
		RiskScore:     40,
		Severity:      domain.SeverityMedium,
		Priority:      10,
		Enabled:       true,
	}
}

func TestVelocity(t *testing.T) {
	rule := velocityRule(3, 60)

	t.Run("TriggersAtThreshold", func(t *testing.T) {
		store := window.NewStore()
		record(store, "actor-1", rule.Type,
			window.Entry{At: base, Category: domain.CategoryPayment},
			window.Entry{At: base.Add(time.Minute), Category: domain.CategoryPayment},
			window.Entry{At: base.Add(2 * time.Minute), Category: domain.CategoryPayment},
		)
		ev := &domain.Event{ID: "ev-3", ActorID: "actor-1", Category: domain.CategoryPayment, OccurredAt: base.Add(2 * time.Minute)}

		res, err := Velocity(rule, ev, store)
		if err != nil {
			t.Fatalf("velocity failed: %v", err)
		}
		if !res.Triggered {
			t.Error("expected trigger at 3 events with max_attempts=3")
		}
		if res.Metric != 3 {
			t.Errorf("metric = %.0f, want 3", res.Metric)
		}
	})

	t.Run("BelowThreshold", func(t *testing.T) {
		store := window.NewStore()
		record(store, "actor-1", rule.Type,
			window.Entry{At: base, Category: domain.CategoryPayment},
			window.Entry{At: base.Add(time.Minute), Category: domain.CategoryPayment},
		)
		ev := &domain.Event{ID: "ev-2", ActorID: "actor-1", Category: domain.CategoryPayment, OccurredAt: base.Add(time.Minute)}

		res, _ := Velocity(rule, ev, store)
		if res.Triggered {
			t.Error("expected no trigger at 2 events")
		}
	})

	t.Run("ExpiredEntriesExcluded", func(t *testing.T) {
		store := window.NewStore()
		record(store, "actor-1", rule.Type,
			window.Entry{At: base.Add(-2 * time.Hour), Category: domain.CategoryPayment},
			window.Entry{At: base.Add(-90 * time.Minute), Category: domain.CategoryPayment},
			window.Entry{At: base, Category: domain.CategoryPayment},
		)
		ev := &domain.Event{ID: "ev-3", ActorID: "actor-1", Category: domain.CategoryPayment, OccurredAt: base}

		res, _ := Velocity(rule, ev, store)
		if res.Triggered {
			t.Error("expected no trigger when older events left the window")
		}
		if res.Metric != 1 {
			t.Errorf("metric = %.0f, want 1", res.Metric)
		}
	})

	t.Run("OtherCategoriesExcluded", func(t *testing.T) {
		// Payment and login share the velocity window; only events of the
		// incoming event's category count toward its threshold.
		store := window.NewStore()
		record(store, "actor-1", rule.Type,
			window.Entry{At: base, Category: domain.CategoryPayment},
			window.Entry{At: base.Add(time.Minute), Category: domain.CategoryPayment},
			window.Entry{At: base.Add(2 * time.Minute), Category: domain.CategoryLogin},
		)
		ev := &domain.Event{ID: "ev-3", ActorID: "actor-1", Category: domain.CategoryLogin, OccurredAt: base.Add(2 * time.Minute)}

		res, err := Velocity(rule, ev, store)
		if err != nil {
			t.Fatalf("velocity failed: %v", err)
		}
		if res.Triggered {
			t.Error("expected no trigger: only 1 login event is in the window")
		}
		if res.Metric != 1 {
			t.Errorf("metric = %.0f, want 1 (payments must not count toward login velocity)", res.Metric)
		}
	})
}

func TestAnomaly(t *testing.T) {
	rule := &domain.Rule{
		ID:            "anom-1",
		Type:          domain.RuleTypeAnomaly,
		Params:        domain.RuleParams{Multiplier: 5, MinAmount: 100},
		Conditions:    domain.RuleConditions{RecommendedAction: domain.ActionManualReview},
		WindowMinutes: 1440,
		RiskScore:     60,
		Severity:      domain.SeverityHigh,
		Priority:      5,
		Enabled:       true,
	}

	t.Run("SpikeTriggers", func(t *testing.T) {
		store := window.NewStore()
		record(store, "actor-1", rule.Type,
			window.Entry{At: base, Amount: 20},
			window.Entry{At: base.Add(time.Hour), Amount: 20},
			window.Entry{At: base.Add(2 * time.Hour), Amount: 200},
		)
		ev := &domain.Event{ID: "ev-3", ActorID: "actor-1", OccurredAt: base.Add(2 * time.Hour), Amount: 200}

		res, err := Anomaly(rule, ev, store)
		if err != nil {
			t.Fatalf("anomaly failed: %v", err)
		}
		// Baseline is (20+20)/2 = 20, ratio 10x.
		if !res.Triggered {
			t.Error("expected trigger for 10x spike")
		}
		if res.Metric != 10 {
			t.Errorf("ratio = %.1f, want 10", res.Metric)
		}
	})

	t.Run("BelowMinAmount", func(t *testing.T) {
		store := window.NewStore()
		record(store, "actor-1", rule.Type,
			window.Entry{At: base, Amount: 2},
			window.Entry{At: base.Add(time.Hour), Amount: 80},
		)
		ev := &domain.Event{ID: "ev-2", ActorID: "actor-1", OccurredAt: base.Add(time.Hour), Amount: 80}

		res, _ := Anomaly(rule, ev, store)
		if res.Triggered {
			t.Error("expected no trigger below min_amount")
		}
	})

	t.Run("NoBaseline", func(t *testing.T) {
		store := window.NewStore()
		record(store, "actor-1", rule.Type, window.Entry{At: base, Amount: 500})
		ev := &domain.Event{ID: "ev-1", ActorID: "actor-1", OccurredAt: base, Amount: 500}

		res, err := Anomaly(rule, ev, store)
		if err != nil {
			t.Fatalf("anomaly failed: %v", err)
		}
		if res.Triggered {
			t.Error("first event has no baseline, must not trigger")
		}
	})

	t.Run("MissingAmount", func(t *testing.T) {
		store := window.NewStore()
		ev := &domain.Event{ID: "ev-1", ActorID: "actor-1", OccurredAt: base}

		if _, err := Anomaly(rule, ev, store); err == nil {
			t.Error("expected error for event without amount")
		}
	})

	t.Run("NonNumericAmount", func(t *testing.T) {
		// An unparsable amount attribute is an error for this rule only.
		store := window.NewStore()
		ev := &domain.Event{ID: "ev-1", ActorID: "actor-1", OccurredAt: base,
			Attributes: map[string]string{domain.AttrAmount: "abc"}}

		if _, err := Anomaly(rule, ev, store); err == nil {
			t.Error("expected error for non-numeric amount")
		}
	})
}

func TestFailureStreak(t *testing.T) {
	rule := &domain.Rule{
		ID:            "fail-1",
		Type:          domain.RuleTypeFailureStreak,
		Params:        domain.RuleParams{MaxFailures: 3},
		Conditions:    domain.RuleConditions{RecommendedAction: domain.ActionRequireVerification},
		WindowMinutes: 30,
		RiskScore:     50,
		Severity:      domain.SeverityHigh,
		Priority:      5,
		Enabled:       true,
	}

	store := window.NewStore()
	fail := map[string]string{domain.AttrOutcome: domain.OutcomeFailure}
	record(store, "actor-1", rule.Type,
		window.Entry{At: base, Attrs: fail},
		window.Entry{At: base.Add(time.Minute), Attrs: map[string]string{domain.AttrOutcome: "success"}},
		window.Entry{At: base.Add(2 * time.Minute), Attrs: fail},
		window.Entry{At: base.Add(3 * time.Minute), Attrs: fail},
	)
	ev := &domain.Event{ID: "ev-4", ActorID: "actor-1", OccurredAt: base.Add(3 * time.Minute), Attributes: fail}

	res, err := FailureStreak(rule, ev, store)
	if err != nil {
		t.Fatalf("failure streak failed: %v", err)
	}
	if !res.Triggered {
		t.Error("expected trigger at 3 failures; successes must not reset the count")
	}
}

func TestProfileChange(t *testing.T) {
	rule := &domain.Rule{
		ID:     "prof-1",
		Type:   domain.RuleTypeProfileChange,
		Params: domain.RuleParams{CooldownDays: 7},
		Conditions: domain.RuleConditions{
			RecommendedAction: domain.ActionManualReview,
			SensitiveFields:   []string{"payout_account", "email"},
		},
		WindowMinutes: 1440,
		RiskScore:     70,
		Severity:      domain.SeverityHigh,
		Priority:      3,
		Enabled:       true,
	}

	t.Run("SensitiveFieldTriggersOnce", func(t *testing.T) {
		store := window.NewStore()
		attrs := map[string]string{domain.AttrField: "payout_account"}
		record(store, "actor-1", rule.Type, window.Entry{At: base, Attrs: attrs})
		ev := &domain.Event{ID: "ev-1", ActorID: "actor-1", OccurredAt: base, Attributes: attrs}

		res, err := ProfileChange(rule, ev, store)
		if err != nil {
			t.Fatalf("profile change failed: %v", err)
		}
		if !res.Triggered {
			t.Fatal("expected trigger on sensitive field change")
		}
		if res.ChangeKey != "payout_account" {
			t.Errorf("change key = %q, want payout_account", res.ChangeKey)
		}
	})

	t.Run("CooldownSuppressesRepeat", func(t *testing.T) {
		store := window.NewStore()
		attrs := map[string]string{domain.AttrField: "payout_account"}

		// First alert fired and was marked.
		store.MarkAlert("actor-1", rule.ID, "payout_account", base)

		record(store, "actor-1", rule.Type, window.Entry{At: base.Add(24 * time.Hour), Attrs: attrs})
		ev := &domain.Event{ID: "ev-2", ActorID: "actor-1", OccurredAt: base.Add(24 * time.Hour), Attributes: attrs}

		res, _ := ProfileChange(rule, ev, store)
		if res.Triggered {
			t.Error("expected suppression inside 7-day cooldown")
		}

		// Past the cooldown the same change alerts again.
		after := base.Add(8 * 24 * time.Hour)
		record(store, "actor-1", rule.Type, window.Entry{At: after, Attrs: attrs})
		ev = &domain.Event{ID: "ev-3", ActorID: "actor-1", OccurredAt: after, Attributes: attrs}

		res, _ = ProfileChange(rule, ev, store)
		if !res.Triggered {
			t.Error("expected trigger after cooldown elapsed")
		}
	})

	t.Run("MissingFieldAttribute", func(t *testing.T) {
		store := window.NewStore()
		ev := &domain.Event{ID: "ev-1", ActorID: "actor-1", OccurredAt: base}

		if _, err := ProfileChange(rule, ev, store); err == nil {
			t.Error("expected error for event without field attribute")
		}
	})
}

func TestGeoMismatch(t *testing.T) {
	rule := &domain.Rule{
		ID:   "geo-1",
		Type: domain.RuleTypeGeoMismatch,
		Conditions: domain.RuleConditions{
			RecommendedAction: domain.ActionBlock,
			AllowedCountries:  []string{"US", "CA"},
		},
		WindowMinutes: 60,
		RiskScore:     80,
		Severity:      domain.SeverityCritical,
		Priority:      1,
		Enabled:       true,
	}
	store := window.NewStore()

	t.Run("DisallowedCountry", func(t *testing.T) {
		ev := &domain.Event{ID: "ev-1", ActorID: "actor-1", OccurredAt: base,
			Attributes: map[string]string{domain.AttrCountry: "RU"}}

		res, err := GeoMismatch(rule, ev, store)
		if err != nil {
			t.Fatalf("geo mismatch failed: %v", err)
		}
		if !res.Triggered {
			t.Error("expected trigger for country outside allow-list")
		}
	})

	t.Run("AllowedCountryCaseInsensitive", func(t *testing.T) {
		ev := &domain.Event{ID: "ev-2", ActorID: "actor-1", OccurredAt: base,
			Attributes: map[string]string{domain.AttrCountry: "us"}}

		res, _ := GeoMismatch(rule, ev, store)
		if res.Triggered {
			t.Error("expected no trigger for allow-listed country")
		}
	})

	t.Run("MissingCountry", func(t *testing.T) {
		ev := &domain.Event{ID: "ev-3", ActorID: "actor-1", OccurredAt: base}

		if _, err := GeoMismatch(rule, ev, store); err == nil {
			t.Error("expected error for event without country attribute")
		}
	})
}

func TestIPChurn(t *testing.T) {
	rule := &domain.Rule{
		ID:            "ip-1",
		Type:          domain.RuleTypeIPChurn,
		Params:        domain.RuleParams{MaxIPs: 3},
		Conditions:    domain.RuleConditions{RecommendedAction: domain.ActionRequireVerification},
		WindowMinutes: 60,
		RiskScore:     45,
		Severity:      domain.SeverityMedium,
		Priority:      10,
		Enabled:       true,
	}

	store := window.NewStore()
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		record(store, "actor-1", rule.Type, window.Entry{
			At:    base.Add(time.Duration(i) * time.Minute),
			Attrs: map[string]string{domain.AttrIP: ip},
		})
	}
	ev := &domain.Event{ID: "ev-3", ActorID: "actor-1", OccurredAt: base.Add(2 * time.Minute),
		Attributes: map[string]string{domain.AttrIP: "10.0.0.3"}}

	res, err := IPChurn(rule, ev, store)
	if err != nil {
		t.Fatalf("ip churn failed: %v", err)
	}
	if !res.Triggered {
		t.Error("expected trigger at 3 distinct IPs")
	}
}

func TestAutomatedBehavior(t *testing.T) {
	rule := &domain.Rule{
		ID:            "bot-1",
		Type:          domain.RuleTypeAutomatedBehavior,
		Params:        domain.RuleParams{RequestsPerMinute: 10},
		Conditions:    domain.RuleConditions{RecommendedAction: domain.ActionBlock},
		WindowMinutes: 1,
		RiskScore:     90,
		Severity:      domain.SeverityCritical,
		Priority:      1,
		Enabled:       true,
	}

	store := window.NewStore()
	for i := 0; i < 10; i++ {
		record(store, "actor-1", rule.Type, window.Entry{At: base.Add(time.Duration(i) * time.Second)})
	}
	ev := &domain.Event{ID: "ev-10", ActorID: "actor-1", OccurredAt: base.Add(9 * time.Second)}

	res, err := AutomatedBehavior(rule, ev, store)
	if err != nil {
		t.Fatalf("automated behavior failed: %v", err)
	}
	if !res.Triggered {
		t.Errorf("expected trigger at 10 events/min, metric %.1f", res.Metric)
	}
}

func TestForType(t *testing.T) {
	for _, rt := range domain.RuleTypes() {
		if ForType(rt) == nil {
			t.Errorf("no predicate registered for rule type %s", rt)
		}
	}
	if ForType(domain.RuleType("bogus")) != nil {
		t.Error("expected nil predicate for unknown rule type")
	}
}
