package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gigmarket-labs/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testRule(id string) *domain.Rule {
	return &domain.Rule{
		ID:   id,
		Name: "Rule " + id,
		Type: domain.RuleTypeVelocity,
		Params: domain.RuleParams{
			MaxAttempts: 3,
		},
		Conditions: domain.RuleConditions{
			RecommendedAction: domain.ActionRateLimit,
		},
		WindowMinutes: 60,
		RiskScore:     40,
		Severity:      domain.SeverityMedium,
		Priority:      10,
		Enabled:       true,
	}
}

func TestRuleRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rule := testRule("r-1")
	rule.Conditions.Guard = `amount > 50.0`

	if err := repo.SaveRule(ctx, rule); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	got, err := repo.GetRule(ctx, "r-1")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}

	if got.Name != rule.Name || got.Type != rule.Type {
		t.Errorf("got (%s, %s), want (%s, %s)", got.Name, got.Type, rule.Name, rule.Type)
	}
	if got.Params.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", got.Params.MaxAttempts)
	}
	if got.Conditions.Guard != rule.Conditions.Guard {
		t.Errorf("guard = %q, want %q", got.Conditions.Guard, rule.Conditions.Guard)
	}
	if !got.Enabled {
		t.Error("expected rule to be enabled")
	}
}

func TestSaveRuleUpserts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rule := testRule("r-1")
	if err := repo.SaveRule(ctx, rule); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	rule.RiskScore = 75
	rule.Severity = domain.SeverityHigh
	if err := repo.SaveRule(ctx, rule); err != nil {
		t.Fatalf("SaveRule update failed: %v", err)
	}

	got, err := repo.GetRule(ctx, "r-1")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if got.RiskScore != 75 || got.Severity != domain.SeverityHigh {
		t.Errorf("got (%d, %s), want (75, high)", got.RiskScore, got.Severity)
	}

	rules, err := repo.ListRules(ctx)
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if len(rules) != 1 {
		t.Errorf("expected 1 rule after upsert, got %d", len(rules))
	}
}

func TestDisableRule(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SaveRule(ctx, testRule("r-1")); err != nil {
		t.Fatalf("SaveRule failed: %v", err)
	}

	if err := repo.DisableRule(ctx, "r-1"); err != nil {
		t.Fatalf("DisableRule failed: %v", err)
	}

	got, err := repo.GetRule(ctx, "r-1")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if got.Enabled {
		t.Error("expected rule to be disabled")
	}

	if err := repo.DisableRule(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetRuleNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetRule(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEventRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	ev := &domain.Event{
		ID:         "ev-1",
		ActorID:    "actor-1",
		Category:   domain.CategoryPayment,
		OccurredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Amount:     199.99,
		Attributes: map[string]string{
			domain.AttrAmount:  "199.99",
			domain.AttrCountry: "US",
		},
	}

	if err := repo.SaveEvent(ctx, ev); err != nil {
		t.Fatalf("SaveEvent failed: %v", err)
	}

	got, err := repo.GetEvent(ctx, "ev-1")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if got.ActorID != "actor-1" || got.Category != domain.CategoryPayment {
		t.Errorf("got (%s, %s), want (actor-1, payment)", got.ActorID, got.Category)
	}
	if got.Amount != 199.99 {
		t.Errorf("amount = %v, want 199.99", got.Amount)
	}
	if got.Attributes[domain.AttrCountry] != "US" {
		t.Errorf("country attribute = %q, want US", got.Attributes[domain.AttrCountry])
	}
}

func TestGetEventsByActor(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ev := &domain.Event{
			ID:         "ev-" + string(rune('a'+i)),
			ActorID:    "actor-1",
			Category:   domain.CategoryLogin,
			OccurredAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := repo.SaveEvent(ctx, ev); err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}
	}
	other := &domain.Event{ID: "ev-x", ActorID: "actor-2", Category: domain.CategoryLogin, OccurredAt: base}
	if err := repo.SaveEvent(ctx, other); err != nil {
		t.Fatalf("SaveEvent failed: %v", err)
	}

	events, err := repo.GetEventsByActor(ctx, "actor-1", base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("GetEventsByActor failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events since cutoff, got %d", len(events))
	}
	// Newest first.
	if events[0].OccurredAt.Before(events[1].OccurredAt) {
		t.Error("expected events ordered newest first")
	}
}

func TestVerdictRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	v := &domain.Verdict{
		ID:         "verd-1",
		ActorID:    "actor-1",
		EventID:    "ev-1",
		OccurredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Score:      70,
		Severity:   domain.SeverityHigh,
		Action:     domain.ActionManualReview,
		Triggered: []domain.TriggeredRule{
			{RuleID: "r-1", RuleName: "Rule 1", Type: domain.RuleTypeVelocity,
				Metric: 5, RiskScore: 40, Severity: domain.SeverityMedium,
				Priority: 10, Action: domain.ActionRateLimit, Reason: "5 events in 60m"},
			{RuleID: "r-2", RuleName: "Rule 2", Type: domain.RuleTypeAnomaly,
				Metric: 8.2, RiskScore: 30, Severity: domain.SeverityHigh,
				Priority: 5, Action: domain.ActionManualReview, Reason: "amount spike"},
		},
		Metadata: domain.VerdictMetadata{
			RulesEvaluated: 4,
			RulesSkipped:   1,
			ProcessMs:      3,
			EngineVersion:  "kestrel-1.0",
		},
	}

	if err := repo.SaveVerdict(ctx, v); err != nil {
		t.Fatalf("SaveVerdict failed: %v", err)
	}

	got, err := repo.GetVerdict(ctx, "verd-1")
	if err != nil {
		t.Fatalf("GetVerdict failed: %v", err)
	}
	if got.Score != 70 || got.Severity != domain.SeverityHigh || got.Action != domain.ActionManualReview {
		t.Errorf("got (%d, %s, %s), want (70, high, manual_review)", got.Score, got.Severity, got.Action)
	}
	if len(got.Triggered) != 2 {
		t.Fatalf("expected 2 triggered rules, got %d", len(got.Triggered))
	}
	if got.Triggered[0].RuleID != "r-1" || got.Triggered[1].Metric != 8.2 {
		t.Errorf("triggered rules did not round-trip: %+v", got.Triggered)
	}
	if got.Metadata.RulesEvaluated != 4 {
		t.Errorf("rules evaluated = %d, want 4", got.Metadata.RulesEvaluated)
	}

	_, err = repo.GetVerdict(ctx, "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	got := pg.rebind("SELECT * FROM rules WHERE id = ? AND enabled = ?")
	want := "SELECT * FROM rules WHERE id = $1 AND enabled = $2"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	lite := &SQLRepository{driver: "sqlite"}
	query := "SELECT * FROM rules WHERE id = ?"
	if lite.rebind(query) != query {
		t.Error("sqlite queries must pass through unchanged")
	}
}
