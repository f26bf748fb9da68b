// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gigmarket-labs/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql. Works with
// both the SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRule upserts a rule definition.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}

	params, _ := json.Marshal(rule.Params)
	conditions, _ := json.Marshal(rule.Conditions)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rules (
			id, name, rule_type, parameters, conditions,
			window_minutes, risk_score, severity, priority, enabled,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			rule_type = excluded.rule_type,
			parameters = excluded.parameters,
			conditions = excluded.conditions,
			window_minutes = excluded.window_minutes,
			risk_score = excluded.risk_score,
			severity = excluded.severity,
			priority = excluded.priority,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, string(rule.Type),
		string(params), string(conditions),
		rule.WindowMinutes, rule.RiskScore,
		string(rule.Severity), rule.Priority, enabled,
		now, now,
	)
	return err
}

// GetRule retrieves a rule by ID, including disabled rules.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.Rule, error) {
	query := `
		SELECT id, name, rule_type, parameters, conditions,
			   window_minutes, risk_score, severity, priority, enabled,
			   created_at, updated_at
		FROM rules
		WHERE id = ?
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rule, err
}

// ListRules retrieves every rule definition, enabled or not, ordered by id.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	query := `
		SELECT id, name, rule_type, parameters, conditions,
			   window_minutes, risk_score, severity, priority, enabled,
			   created_at, updated_at
		FROM rules
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// DisableRule marks a rule disabled without deleting its definition.
func (r *SQLRepository) DisableRule(ctx context.Context, ruleID string) error {
	query := `UPDATE rules SET enabled = 0, updated_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), ruleID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.Rule, error) {
	var rule domain.Rule
	var ruleType, severity, params, conditions string
	var enabled int

	err := row.Scan(
		&rule.ID, &rule.Name, &ruleType, &params, &conditions,
		&rule.WindowMinutes, &rule.RiskScore, &severity,
		&rule.Priority, &enabled,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Type = domain.RuleType(ruleType)
	rule.Severity = domain.Severity(severity)
	rule.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(params), &rule.Params); err != nil {
		return nil, fmt.Errorf("failed to parse parameters for rule %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to parse conditions for rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}

// SaveEvent appends an event to the audit log.
func (r *SQLRepository) SaveEvent(ctx context.Context, ev *domain.Event) error {
	if ev.ID == "" || ev.ActorID == "" {
		return fmt.Errorf("%w: event id and actor_id are required", domain.ErrInvalidInput)
	}

	attrs, _ := json.Marshal(ev.Attributes)

	query := `
		INSERT INTO events (id, actor_id, category, occurred_at, amount, attributes)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, ev.ActorID, string(ev.Category),
		ev.OccurredAt, ev.Amount, string(attrs),
	)
	return err
}

// GetEvent retrieves an event by ID.
func (r *SQLRepository) GetEvent(ctx context.Context, eventID string) (*domain.Event, error) {
	query := `
		SELECT id, actor_id, category, occurred_at, amount, attributes
		FROM events
		WHERE id = ?
	`

	var ev domain.Event
	var category, attrs string

	err := r.db.QueryRowContext(ctx, r.rebind(query), eventID).Scan(
		&ev.ID, &ev.ActorID, &category, &ev.OccurredAt, &ev.Amount, &attrs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ev.Category = domain.EventCategory(category)
	if attrs != "" {
		json.Unmarshal([]byte(attrs), &ev.Attributes)
	}
	return &ev, nil
}

// GetEventsByActor retrieves an actor's events since the given time, newest
// first.
func (r *SQLRepository) GetEventsByActor(ctx context.Context, actorID string, since time.Time) ([]*domain.Event, error) {
	query := `
		SELECT id, actor_id, category, occurred_at, amount, attributes
		FROM events
		WHERE actor_id = ? AND occurred_at >= ?
		ORDER BY occurred_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), actorID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var ev domain.Event
		var category, attrs string
		if err := rows.Scan(&ev.ID, &ev.ActorID, &category, &ev.OccurredAt, &ev.Amount, &attrs); err != nil {
			return nil, err
		}
		ev.Category = domain.EventCategory(category)
		if attrs != "" {
			json.Unmarshal([]byte(attrs), &ev.Attributes)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// SaveVerdict stores a verdict with its full triggered-rule audit trail.
func (r *SQLRepository) SaveVerdict(ctx context.Context, v *domain.Verdict) error {
	if v.ID == "" {
		return fmt.Errorf("%w: verdict id is required", domain.ErrInvalidInput)
	}

	triggered, _ := json.Marshal(v.Triggered)
	metadata, _ := json.Marshal(v.Metadata)

	query := `
		INSERT INTO verdicts (
			id, actor_id, event_id, occurred_at, score, severity, action,
			triggered_rules, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		v.ID, v.ActorID, v.EventID, v.OccurredAt,
		v.Score, string(v.Severity), string(v.Action),
		string(triggered), string(metadata),
	)
	return err
}

// GetVerdict retrieves a verdict by ID.
func (r *SQLRepository) GetVerdict(ctx context.Context, verdictID string) (*domain.Verdict, error) {
	query := `
		SELECT id, actor_id, event_id, occurred_at, score, severity, action,
			   triggered_rules, metadata
		FROM verdicts
		WHERE id = ?
	`

	var v domain.Verdict
	var severity, action, triggered, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), verdictID).Scan(
		&v.ID, &v.ActorID, &v.EventID, &v.OccurredAt,
		&v.Score, &severity, &action, &triggered, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	v.Severity = domain.Severity(severity)
	v.Action = domain.Action(action)
	json.Unmarshal([]byte(triggered), &v.Triggered)
	json.Unmarshal([]byte(metadata), &v.Metadata)
	return &v, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, strconv.Itoa(n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
