package repository

// Schema definitions for the Kestrel database. Compatible with both SQLite
// and PostgreSQL.

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    rule_type TEXT NOT NULL,
    parameters TEXT NOT NULL,
    conditions TEXT NOT NULL,
    window_minutes INTEGER NOT NULL,
    risk_score INTEGER NOT NULL,
    severity TEXT NOT NULL,
    priority INTEGER NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_type ON rules(rule_type);
CREATE INDEX IF NOT EXISTS idx_rules_enabled ON rules(enabled);
`

const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    actor_id TEXT NOT NULL,
    category TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    amount REAL NOT NULL DEFAULT 0,
    attributes TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_actor ON events(actor_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_category ON events(category);
`

const schemaVerdicts = `
CREATE TABLE IF NOT EXISTS verdicts (
    id TEXT PRIMARY KEY,
    actor_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    score INTEGER NOT NULL,
    severity TEXT NOT NULL,
    action TEXT NOT NULL,
    triggered_rules TEXT NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_verdicts_actor ON verdicts(actor_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_verdicts_event ON verdicts(event_id);
CREATE INDEX IF NOT EXISTS idx_verdicts_action ON verdicts(action);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRules,
		schemaEvents,
		schemaVerdicts,
	}
}
