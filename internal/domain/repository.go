package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence. The window store
// never reads through it during evaluation; it exists for rule storage and
// event/verdict audit.
type Repository interface {
	// Rule configuration operations
	SaveRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, ruleID string) (*Rule, error)
	ListRules(ctx context.Context) ([]*Rule, error)
	DisableRule(ctx context.Context, ruleID string) error

	// Event operations
	SaveEvent(ctx context.Context, ev *Event) error
	GetEvent(ctx context.Context, eventID string) (*Event, error)
	GetEventsByActor(ctx context.Context, actorID string, since time.Time) ([]*Event, error)

	// Verdict operations
	SaveVerdict(ctx context.Context, v *Verdict) error
	GetVerdict(ctx context.Context, verdictID string) (*Verdict, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
