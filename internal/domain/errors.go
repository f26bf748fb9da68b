package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput is returned for malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)

// ConfigError reports a rule that failed validation on load or update. The
// active catalog snapshot is never disturbed by a rejected rule.
type ConfigError struct {
	RuleID string `json:"rule_id"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ConfigError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("rule configuration invalid: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("rule %s configuration invalid: %s: %s", e.RuleID, e.Field, e.Reason)
}

// IsConfigError reports whether err is a rule configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
