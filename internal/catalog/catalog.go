// Package catalog holds the active set of enabled rules as an immutable
// snapshot behind an atomically-swapped pointer. Readers never lock; writers
// build and validate a complete new snapshot before publishing it, so a
// rejected rule leaves the active snapshot untouched.
package catalog

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/gigmarket-labs/kestrel/internal/domain"
)

// CompiledRule pairs a rule with its pre-compiled guard program (nil when
// the rule has no guard).
type CompiledRule struct {
	Rule  *domain.Rule
	guard cel.Program
}

// GuardAllows evaluates the rule's guard expression against the event.
// Rules without a guard always pass. A guard that errors at runtime or
// returns a non-bool fails closed (the rule is suppressed) and the error is
// reported so the evaluator can record the skip.
func (c *CompiledRule) GuardAllows(ev *domain.Event) (bool, error) {
	if c.guard == nil {
		return true, nil
	}
	out, _, err := c.guard.Eval(guardActivation(ev))
	if err != nil {
		return false, fmt.Errorf("guard for rule %s: %w", c.Rule.ID, err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("guard for rule %s returned %T, want bool", c.Rule.ID, out)
	}
	return bool(b), nil
}

func guardActivation(ev *domain.Event) map[string]any {
	attrs := ev.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return map[string]any{
		"actor_id":   ev.ActorID,
		"category":   string(ev.Category),
		"amount":     ev.Amount,
		"country":    ev.Attr(domain.AttrCountry),
		"ip":         ev.Attr(domain.AttrIP),
		"outcome":    ev.Attr(domain.AttrOutcome),
		"attributes": attrs,
	}
}

// snapshot is an immutable view of the enabled rules.
type snapshot struct {
	byType map[domain.RuleType][]*CompiledRule
	byID   map[string]*CompiledRule
	// source keeps every rule handed to the last successful Reload/Upsert,
	// including disabled ones, so incremental updates rebuild from a
	// complete picture.
	source map[string]*domain.Rule
}

// Catalog is the rule catalog. Safe for concurrent use.
type Catalog struct {
	env  *cel.Env
	snap atomic.Pointer[snapshot]

	// writeMu serializes snapshot builders; readers go through snap only.
	writeMu sync.Mutex
}

// New creates an empty catalog.
func New() (*Catalog, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor_id", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("country", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("outcome", cel.StringType),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create guard environment: %w", err)
	}

	c := &Catalog{env: env}
	c.snap.Store(emptySnapshot())
	return c, nil
}

func emptySnapshot() *snapshot {
	return &snapshot{
		byType: make(map[domain.RuleType][]*CompiledRule),
		byID:   make(map[string]*CompiledRule),
		source: make(map[string]*domain.Rule),
	}
}

// Reload atomically replaces the active snapshot with the given rules. Any
// invalid rule rejects the whole reload; the previous snapshot stays active.
func (c *Catalog) Reload(rules []*domain.Rule) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	source := make(map[string]*domain.Rule, len(rules))
	for _, r := range rules {
		source[r.ID] = r
	}
	snap, err := c.build(source)
	if err != nil {
		return err
	}
	c.snap.Store(snap)
	return nil
}

// Upsert validates one rule and publishes a new snapshot containing it. The
// active snapshot is unchanged when validation fails.
func (c *Catalog) Upsert(rule *domain.Rule) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.snap.Load()
	source := make(map[string]*domain.Rule, len(cur.source)+1)
	for id, r := range cur.source {
		source[id] = r
	}
	source[rule.ID] = rule

	snap, err := c.build(source)
	if err != nil {
		return err
	}
	c.snap.Store(snap)
	return nil
}

// Disable removes a rule from evaluation without deleting its definition.
func (c *Catalog) Disable(ruleID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.snap.Load()
	orig, ok := cur.source[ruleID]
	if !ok {
		return fmt.Errorf("%w: rule %s", domain.ErrNotFound, ruleID)
	}

	disabled := *orig
	disabled.Enabled = false

	source := make(map[string]*domain.Rule, len(cur.source))
	for id, r := range cur.source {
		source[id] = r
	}
	source[ruleID] = &disabled

	snap, err := c.build(source)
	if err != nil {
		return err
	}
	c.snap.Store(snap)
	return nil
}

// build validates every rule, compiles guards, and assembles a snapshot.
func (c *Catalog) build(source map[string]*domain.Rule) (*snapshot, error) {
	snap := emptySnapshot()
	snap.source = source

	for _, r := range source {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if !r.Enabled {
			continue
		}
		compiled := &CompiledRule{Rule: r}
		if r.Conditions.Guard != "" {
			prog, err := c.compileGuard(r)
			if err != nil {
				return nil, err
			}
			compiled.guard = prog
		}
		snap.byID[r.ID] = compiled
		snap.byType[r.Type] = append(snap.byType[r.Type], compiled)
	}

	// Ascending priority, id as the stable secondary key.
	for _, list := range snap.byType {
		sort.Slice(list, func(i, j int) bool {
			a, b := list[i].Rule, list[j].Rule
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.ID < b.ID
		})
	}
	return snap, nil
}

func (c *Catalog) compileGuard(r *domain.Rule) (cel.Program, error) {
	ast, issues := c.env.Compile(r.Conditions.Guard)
	if issues != nil && issues.Err() != nil {
		return nil, &domain.ConfigError{
			RuleID: r.ID,
			Field:  "conditions.guard",
			Reason: issues.Err().Error(),
		}
	}
	if ast.OutputType() != cel.BoolType {
		return nil, &domain.ConfigError{
			RuleID: r.ID,
			Field:  "conditions.guard",
			Reason: fmt.Sprintf("guard must return bool, got %s", ast.OutputType()),
		}
	}
	prog, err := c.env.Program(ast)
	if err != nil {
		return nil, &domain.ConfigError{
			RuleID: r.ID,
			Field:  "conditions.guard",
			Reason: err.Error(),
		}
	}
	return prog, nil
}

// RulesFor returns the enabled rules of the given type in ascending priority
// order. The returned slice is shared with the snapshot; callers must not
// modify it.
func (c *Catalog) RulesFor(t domain.RuleType) []*CompiledRule {
	return c.snap.Load().byType[t]
}

// Get returns the enabled rule with the given id.
func (c *Catalog) Get(ruleID string) (*CompiledRule, bool) {
	r, ok := c.snap.Load().byID[ruleID]
	return r, ok
}

// Definition returns the rule definition with the given id, whether or not
// it is enabled. Listing and retrieval agree through this lookup.
func (c *Catalog) Definition(ruleID string) (*domain.Rule, bool) {
	r, ok := c.snap.Load().source[ruleID]
	return r, ok
}

// Rules returns every rule in the active snapshot (including disabled
// definitions), sorted by id.
func (c *Catalog) Rules() []*domain.Rule {
	snap := c.snap.Load()
	out := make([]*domain.Rule, 0, len(snap.source))
	for _, r := range snap.source {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of enabled rules in the active snapshot.
func (c *Catalog) Len() int {
	return len(c.snap.Load().byID)
}
