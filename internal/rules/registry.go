package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/pulse/internal/approval"
	"github.com/rendis/pulse/internal/logging"
	"github.com/rendis/pulse/internal/signals"
	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/internal/telemetry"
	"github.com/rendis/pulse/pkg/schema"
)

// FireStore is the cooldown bookkeeping the registry needs.
type FireStore interface {
	GetLastFired(ctx context.Context, ruleID, entityID string) (*time.Time, error)
	ClaimRuleFire(ctx context.Context, ruleID, entityID string, now time.Time, cooldown time.Duration) (bool, error)
	ReleaseRuleFire(ctx context.Context, ruleID, entityID string, firedAt time.Time, previous *time.Time) (bool, error)
}

// RuleSource lists stored rules.
type RuleSource interface {
	ListRules(ctx context.Context, filter store.RuleFilter) ([]*store.RuleRecord, error)
}

// Config holds registry dependencies. Fires is required; the rest are optional.
type Config struct {
	Fires   FireStore
	Oracle  approval.Oracle
	Deriver *signals.Deriver
	Tracer  trace.Tracer
	Logger  *slog.Logger
	Now     func() time.Time
}

// Registry holds rules by entity type and evaluates them against signal
// snapshots.
type Registry struct {
	mu     sync.RWMutex
	rules  map[string]map[string]*Rule // entity type -> rule ID -> rule
	fires  FireStore
	oracle approval.Oracle
	derive *signals.Deriver
	tracer trace.Tracer
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		rules:  make(map[string]map[string]*Rule),
		fires:  cfg.Fires,
		oracle: cfg.Oracle,
		derive: cfg.Deriver,
		tracer: telemetry.TracerOrNoop(cfg.Tracer),
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

// Register validates and adds a rule, replacing any rule with the same ID.
func (r *Registry) Register(rule *Rule) error {
	if err := Validate(rule); err != nil {
		return err
	}
	if len(rule.Derived) > 0 {
		if r.derive == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "rule %q declares derived signals but no deriver is configured", rule.ID)
		}
		if err := r.derive.Check(rule.Derived); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "rule %q: %s", rule.ID, err.Error()).WithCause(err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(rule.ID)
	byID, ok := r.rules[rule.EntityType]
	if !ok {
		byID = make(map[string]*Rule)
		r.rules[rule.EntityType] = byID
	}
	cp := *rule
	cp.LastFiredAt = nil
	byID[rule.ID] = &cp
	return nil
}

// Remove drops a rule. It reports whether the rule was present.
func (r *Registry) Remove(ruleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(ruleID)
}

func (r *Registry) removeLocked(ruleID string) bool {
	for entityType, byID := range r.rules {
		if _, ok := byID[ruleID]; ok {
			delete(byID, ruleID)
			if len(byID) == 0 {
				delete(r.rules, entityType)
			}
			return true
		}
	}
	return false
}

// Rules returns the rules registered for an entity type, ordered by ID.
func (r *Registry) Rules(entityType string) []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID := r.rules[entityType]
	out := make([]*Rule, 0, len(byID))
	for _, rule := range byID {
		cp := *rule
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EntityTypes lists the entity types that have at least one rule.
func (r *Registry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rules))
	for et := range r.rules {
		out = append(out, et)
	}
	sort.Strings(out)
	return out
}

// Load registers every stored rule. Rules that fail to parse are skipped and
// reported together; valid ones are still registered.
func (r *Registry) Load(ctx context.Context, src RuleSource) (int, error) {
	records, err := src.ListRules(ctx, store.RuleFilter{})
	if err != nil {
		return 0, fmt.Errorf("list rules: %w", err)
	}

	var errs []error
	loaded := 0
	for _, rec := range records {
		rule, err := FromRecord(rec)
		if err == nil {
			err = r.Register(rule)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	r.logger.Info("rules loaded", slog.Int("count", loaded), slog.Int("rejected", len(errs)))
	return loaded, errors.Join(errs...)
}

// Evaluation is one signal change for one entity.
type Evaluation struct {
	EntityType string
	EntityID   string
	Signals    signals.Map
	Previous   signals.Map // nil when there is no earlier snapshot
	Now        time.Time   // zero means the registry clock
}

// Outcome is the decision for one rule. Signals is the snapshot the
// conditions saw, including derived signals. A fired outcome holds the
// cooldown claim for its entity until ReleaseFire gives it back.
type Outcome struct {
	Rule     *Rule
	Decision FireDecision
	Signals  signals.Map
	At       time.Time
	Err      error

	entityID  string
	claimed   bool
	priorFire *time.Time
}

// Fired reports whether the outcome is a fire.
func (o Outcome) Fired() bool {
	return o.Decision.Decision == DecisionFire
}

// Evaluate decides every enabled rule of the entity type. Fires are claimed
// atomically in the store, so a concurrent evaluation of the same entity can
// fire a rule at most once per cooldown window.
func (r *Registry) Evaluate(ctx context.Context, ev Evaluation) ([]Outcome, error) {
	if ev.EntityType == "" || ev.EntityID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "evaluation needs entity_type and entity_id")
	}
	if r.fires == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "rule registry has no fire store")
	}
	now := ev.Now
	if now.IsZero() {
		now = r.now()
	}
	now = now.UTC()

	ctx, span := telemetry.StartSpan(ctx, r.tracer, "rules.evaluate",
		attribute.String(telemetry.EntityTypeKey, ev.EntityType),
		attribute.String(telemetry.EntityIDKey, ev.EntityID),
	)
	defer span.End()

	var outcomes []Outcome
	fired := 0
	for _, rule := range r.Rules(ev.EntityType) {
		if !rule.Enabled {
			continue
		}
		out := r.evaluateRule(logging.WithRuleID(ctx, rule.ID), rule, ev, now)
		if out.Fired() {
			fired++
		}
		outcomes = append(outcomes, out)
	}

	span.SetAttributes(attribute.Int("pulse.rules.evaluated", len(outcomes)), attribute.Int("pulse.rules.fired", fired))
	return outcomes, nil
}

func (r *Registry) evaluateRule(ctx context.Context, rule *Rule, ev Evaluation, now time.Time) Outcome {
	log := logging.LogWith(ctx, r.logger)

	sig := ev.Signals
	if r.derive != nil && len(rule.Derived) > 0 {
		sig = r.derive.Apply(ctx, sig, ev.Previous, rule.Derived)
	}
	out := Outcome{Rule: rule, Signals: sig, At: now}

	last, err := r.fires.GetLastFired(ctx, rule.ID, ev.EntityID)
	if err != nil {
		log.Error("cooldown lookup failed", slog.String("entity_id", ev.EntityID), slog.String("error", err.Error()))
		out.Decision = FireDecision{Decision: DecisionSuppressed, Reason: ReasonStoreError}
		out.Err = err
		return out
	}
	rule.LastFiredAt = last

	decision := ShouldFire(rule, sig, now, ev.Previous, nil)
	if decision.Decision == DecisionFire && rule.RequiresApproval && r.oracle != nil {
		approved, err := r.oracle.Approve(ctx, approvalRequest(rule, ev, sig))
		if err != nil {
			// Treated as no answer, which counts as approved.
			log.Warn("approval oracle failed", slog.String("entity_id", ev.EntityID), slog.String("error", err.Error()))
		} else {
			decision = ShouldFire(rule, sig, now, ev.Previous, &approved)
		}
	}

	if decision.Decision == DecisionFire {
		won, err := r.fires.ClaimRuleFire(ctx, rule.ID, ev.EntityID, now, rule.Cooldown)
		switch {
		case err != nil:
			log.Error("fire claim failed", slog.String("entity_id", ev.EntityID), slog.String("error", err.Error()))
			decision = FireDecision{Decision: DecisionSuppressed, Reason: ReasonStoreError}
			out.Err = err
		case !won:
			decision = FireDecision{Decision: DecisionSuppressed, Reason: ReasonCooldown}
		default:
			rule.LastFiredAt = &now
			out.entityID, out.claimed, out.priorFire = ev.EntityID, true, last
		}
	}

	out.Decision = decision
	log.Debug("rule evaluated",
		slog.String("entity_id", ev.EntityID),
		slog.String("decision", decision.String()),
	)
	return out
}

// ReleaseFire hands back the cooldown claim of a fired outcome whose side
// effect failed, restoring the entity's previous fire time. A later fire
// that already replaced the claim is left alone. Outcomes without a claim
// are a no-op.
func (r *Registry) ReleaseFire(ctx context.Context, out Outcome) error {
	if !out.claimed || out.Rule == nil {
		return nil
	}
	restored, err := r.fires.ReleaseRuleFire(ctx, out.Rule.ID, out.entityID, out.At, out.priorFire)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "release fire of rule %s: %s", out.Rule.ID, err.Error()).WithCause(err)
	}
	logging.LogWith(logging.WithRuleID(ctx, out.Rule.ID), r.logger).Info("rule fire released",
		slog.String("entity_id", out.entityID), slog.Bool("restored", restored))
	return nil
}

func approvalRequest(rule *Rule, ev Evaluation, sig signals.Map) map[string]any {
	return map[string]any{
		"rule_id":     rule.ID,
		"rule_name":   rule.Name,
		"entity_type": ev.EntityType,
		"entity_id":   ev.EntityID,
		"signals":     map[string]any(sig),
	}
}
