// Package condition materializes and evaluates the conditions gating a
// pending lifecycle transition. The rule table maps a (from, to) pair to the
// conditions it requires; satisfaction is reported per condition type:
// automatic conditions run synchronously through registered check functions,
// time_based conditions satisfy once their deadline passes, and
// manual_approval, contractual, and regulatory conditions stay unsatisfied
// until an explicit fulfill call.
package condition

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tangible-labs/assetcycle/model"
)

// CheckFunc is a synchronous verdict for an automatic condition. The metadata
// is the transition request metadata; a false verdict with nil error means the
// condition is simply not yet satisfied.
type CheckFunc func(ctx context.Context, assetID string, metadata map[string]any) (bool, error)

// edge keys the rule table.
type edge struct {
	from model.LifecycleState
	to   model.LifecycleState
}

// Rule describes one condition a transition pair requires. Window, when set,
// produces a deadline of materialization time plus Window. time_based rules
// MUST carry a Window: a time_based condition with no explicit deadline is a
// configuration error, not a default.
type Rule struct {
	Type         model.ConditionType
	Check        string
	RequiredRole string
	Required     bool
	Window       time.Duration
}

// Evaluator materializes conditions from the rule table and evaluates them.
type Evaluator struct {
	rules  map[edge][]Rule
	checks map[string]CheckFunc
	now    func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the evaluator's clock. For tests.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithoutDefaultRules starts from an empty rule table; use SetRules to
// populate it.
func WithoutDefaultRules() Option {
	return func(e *Evaluator) { e.rules = make(map[edge][]Rule) }
}

// NewEvaluator creates an Evaluator with the default rule table and the
// built-in automatic checks registered.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		rules:  defaultRules(),
		checks: make(map[string]CheckFunc),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.RegisterCheck("completeness_check", checkCompleteness)
	e.RegisterCheck("chain_confirmation", checkChainConfirmation)
	return e
}

// SetRules replaces the rules for one transition pair. Not safe for
// concurrent use with Materialize; configure at startup.
func (e *Evaluator) SetRules(from, to model.LifecycleState, rules ...Rule) {
	e.rules[edge{from: from, to: to}] = rules
}

// RegisterCheck registers or replaces the check function for an automatic
// condition. Not safe for concurrent use with Evaluate; register at startup.
func (e *Evaluator) RegisterCheck(name string, fn CheckFunc) {
	e.checks[name] = fn
}

// Materialize returns the conditions required for the transition pair, with
// fresh IDs and deadlines anchored at now. An empty slice means the move is
// ungated. Returns a validation error for a time_based rule without a window.
func (e *Evaluator) Materialize(from, to model.LifecycleState) ([]model.Condition, error) {
	rules := e.rules[edge{from: from, to: to}]
	if len(rules) == 0 {
		return nil, nil
	}

	now := e.now().UTC()
	conditions := make([]model.Condition, 0, len(rules))
	for _, rule := range rules {
		if rule.Type == model.ConditionTimeBased && rule.Window <= 0 {
			return nil, model.NewValidationError([]model.FieldError{{
				Field:   "deadline",
				Code:    "required",
				Message: fmt.Sprintf("time_based condition for %s -> %s has no deadline window", from, to),
			}})
		}

		cond := model.Condition{
			ID:           uuid.New().String(),
			Type:         rule.Type,
			Check:        rule.Check,
			RequiredRole: rule.RequiredRole,
			Required:     rule.Required,
		}
		if rule.Window > 0 {
			deadline := now.Add(rule.Window)
			cond.Deadline = &deadline
		}
		conditions = append(conditions, cond)
	}
	return conditions, nil
}

// Evaluate reports whether the condition is satisfied at now. It never mutates
// the condition; callers record satisfaction themselves. Manual, contractual,
// and regulatory conditions only satisfy through fulfillment, so Evaluate
// returns their recorded flag unchanged.
func (e *Evaluator) Evaluate(ctx context.Context, cond *model.Condition, assetID string, metadata map[string]any) (bool, error) {
	if cond.Satisfied {
		return true, nil
	}

	switch cond.Type {
	case model.ConditionAutomatic:
		check, ok := e.checks[cond.Check]
		if !ok {
			return false, fmt.Errorf("condition: no check registered for %q", cond.Check)
		}
		return check(ctx, assetID, metadata)
	case model.ConditionTimeBased:
		// Deadline presence is enforced at materialization.
		return cond.Deadline != nil && !e.now().UTC().Before(*cond.Deadline), nil
	default:
		return false, nil
	}
}

// Expired reports whether the condition's deadline has passed unsatisfied.
// time_based conditions never expire: their deadline is the satisfaction
// point, not a cutoff.
func (e *Evaluator) Expired(cond *model.Condition) bool {
	if cond.Satisfied || cond.Deadline == nil || cond.Type == model.ConditionTimeBased {
		return false
	}
	return e.now().UTC().After(*cond.Deadline)
}

// defaultRules is the condition table for the built-in lifecycle graph.
// Transitions absent from the table need no gating.
func defaultRules() map[edge][]Rule {
	return map[edge][]Rule{
		{model.StateDraft, model.StateUnderReview}: {
			{Type: model.ConditionAutomatic, Check: "completeness_check", Required: true},
		},
		{model.StateUnderReview, model.StateApproved}: {
			{Type: model.ConditionManualApproval, RequiredRole: "compliance_officer", Required: true, Window: 14 * 24 * time.Hour},
		},
		{model.StateApproved, model.StateTokenizing}: {
			{Type: model.ConditionContractual, Check: "tokenization_agreement", Required: true, Window: 30 * 24 * time.Hour},
			{Type: model.ConditionRegulatory, Check: "securities_clearance", Required: true, Window: 30 * 24 * time.Hour},
		},
		{model.StateTokenizing, model.StateTokenized}: {
			{Type: model.ConditionAutomatic, Check: "chain_confirmation", Required: true},
		},
		{model.StateTokenized, model.StateListed}: {
			{Type: model.ConditionManualApproval, RequiredRole: "listing_agent", Required: true, Window: 7 * 24 * time.Hour},
		},
		{model.StateListed, model.StateInEscrow}: {
			{Type: model.ConditionContractual, Check: "escrow_agreement", Required: true, Window: 14 * 24 * time.Hour},
		},
		{model.StateInEscrow, model.StateTransferred}: {
			{Type: model.ConditionManualApproval, RequiredRole: "escrow_agent", Required: true, Window: 30 * 24 * time.Hour},
			{Type: model.ConditionRegulatory, Check: "transfer_clearance", Required: true, Window: 30 * 24 * time.Hour},
			{Type: model.ConditionTimeBased, Check: "cooling_off", Required: false, Window: 72 * time.Hour},
		},
		{model.StateTokenized, model.StateInsured}: {
			{Type: model.ConditionContractual, Check: "insurance_policy", Required: true, Window: 14 * 24 * time.Hour},
		},
		{model.StateTransferred, model.StateInsured}: {
			{Type: model.ConditionContractual, Check: "insurance_policy", Required: true, Window: 14 * 24 * time.Hour},
		},
		{model.StateUnderMaintenance, model.StateDestroyed}: {
			{Type: model.ConditionManualApproval, RequiredRole: "asset_manager", Required: true, Window: 14 * 24 * time.Hour},
			{Type: model.ConditionRegulatory, Check: "disposal_clearance", Required: true, Window: 14 * 24 * time.Hour},
		},
		{model.StateInsured, model.StateDestroyed}: {
			{Type: model.ConditionManualApproval, RequiredRole: "asset_manager", Required: true, Window: 14 * 24 * time.Hour},
			{Type: model.ConditionRegulatory, Check: "disposal_clearance", Required: true, Window: 14 * 24 * time.Hour},
		},
	}
}

// checkCompleteness verifies that the transition metadata declares the asset
// dossier complete.
func checkCompleteness(_ context.Context, _ string, metadata map[string]any) (bool, error) {
	complete, _ := metadata["dossier_complete"].(bool)
	return complete, nil
}

// checkChainConfirmation verifies that the transition metadata carries a
// confirmed on-chain transaction reference.
func checkChainConfirmation(_ context.Context, _ string, metadata map[string]any) (bool, error) {
	txHash, _ := metadata["tx_hash"].(string)
	confirmed, _ := metadata["tx_confirmed"].(bool)
	return txHash != "" && confirmed, nil
}
