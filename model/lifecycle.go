// Package model holds the shared data types for the asset lifecycle engine:
// lifecycle states, status records, pending transitions, conditions, workflows,
// alerts, domain events, and the error envelope.
package model

import "time"

// LifecycleState is one node in the fixed state enumeration for an asset.
type LifecycleState string

// Lifecycle states.
const (
	StateDraft            LifecycleState = "draft"
	StateUnderReview      LifecycleState = "under_review"
	StateApproved         LifecycleState = "approved"
	StateTokenizing       LifecycleState = "tokenizing"
	StateTokenized        LifecycleState = "tokenized"
	StateListed           LifecycleState = "listed"
	StateInEscrow         LifecycleState = "in_escrow"
	StateTransferred      LifecycleState = "transferred"
	StateUnderMaintenance LifecycleState = "under_maintenance"
	StateInsured          LifecycleState = "insured"
	StateRetired          LifecycleState = "retired"
	StateDestroyed        LifecycleState = "destroyed"
)

// StatusRecord is an immutable entry in an asset's append-only lifecycle
// history. The current state of an asset is the record with the latest
// EffectiveAt, ties broken by Seq.
type StatusRecord struct {
	ID          string         `json:"id"`
	AssetID     string         `json:"asset_id"`
	TenantID    string         `json:"tenant_id"`
	State       LifecycleState `json:"state"`
	SubState    string         `json:"sub_state,omitempty"`
	EffectiveAt time.Time      `json:"effective_at"`
	Seq         int64          `json:"seq"`
	Reason      string         `json:"reason"`
	Actor       string         `json:"actor"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ConditionType classifies how a condition is satisfied.
type ConditionType string

// Condition types.
const (
	ConditionManualApproval ConditionType = "manual_approval"
	ConditionAutomatic      ConditionType = "automatic"
	ConditionTimeBased      ConditionType = "time_based"
	ConditionContractual    ConditionType = "contractual"
	ConditionRegulatory     ConditionType = "regulatory"
)

// Condition is a prerequisite that must be satisfied before its pending
// transition commits. Conditions with Required=false are advisory: they are
// recorded for audit but never block a commit.
type Condition struct {
	ID           string         `json:"id"`
	Type         ConditionType  `json:"type"`
	Check        string         `json:"check,omitempty"`
	RequiredRole string         `json:"required_role,omitempty"`
	Deadline     *time.Time     `json:"deadline,omitempty"`
	Required     bool           `json:"required"`
	Satisfied    bool           `json:"satisfied"`
	SatisfiedAt  *time.Time     `json:"satisfied_at,omitempty"`
	SatisfiedBy  string         `json:"satisfied_by,omitempty"`
	Evidence     string         `json:"evidence,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// TransitionStatus is the status of a PendingTransition.
type TransitionStatus string

// Pending transition statuses.
const (
	TransitionAwaitingConditions TransitionStatus = "awaiting_conditions"
	TransitionCommitted          TransitionStatus = "committed"
	TransitionRejected           TransitionStatus = "rejected"
	TransitionExpiredStatus      TransitionStatus = "expired"
)

// PendingTransition is a requested state move gated on conditions. At most one
// PendingTransition per asset may be awaiting_conditions at a time.
type PendingTransition struct {
	ID          string           `json:"id"`
	AssetID     string           `json:"asset_id"`
	TenantID    string           `json:"tenant_id"`
	From        LifecycleState   `json:"from"`
	To          LifecycleState   `json:"to"`
	RequestedAt time.Time        `json:"requested_at"`
	InitiatedBy string           `json:"initiated_by"`
	Reason      string           `json:"reason"`
	Conditions  []Condition      `json:"conditions"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	Status      TransitionStatus `json:"status"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	Version     int              `json:"version"`
}

// Condition returns the condition with the given ID, or nil.
func (pt *PendingTransition) Condition(conditionID string) *Condition {
	for i := range pt.Conditions {
		if pt.Conditions[i].ID == conditionID {
			return &pt.Conditions[i]
		}
	}
	return nil
}

// RequiredSatisfied reports whether every required condition is satisfied.
func (pt *PendingTransition) RequiredSatisfied() bool {
	for i := range pt.Conditions {
		if pt.Conditions[i].Required && !pt.Conditions[i].Satisfied {
			return false
		}
	}
	return true
}

// TransitionResult is the outcome of a transition request: either the
// transition committed immediately and Record is set, or it is awaiting
// conditions and Pending is set.
type TransitionResult struct {
	Committed bool               `json:"committed"`
	Record    *StatusRecord      `json:"record,omitempty"`
	Pending   *PendingTransition `json:"pending,omitempty"`
}
