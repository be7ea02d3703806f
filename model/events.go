package model

import "time"

// Event names.
const (
	EventStateChanged       = "state:changed"
	EventTransitionPending  = "transition:pending"
	EventTransitionExpired  = "transition:expired"
	EventConditionFulfilled = "condition:fulfilled"
	EventWorkflowCreated    = "workflow:created"
	EventWorkflowAdvanced   = "workflow:advanced"
	EventWorkflowCompleted  = "workflow:completed"
	EventWorkflowFailed     = "workflow:failed"
	EventWorkflowCancelled  = "workflow:cancelled"
	EventStepCompleted      = "workflow:step:completed"
	EventStepFailed         = "workflow:step:failed"
	EventStepOverdue        = "workflow:step:overdue"
)

// Event is a typed domain event emitted by the state machine and the workflow
// engine, consumed by the registry, notification service, and aggregator.
type Event interface {
	EventName() string
}

// StateChanged is emitted when a StatusRecord is committed for an asset.
// TransitionID is set when the record resolves a transition request; it is
// empty for initialization records.
type StateChanged struct {
	AssetID      string         `json:"asset_id"`
	From         LifecycleState `json:"from"`
	To           LifecycleState `json:"to"`
	TransitionID string         `json:"transition_id,omitempty"`
	Record       StatusRecord   `json:"record"`
}

func (StateChanged) EventName() string { return EventStateChanged }

// TransitionPending is emitted when a transition request parks in
// awaiting_conditions instead of committing immediately.
type TransitionPending struct {
	AssetID    string            `json:"asset_id"`
	Transition PendingTransition `json:"transition"`
}

func (TransitionPending) EventName() string { return EventTransitionPending }

// ConditionFulfilled is emitted when an actor satisfies a condition through
// the fulfillment endpoint. Automatic and time_based satisfactions do not
// emit it.
type ConditionFulfilled struct {
	AssetID      string    `json:"asset_id"`
	TransitionID string    `json:"transition_id"`
	Condition    Condition `json:"condition"`
}

func (ConditionFulfilled) EventName() string { return EventConditionFulfilled }

// TransitionExpired is emitted when a pending transition's deadline passes
// with required conditions unsatisfied. The asset state is unchanged.
type TransitionExpired struct {
	AssetID    string            `json:"asset_id"`
	Transition PendingTransition `json:"transition"`
}

func (TransitionExpired) EventName() string { return EventTransitionExpired }

// WorkflowCreated is emitted when a workflow passes DAG validation and is
// persisted.
type WorkflowCreated struct {
	WorkflowID string `json:"workflow_id"`
	AssetID    string `json:"asset_id"`
	Type       string `json:"type"`
}

func (WorkflowCreated) EventName() string { return EventWorkflowCreated }

// WorkflowAdvanced is emitted after a step completes and the frontier is
// recomputed.
type WorkflowAdvanced struct {
	WorkflowID string   `json:"workflow_id"`
	AssetID    string   `json:"asset_id"`
	StepID     string   `json:"step_id"`
	Unblocked  []string `json:"unblocked,omitempty"`
}

func (WorkflowAdvanced) EventName() string { return EventWorkflowAdvanced }

// WorkflowCompleted is emitted when every step is completed or skipped.
type WorkflowCompleted struct {
	WorkflowID string `json:"workflow_id"`
	AssetID    string `json:"asset_id"`
	Type       string `json:"type"`
}

func (WorkflowCompleted) EventName() string { return EventWorkflowCompleted }

// WorkflowFailed is emitted when a required action fails and halts the
// workflow.
type WorkflowFailed struct {
	WorkflowID string `json:"workflow_id"`
	AssetID    string `json:"asset_id"`
	Type       string `json:"type"`
	StepID     string `json:"step_id"`
	Reason     string `json:"reason"`
}

func (WorkflowFailed) EventName() string { return EventWorkflowFailed }

// WorkflowCancelled is emitted when an active workflow is cancelled.
type WorkflowCancelled struct {
	WorkflowID string `json:"workflow_id"`
	AssetID    string `json:"asset_id"`
	Type       string `json:"type"`
	Reason     string `json:"reason"`
}

func (WorkflowCancelled) EventName() string { return EventWorkflowCancelled }

// StepCompleted is emitted when a workflow step completes.
type StepCompleted struct {
	WorkflowID string       `json:"workflow_id"`
	AssetID    string       `json:"asset_id"`
	Type       string       `json:"type"`
	Step       WorkflowStep `json:"step"`
}

func (StepCompleted) EventName() string { return EventStepCompleted }

// StepFailed is emitted when a required action fails on a step.
type StepFailed struct {
	WorkflowID string       `json:"workflow_id"`
	AssetID    string       `json:"asset_id"`
	Type       string       `json:"type"`
	Step       WorkflowStep `json:"step"`
	Reason     string       `json:"reason"`
}

func (StepFailed) EventName() string { return EventStepFailed }

// StepOverdue is emitted by the deadline sweep for in-progress or pending
// steps past their deadline.
type StepOverdue struct {
	WorkflowID string    `json:"workflow_id"`
	AssetID    string    `json:"asset_id"`
	Type       string    `json:"type"`
	StepID     string    `json:"step_id"`
	Deadline   time.Time `json:"deadline"`
}

func (StepOverdue) EventName() string { return EventStepOverdue }
