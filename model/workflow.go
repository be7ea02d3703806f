package model

import "time"

// Workflow status constants.
const (
	WorkflowStatusActive    = "active"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusCancelled = "cancelled"
	WorkflowStatusFailed    = "failed"
)

// Workflow step status constants.
const (
	StepStatusPending    = "pending"
	StepStatusInProgress = "in_progress"
	StepStatusCompleted  = "completed"
	StepStatusFailed     = "failed"
	StepStatusSkipped    = "skipped"
)

// ActionType identifies the external collaborator an action is dispatched to.
type ActionType string

// Workflow action types.
const (
	ActionUpdateState      ActionType = "update_state"
	ActionCreateDocument   ActionType = "create_document"
	ActionSendNotification ActionType = "send_notification"
	ActionBlockchainTx     ActionType = "blockchain_transaction"
	ActionExternalAPICall  ActionType = "external_api_call"
)

// WorkflowAction is a single side-effecting operation dispatched to an
// external collaborator. Completed actions are never re-executed.
type WorkflowAction struct {
	Type       ActionType     `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Required   bool           `json:"required"`
	Completed  bool           `json:"completed"`
	Result     map[string]any `json:"result,omitempty"`
}

// WorkflowStep is a unit of work in a workflow. Dependencies reference other
// step IDs within the same workflow and must form a DAG.
type WorkflowStep struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Dependencies  []string         `json:"dependencies,omitempty"`
	Status        string           `json:"status"`
	RequiredRole  string           `json:"required_role,omitempty"`
	Deadline      *time.Time       `json:"deadline,omitempty"`
	Actions       []WorkflowAction `json:"actions,omitempty"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	CompletedBy   string           `json:"completed_by,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
}

// Terminal reports whether the step can no longer change.
func (s *WorkflowStep) Terminal() bool {
	return s.Status == StepStatusCompleted || s.Status == StepStatusSkipped
}

// StepSpec describes a step at workflow creation time.
type StepSpec struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Dependencies []string         `json:"dependencies,omitempty"`
	RequiredRole string           `json:"required_role,omitempty"`
	Deadline     *time.Time       `json:"deadline,omitempty"`
	Actions      []WorkflowAction `json:"actions,omitempty"`
}

// Workflow is a named, asset-scoped DAG of steps executed to accomplish a
// multi-step business process (tokenization, transfer, maintenance, insurance).
type Workflow struct {
	ID          string         `json:"id"`
	AssetID     string         `json:"asset_id"`
	TenantID    string         `json:"tenant_id"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Steps       []WorkflowStep `json:"steps"`
	CreatedAt   time.Time      `json:"created_at"`
	CreatedBy   string         `json:"created_by"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Version     int            `json:"version"`
}

// Step returns the step with the given ID, or nil.
func (w *Workflow) Step(stepID string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].ID == stepID {
			return &w.Steps[i]
		}
	}
	return nil
}

// WorkflowEvent records an entry in a workflow's append-only audit trail.
type WorkflowEvent struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	StepID     string         `json:"step_id,omitempty"`
	Event      string         `json:"event"`
	ActorID    string         `json:"actor_id"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
