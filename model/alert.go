package model

import "time"

// Alert kinds.
const (
	AlertConditionDeadline = "condition_deadline"
	AlertStepDeadline      = "step_deadline"
	AlertWorkflowFailed    = "workflow_failed"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is an operator-facing signal derived from the event stream:
// a condition or step past its deadline, or a failed workflow.
type Alert struct {
	ID           string     `json:"id"`
	AssetID      string     `json:"asset_id"`
	TenantID     string     `json:"tenant_id"`
	Kind         string     `json:"kind"`
	Severity     string     `json:"severity"`
	Message      string     `json:"message"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	Acknowledged bool       `json:"acknowledged"`
	CreatedAt    time.Time  `json:"created_at"`
}

// AssetStats are per-asset counters and derived figures maintained by the
// aggregator from the transition and workflow event streams.
type AssetStats struct {
	AssetID                string    `json:"asset_id"`
	MaintenanceEvents      int       `json:"maintenance_events"`
	DowntimeEvents         int       `json:"downtime_events"`
	InsuranceClaims        int       `json:"insurance_claims"`
	OwnershipTransfers     int       `json:"ownership_transfers"`
	AverageMaintenanceCost float64   `json:"average_maintenance_cost"`
	TotalUptimePercentage  float64   `json:"total_uptime_percentage"`
	UpdatedAt              time.Time `json:"updated_at"`
}
