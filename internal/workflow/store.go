package workflow

import (
	"context"
	"time"

	"github.com/tangible-labs/assetcycle/model"
)

// Filters narrows FindByAsset and FindActive queries.
type Filters struct {
	AssetID string
	Type    string
	Status  string
	Limit   int
	Offset  int
}

// Store is the persistence port for workflows and their audit trail.
type Store interface {
	// Create persists a new workflow.
	Create(ctx context.Context, wf model.Workflow) error

	// Get retrieves a workflow by ID, scoped to tenant. Returns NOT_FOUND if
	// absent or owned by another tenant.
	Get(ctx context.Context, tenantID, workflowID string) (model.Workflow, error)

	// Update persists an updated workflow with optimistic locking. Returns
	// CONCURRENT_MODIFICATION if the version has moved.
	Update(ctx context.Context, wf model.Workflow) error

	// Find returns workflows for a tenant matching the filters, ordered by
	// created_at descending.
	Find(ctx context.Context, tenantID string, filters Filters) ([]model.Workflow, error)

	// FindOverdue returns active workflows with a pending or in_progress step
	// whose deadline is before cutoff.
	FindOverdue(ctx context.Context, cutoff time.Time) ([]model.Workflow, error)

	// AppendEvent adds an entry to the workflow's audit trail.
	AppendEvent(ctx context.Context, event model.WorkflowEvent) error

	// GetEvents retrieves the audit trail for a workflow, ordered by timestamp.
	GetEvents(ctx context.Context, tenantID, workflowID string) ([]model.WorkflowEvent, error)
}
