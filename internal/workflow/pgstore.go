package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tangible-labs/assetcycle/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. The step slice is stored
// as a JSONB document; the audit trail lives in workflow_events.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new workflow.
func (s *PgStore) Create(ctx context.Context, wf model.Workflow) error {
	stepsJSON, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (
			id, asset_id, tenant_id, type, status,
			steps, created_at, created_by, completed_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)`,
		wf.ID, wf.AssetID, wf.TenantID, wf.Type, wf.Status,
		stepsJSON, wf.CreatedAt, wf.CreatedBy, wf.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by ID, scoped to tenant.
func (s *PgStore) Get(ctx context.Context, tenantID, workflowID string) (model.Workflow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, asset_id, tenant_id, type, status,
		       steps, created_at, created_by, completed_at, version
		FROM workflows
		WHERE id = $1 AND tenant_id = $2`,
		workflowID, tenantID,
	)

	wf, err := scanWorkflow(row)
	if err == pgx.ErrNoRows {
		return model.Workflow{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("query workflow: %w", err)
	}
	return wf, nil
}

// Update persists an updated workflow with optimistic locking.
func (s *PgStore) Update(ctx context.Context, wf model.Workflow) error {
	stepsJSON, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET
			status = $1,
			steps = $2,
			completed_at = $3,
			version = $4
		WHERE id = $5 AND version = $6`,
		wf.Status, stepsJSON, wf.CompletedAt, wf.Version+1,
		wf.ID, wf.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("workflow %q version conflict (expected %d)", wf.ID, wf.Version),
		)
	}
	return nil
}

// Find returns workflows for a tenant matching the filters.
func (s *PgStore) Find(ctx context.Context, tenantID string, filters Filters) ([]model.Workflow, error) {
	query := `SELECT id, asset_id, tenant_id, type, status,
	                 steps, created_at, created_by, completed_at, version
	          FROM workflows
	          WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.AssetID != "" {
		query += fmt.Sprintf(" AND asset_id = $%d", argIdx)
		args = append(args, filters.AssetID)
		argIdx++
	}
	if filters.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filters.Type)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryWorkflows(ctx, query, args...)
}

// FindOverdue returns active workflows with a non-terminal step whose deadline
// is before cutoff, matching against the JSONB step documents.
func (s *PgStore) FindOverdue(ctx context.Context, cutoff time.Time) ([]model.Workflow, error) {
	query := `SELECT id, asset_id, tenant_id, type, status,
	                 steps, created_at, created_by, completed_at, version
	          FROM workflows
	          WHERE status = 'active'
	            AND EXISTS (
	              SELECT 1 FROM jsonb_array_elements(steps) AS step
	              WHERE step->>'status' NOT IN ('completed', 'skipped')
	                AND step->>'deadline' IS NOT NULL
	                AND (step->>'deadline')::timestamptz < $1
	            )
	          ORDER BY created_at ASC`
	return s.queryWorkflows(ctx, query, cutoff)
}

// AppendEvent adds an entry to the workflow's audit trail.
func (s *PgStore) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_events (
			id, workflow_id, step_id, event, actor_id, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.WorkflowID, event.StepID, event.Event,
		event.ActorID, dataJSON, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// GetEvents retrieves the audit trail for a workflow.
func (s *PgStore) GetEvents(ctx context.Context, tenantID, workflowID string) ([]model.WorkflowEvent, error) {
	// Verify tenant access.
	if _, err := s.Get(ctx, tenantID, workflowID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, step_id, event, actor_id, data, created_at
		FROM workflow_events
		WHERE workflow_id = $1
		ORDER BY created_at ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var evt model.WorkflowEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.WorkflowID, &evt.StepID, &evt.Event,
			&evt.ActorID, &dataJSON, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// queryWorkflows executes a query and scans the resulting workflows.
func (s *PgStore) queryWorkflows(ctx context.Context, query string, args ...any) ([]model.Workflow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var workflows []model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func scanWorkflow(row pgx.Row) (model.Workflow, error) {
	var wf model.Workflow
	var stepsJSON []byte
	err := row.Scan(
		&wf.ID, &wf.AssetID, &wf.TenantID, &wf.Type, &wf.Status,
		&stepsJSON, &wf.CreatedAt, &wf.CreatedBy, &wf.CompletedAt, &wf.Version,
	)
	if err != nil {
		return model.Workflow{}, err
	}
	if stepsJSON != nil {
		if err := json.Unmarshal(stepsJSON, &wf.Steps); err != nil {
			return model.Workflow{}, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	return wf, nil
}

// HealthCheck verifies database connectivity for readiness probes.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
