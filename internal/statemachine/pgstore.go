package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tangible-labs/assetcycle/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Status records live in
// asset_status_records with a BIGSERIAL seq per insert order; pending
// transitions live in pending_transitions with their condition sets as JSONB.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL state machine store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// AppendStatusRecord inserts a status record; the database assigns Seq.
func (s *PgStore) AppendStatusRecord(ctx context.Context, record model.StatusRecord) (model.StatusRecord, error) {
	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return model.StatusRecord{}, fmt.Errorf("marshal metadata: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO asset_status_records (
			id, asset_id, tenant_id, state, sub_state,
			effective_at, reason, actor, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq`,
		record.ID, record.AssetID, record.TenantID, record.State, record.SubState,
		record.EffectiveAt, record.Reason, record.Actor, metadataJSON,
	).Scan(&record.Seq)
	if err != nil {
		return model.StatusRecord{}, fmt.Errorf("insert status record: %w", err)
	}
	return record, nil
}

// LatestStatusRecord returns the current-state record for the asset.
func (s *PgStore) LatestStatusRecord(ctx context.Context, tenantID, assetID string) (model.StatusRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, asset_id, tenant_id, state, sub_state,
		       effective_at, seq, reason, actor, metadata
		FROM asset_status_records
		WHERE tenant_id = $1 AND asset_id = $2
		ORDER BY effective_at DESC, seq DESC
		LIMIT 1`,
		tenantID, assetID,
	)

	record, err := scanStatusRecord(row)
	if err == pgx.ErrNoRows {
		return model.StatusRecord{}, false, nil
	}
	if err != nil {
		return model.StatusRecord{}, false, fmt.Errorf("query latest status record: %w", err)
	}
	return record, true, nil
}

// LoadAssetHistory returns the asset's full history ordered by
// (effective_at, seq) ascending.
func (s *PgStore) LoadAssetHistory(ctx context.Context, tenantID, assetID string) ([]model.StatusRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, asset_id, tenant_id, state, sub_state,
		       effective_at, seq, reason, actor, metadata
		FROM asset_status_records
		WHERE tenant_id = $1 AND asset_id = $2
		ORDER BY effective_at ASC, seq ASC`,
		tenantID, assetID,
	)
	if err != nil {
		return nil, fmt.Errorf("query asset history: %w", err)
	}
	defer rows.Close()

	var history []model.StatusRecord
	for rows.Next() {
		record, err := scanStatusRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status record: %w", err)
		}
		history = append(history, record)
	}
	return history, rows.Err()
}

// CreatePendingTransition inserts a new pending transition.
func (s *PgStore) CreatePendingTransition(ctx context.Context, pt model.PendingTransition) error {
	conditionsJSON, err := json.Marshal(pt.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	metadataJSON, err := json.Marshal(pt.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pending_transitions (
			id, asset_id, tenant_id, from_state, to_state,
			requested_at, initiated_by, reason, conditions, metadata,
			status, resolved_at, version
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, 1
		)`,
		pt.ID, pt.AssetID, pt.TenantID, pt.From, pt.To,
		pt.RequestedAt, pt.InitiatedBy, pt.Reason, conditionsJSON, metadataJSON,
		pt.Status, pt.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pending transition: %w", err)
	}
	return nil
}

// GetPendingTransition retrieves a pending transition by ID, scoped to tenant.
func (s *PgStore) GetPendingTransition(ctx context.Context, tenantID, id string) (model.PendingTransition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, asset_id, tenant_id, from_state, to_state,
		       requested_at, initiated_by, reason, conditions, metadata,
		       status, resolved_at, version
		FROM pending_transitions
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)

	pt, err := scanPendingTransition(row)
	if err == pgx.ErrNoRows {
		return model.PendingTransition{}, model.NewNotFoundError(
			fmt.Sprintf("pending transition %q not found", id),
		)
	}
	if err != nil {
		return model.PendingTransition{}, fmt.Errorf("query pending transition: %w", err)
	}
	return pt, nil
}

// FindByCondition locates the pending transition owning the condition,
// matching the condition ID inside the JSONB condition set.
func (s *PgStore) FindByCondition(ctx context.Context, conditionID string) (model.PendingTransition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, asset_id, tenant_id, from_state, to_state,
		       requested_at, initiated_by, reason, conditions, metadata,
		       status, resolved_at, version
		FROM pending_transitions
		WHERE conditions @> jsonb_build_array(jsonb_build_object('id', $1::text))`,
		conditionID,
	)

	pt, err := scanPendingTransition(row)
	if err == pgx.ErrNoRows {
		return model.PendingTransition{}, model.NewNotFoundError(
			fmt.Sprintf("condition %q not found", conditionID),
		)
	}
	if err != nil {
		return model.PendingTransition{}, fmt.Errorf("query pending transition by condition: %w", err)
	}
	return pt, nil
}

// FindAwaiting returns the asset's awaiting_conditions transition, if any.
func (s *PgStore) FindAwaiting(ctx context.Context, tenantID, assetID string) (model.PendingTransition, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, asset_id, tenant_id, from_state, to_state,
		       requested_at, initiated_by, reason, conditions, metadata,
		       status, resolved_at, version
		FROM pending_transitions
		WHERE tenant_id = $1 AND asset_id = $2 AND status = 'awaiting_conditions'`,
		tenantID, assetID,
	)

	pt, err := scanPendingTransition(row)
	if err == pgx.ErrNoRows {
		return model.PendingTransition{}, false, nil
	}
	if err != nil {
		return model.PendingTransition{}, false, fmt.Errorf("query awaiting transition: %w", err)
	}
	return pt, true, nil
}

// UpdatePendingTransition persists changes with optimistic locking.
func (s *PgStore) UpdatePendingTransition(ctx context.Context, pt model.PendingTransition) error {
	conditionsJSON, err := json.Marshal(pt.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_transitions SET
			conditions = $1,
			status = $2,
			resolved_at = $3,
			version = $4
		WHERE id = $5 AND version = $6`,
		conditionsJSON, pt.Status, pt.ResolvedAt, pt.Version+1,
		pt.ID, pt.Version,
	)
	if err != nil {
		return fmt.Errorf("update pending transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("pending transition %q version conflict (expected %d)", pt.ID, pt.Version),
		)
	}
	return nil
}

// FindExpired returns awaiting transitions that have at least one unsatisfied
// required non-time_based condition with a deadline before cutoff.
func (s *PgStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.PendingTransition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pt.id, pt.asset_id, pt.tenant_id, pt.from_state, pt.to_state,
		       pt.requested_at, pt.initiated_by, pt.reason, pt.conditions, pt.metadata,
		       pt.status, pt.resolved_at, pt.version
		FROM pending_transitions pt
		WHERE pt.status = 'awaiting_conditions'
		  AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(pt.conditions) AS cond
			WHERE (cond->>'required')::boolean
			  AND NOT (cond->>'satisfied')::boolean
			  AND cond->>'type' <> 'time_based'
			  AND cond->>'deadline' IS NOT NULL
			  AND (cond->>'deadline')::timestamptz < $1
		  )
		ORDER BY pt.requested_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired transitions: %w", err)
	}
	defer rows.Close()

	var expired []model.PendingTransition
	for rows.Next() {
		pt, err := scanPendingTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending transition: %w", err)
		}
		expired = append(expired, pt)
	}
	return expired, rows.Err()
}

func scanStatusRecord(row pgx.Row) (model.StatusRecord, error) {
	var record model.StatusRecord
	var metadataJSON []byte
	err := row.Scan(
		&record.ID, &record.AssetID, &record.TenantID, &record.State, &record.SubState,
		&record.EffectiveAt, &record.Seq, &record.Reason, &record.Actor, &metadataJSON,
	)
	if err != nil {
		return model.StatusRecord{}, err
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
			return model.StatusRecord{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return record, nil
}

func scanPendingTransition(row pgx.Row) (model.PendingTransition, error) {
	var pt model.PendingTransition
	var conditionsJSON, metadataJSON []byte
	err := row.Scan(
		&pt.ID, &pt.AssetID, &pt.TenantID, &pt.From, &pt.To,
		&pt.RequestedAt, &pt.InitiatedBy, &pt.Reason, &conditionsJSON, &metadataJSON,
		&pt.Status, &pt.ResolvedAt, &pt.Version,
	)
	if err != nil {
		return model.PendingTransition{}, err
	}
	if conditionsJSON != nil {
		if err := json.Unmarshal(conditionsJSON, &pt.Conditions); err != nil {
			return model.PendingTransition{}, fmt.Errorf("unmarshal conditions: %w", err)
		}
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &pt.Metadata); err != nil {
			return model.PendingTransition{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return pt, nil
}

// HealthCheck verifies database connectivity for readiness probes.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
