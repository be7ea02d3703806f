package statemachine

import (
	"context"
	"time"

	"github.com/tangible-labs/assetcycle/model"
)

// Store is the persistence port for the state machine: an append-only log of
// StatusRecords plus the pending transitions gating on conditions. Committed
// records are never updated or deleted.
type Store interface {
	// AppendStatusRecord persists a new status record, assigning its Seq.
	// Seq is strictly increasing per asset and breaks EffectiveAt ties.
	AppendStatusRecord(ctx context.Context, record model.StatusRecord) (model.StatusRecord, error)

	// LatestStatusRecord returns the current-state record for the asset,
	// or found=false if the asset has no history.
	LatestStatusRecord(ctx context.Context, tenantID, assetID string) (record model.StatusRecord, found bool, err error)

	// LoadAssetHistory returns the full append-only history for the asset,
	// ordered by (EffectiveAt, Seq) ascending.
	LoadAssetHistory(ctx context.Context, tenantID, assetID string) ([]model.StatusRecord, error)

	// CreatePendingTransition persists a new pending transition.
	CreatePendingTransition(ctx context.Context, pt model.PendingTransition) error

	// GetPendingTransition retrieves a pending transition by ID, scoped to a
	// tenant. Returns NOT_FOUND if absent or owned by another tenant.
	GetPendingTransition(ctx context.Context, tenantID, id string) (model.PendingTransition, error)

	// FindByCondition locates the pending transition owning the condition.
	// Unscoped: the caller verifies tenancy.
	FindByCondition(ctx context.Context, conditionID string) (model.PendingTransition, error)

	// FindAwaiting returns the asset's awaiting_conditions transition, if any.
	FindAwaiting(ctx context.Context, tenantID, assetID string) (pt model.PendingTransition, found bool, err error)

	// UpdatePendingTransition persists changes with optimistic locking.
	// Returns CONCURRENT_MODIFICATION if the version has moved.
	UpdatePendingTransition(ctx context.Context, pt model.PendingTransition) error

	// FindExpired returns awaiting_conditions transitions that have at least
	// one unsatisfied required condition whose deadline is before cutoff.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.PendingTransition, error)
}
