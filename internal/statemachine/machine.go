// Package statemachine owns per-asset lifecycle state: the append-only
// StatusRecord history and the single pending transition gating on
// conditions. All mutating operations on one asset are serialized through a
// keyed mutex; operations on different assets proceed in parallel.
package statemachine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tangible-labs/assetcycle/internal/condition"
	"github.com/tangible-labs/assetcycle/internal/events"
	"github.com/tangible-labs/assetcycle/internal/keyed"
	"github.com/tangible-labs/assetcycle/internal/lifecycle"
	"github.com/tangible-labs/assetcycle/model"
)

// Machine accepts transition requests, consults the transition table and the
// condition evaluator, and commits or rejects. It emits state:changed and
// transition:expired events on the sink.
type Machine struct {
	store      Store
	conditions *condition.Evaluator
	sink       events.Sink
	logger     *zap.Logger
	locks      *keyed.MutexSet
	now        func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the machine's clock. For tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a state machine over the given persistence port.
func NewMachine(store Store, evaluator *condition.Evaluator, sink events.Sink, logger *zap.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	m := &Machine{
		store:      store,
		conditions: evaluator,
		sink:       sink,
		logger:     logger,
		locks:      keyed.NewMutexSet(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize creates the first status record for an asset. Fails with
// ALREADY_INITIALIZED if the asset has any history.
func (m *Machine) Initialize(ctx context.Context, rctx *model.RequestContext, assetID string, initial model.LifecycleState, metadata map[string]any) (model.StatusRecord, error) {
	if !lifecycle.Known(initial) {
		return model.StatusRecord{}, model.NewBadRequestError(
			fmt.Sprintf("unknown lifecycle state %q", initial),
		)
	}

	unlock := m.locks.Lock(assetID)
	defer unlock()

	if _, found, err := m.store.LatestStatusRecord(ctx, rctx.TenantID, assetID); err != nil {
		return model.StatusRecord{}, err
	} else if found {
		return model.StatusRecord{}, model.NewAlreadyInitializedError(assetID)
	}

	record := model.StatusRecord{
		ID:          uuid.New().String(),
		AssetID:     assetID,
		TenantID:    rctx.TenantID,
		State:       initial,
		EffectiveAt: m.now().UTC(),
		Reason:      "initialized",
		Actor:       rctx.SubjectID,
		Metadata:    metadata,
	}

	record, err := m.store.AppendStatusRecord(ctx, record)
	if err != nil {
		return model.StatusRecord{}, err
	}

	m.logger.Info("asset initialized",
		zap.String("asset_id", assetID),
		zap.String("state", string(initial)),
	)
	m.sink.Publish(ctx, model.StateChanged{AssetID: assetID, To: initial, Record: record})
	return record, nil
}

// RequestTransition validates the move against the transition table,
// materializes its conditions, and either commits immediately (no unsatisfied
// required conditions) or persists an awaiting_conditions pending transition
// that commits later through Fulfill or the deadline sweep.
func (m *Machine) RequestTransition(ctx context.Context, rctx *model.RequestContext, assetID string, to model.LifecycleState, reason string, metadata map[string]any) (model.TransitionResult, error) {
	unlock := m.locks.Lock(assetID)
	defer unlock()

	latest, found, err := m.store.LatestStatusRecord(ctx, rctx.TenantID, assetID)
	if err != nil {
		return model.TransitionResult{}, err
	}
	if !found {
		return model.TransitionResult{}, model.NewNotFoundError(
			fmt.Sprintf("asset %q has no lifecycle history", assetID),
		)
	}

	from := latest.State
	if lifecycle.IsTerminal(from) {
		return model.TransitionResult{}, model.NewInvalidTransitionError(
			fmt.Sprintf("asset %q is in terminal state %q", assetID, from),
		)
	}
	if !lifecycle.IsLegal(from, to) {
		return model.TransitionResult{}, model.NewInvalidTransitionError(
			fmt.Sprintf("transition %s -> %s is not in the transition table", from, to),
		)
	}

	if _, awaiting, err := m.store.FindAwaiting(ctx, rctx.TenantID, assetID); err != nil {
		return model.TransitionResult{}, err
	} else if awaiting {
		return model.TransitionResult{}, model.NewTransitionInProgressError(assetID)
	}

	conditions, err := m.conditions.Materialize(from, to)
	if err != nil {
		return model.TransitionResult{}, err
	}

	pt := model.PendingTransition{
		ID:          uuid.New().String(),
		AssetID:     assetID,
		TenantID:    rctx.TenantID,
		From:        from,
		To:          to,
		RequestedAt: m.now().UTC(),
		InitiatedBy: rctx.SubjectID,
		Reason:      reason,
		Conditions:  conditions,
		Metadata:    metadata,
		Status:      model.TransitionAwaitingConditions,
	}

	// Evaluate automatic and time_based conditions synchronously; they may
	// satisfy the whole set and allow an immediate commit.
	if err := m.evaluatePending(ctx, &pt); err != nil {
		return model.TransitionResult{}, err
	}

	if pt.RequiredSatisfied() {
		record, err := m.commit(ctx, &pt, latest, false)
		if err != nil {
			return model.TransitionResult{}, err
		}
		return model.TransitionResult{Committed: true, Record: &record}, nil
	}

	if err := m.store.CreatePendingTransition(ctx, pt); err != nil {
		return model.TransitionResult{}, err
	}

	m.logger.Info("transition awaiting conditions",
		zap.String("asset_id", assetID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("conditions", len(pt.Conditions)),
	)
	m.sink.Publish(ctx, model.TransitionPending{AssetID: assetID, Transition: pt})
	return model.TransitionResult{Pending: &pt}, nil
}

// Fulfill marks a condition satisfied. This is the only way manual_approval,
// contractual, and regulatory conditions are satisfied. If it was the last
// unsatisfied required condition, the pending transition commits.
func (m *Machine) Fulfill(ctx context.Context, rctx *model.RequestContext, conditionID, evidence string) (model.PendingTransition, error) {
	located, err := m.store.FindByCondition(ctx, conditionID)
	if err != nil {
		return model.PendingTransition{}, err
	}
	if located.TenantID != rctx.TenantID {
		return model.PendingTransition{}, model.NewNotFoundError(
			fmt.Sprintf("condition %q not found", conditionID),
		)
	}

	unlock := m.locks.Lock(located.AssetID)
	defer unlock()

	// Reload under the lock; a concurrent Fulfill or the sweep may have
	// resolved the transition in the meantime.
	pt, err := m.store.GetPendingTransition(ctx, rctx.TenantID, located.ID)
	if err != nil {
		return model.PendingTransition{}, err
	}

	switch pt.Status {
	case model.TransitionAwaitingConditions:
	case model.TransitionExpiredStatus:
		return model.PendingTransition{}, model.NewTransitionExpiredError(
			fmt.Sprintf("transition %q expired before fulfillment", pt.ID),
		)
	default:
		return model.PendingTransition{}, model.NewConflictError(
			fmt.Sprintf("transition %q is already %s", pt.ID, pt.Status),
		)
	}

	cond := pt.Condition(conditionID)
	if cond == nil {
		return model.PendingTransition{}, model.NewNotFoundError(
			fmt.Sprintf("condition %q not found", conditionID),
		)
	}
	if cond.Satisfied {
		// Idempotent: re-fulfilling a satisfied condition is a no-op.
		return pt, nil
	}
	if m.conditions.Expired(cond) {
		if err := m.expire(ctx, &pt); err != nil {
			return model.PendingTransition{}, err
		}
		return pt, model.NewTransitionExpiredError(
			fmt.Sprintf("condition %q passed its deadline; transition expired", conditionID),
		)
	}
	if cond.RequiredRole != "" && !rctx.HasRole(cond.RequiredRole) {
		return model.PendingTransition{}, model.NewForbiddenError(
			fmt.Sprintf("fulfilling condition %q requires role %q", conditionID, cond.RequiredRole),
		)
	}

	now := m.now().UTC()
	cond.Satisfied = true
	cond.SatisfiedAt = &now
	cond.SatisfiedBy = rctx.SubjectID
	cond.Evidence = evidence

	// Automatic and time_based conditions may have become satisfiable since
	// the request was made.
	if err := m.evaluatePending(ctx, &pt); err != nil {
		return model.PendingTransition{}, err
	}

	fulfilled := model.ConditionFulfilled{AssetID: pt.AssetID, TransitionID: pt.ID, Condition: *cond}

	if pt.RequiredSatisfied() {
		latest, found, err := m.store.LatestStatusRecord(ctx, rctx.TenantID, pt.AssetID)
		if err != nil {
			return model.PendingTransition{}, err
		}
		if !found {
			return model.PendingTransition{}, model.NewInternalError()
		}
		if _, err := m.commit(ctx, &pt, latest, true); err != nil {
			return model.PendingTransition{}, err
		}
		m.sink.Publish(ctx, fulfilled)
		return pt, nil
	}

	if err := m.store.UpdatePendingTransition(ctx, pt); err != nil {
		return model.PendingTransition{}, err
	}
	m.sink.Publish(ctx, fulfilled)
	return pt, nil
}

// CurrentState returns the asset's current-state record.
func (m *Machine) CurrentState(ctx context.Context, rctx *model.RequestContext, assetID string) (model.StatusRecord, error) {
	record, found, err := m.store.LatestStatusRecord(ctx, rctx.TenantID, assetID)
	if err != nil {
		return model.StatusRecord{}, err
	}
	if !found {
		return model.StatusRecord{}, model.NewNotFoundError(
			fmt.Sprintf("asset %q has no lifecycle history", assetID),
		)
	}
	return record, nil
}

// History returns the asset's full append-only status history.
func (m *Machine) History(ctx context.Context, rctx *model.RequestContext, assetID string) ([]model.StatusRecord, error) {
	history, err := m.store.LoadAssetHistory(ctx, rctx.TenantID, assetID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("asset %q has no lifecycle history", assetID),
		)
	}
	return history, nil
}

// PendingForAsset returns the asset's awaiting transition, if any.
func (m *Machine) PendingForAsset(ctx context.Context, rctx *model.RequestContext, assetID string) (model.PendingTransition, bool, error) {
	return m.store.FindAwaiting(ctx, rctx.TenantID, assetID)
}

// ProcessDeadlines expires awaiting transitions whose required conditions
// passed their deadline unsatisfied. Called by the periodic sweep; it takes
// the same per-asset lock as foreground operations.
func (m *Machine) ProcessDeadlines(ctx context.Context) error {
	expired, err := m.store.FindExpired(ctx, m.now().UTC())
	if err != nil {
		return fmt.Errorf("find expired transitions: %w", err)
	}

	for _, candidate := range expired {
		if err := m.expireLocked(ctx, candidate); err != nil {
			m.logger.Error("expiring transition failed",
				zap.String("transition_id", candidate.ID),
				zap.String("asset_id", candidate.AssetID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// expireLocked re-verifies and expires one candidate under the asset lock.
func (m *Machine) expireLocked(ctx context.Context, candidate model.PendingTransition) error {
	unlock := m.locks.Lock(candidate.AssetID)
	defer unlock()

	pt, err := m.store.GetPendingTransition(ctx, candidate.TenantID, candidate.ID)
	if err != nil {
		return err
	}
	if pt.Status != model.TransitionAwaitingConditions {
		return nil // resolved by a foreground call while we were queued
	}

	stillExpired := false
	for i := range pt.Conditions {
		if pt.Conditions[i].Required && m.conditions.Expired(&pt.Conditions[i]) {
			stillExpired = true
			break
		}
	}
	if !stillExpired {
		return nil
	}
	return m.expire(ctx, &pt)
}

// expire marks the pending transition expired and emits transition:expired.
// The asset stays in its prior state. Callers hold the asset lock.
func (m *Machine) expire(ctx context.Context, pt *model.PendingTransition) error {
	now := m.now().UTC()
	pt.Status = model.TransitionExpiredStatus
	pt.ResolvedAt = &now
	if err := m.store.UpdatePendingTransition(ctx, *pt); err != nil {
		return err
	}

	m.logger.Warn("transition expired",
		zap.String("asset_id", pt.AssetID),
		zap.String("from", string(pt.From)),
		zap.String("to", string(pt.To)),
	)
	m.sink.Publish(ctx, model.TransitionExpired{AssetID: pt.AssetID, Transition: *pt})
	return nil
}

// evaluatePending runs the evaluator over every unsatisfied condition and
// records synchronous satisfactions (automatic and time_based types).
func (m *Machine) evaluatePending(ctx context.Context, pt *model.PendingTransition) error {
	now := m.now().UTC()
	for i := range pt.Conditions {
		cond := &pt.Conditions[i]
		if cond.Satisfied {
			continue
		}
		ok, err := m.conditions.Evaluate(ctx, cond, pt.AssetID, pt.Metadata)
		if err != nil {
			return fmt.Errorf("evaluate condition %q: %w", cond.ID, err)
		}
		if ok {
			cond.Satisfied = true
			cond.SatisfiedAt = &now
			cond.SatisfiedBy = "system"
		}
	}
	return nil
}

// commit appends the status record, resolves the pending transition, and
// emits state:changed. Callers hold the asset lock. persisted indicates the
// pending transition already exists in the store.
func (m *Machine) commit(ctx context.Context, pt *model.PendingTransition, latest model.StatusRecord, persisted bool) (model.StatusRecord, error) {
	now := m.now().UTC()

	// Monotonic effectiveAt per asset; the store's Seq breaks exact ties.
	effectiveAt := now
	if effectiveAt.Before(latest.EffectiveAt) {
		effectiveAt = latest.EffectiveAt
	}

	record := model.StatusRecord{
		ID:          uuid.New().String(),
		AssetID:     pt.AssetID,
		TenantID:    pt.TenantID,
		State:       pt.To,
		EffectiveAt: effectiveAt,
		Reason:      pt.Reason,
		Actor:       pt.InitiatedBy,
		Metadata:    pt.Metadata,
	}
	record, err := m.store.AppendStatusRecord(ctx, record)
	if err != nil {
		return model.StatusRecord{}, err
	}

	pt.Status = model.TransitionCommitted
	pt.ResolvedAt = &now
	if persisted {
		err = m.store.UpdatePendingTransition(ctx, *pt)
	} else if len(pt.Conditions) > 0 {
		// Keep auto-satisfied condition sets for audit.
		err = m.store.CreatePendingTransition(ctx, *pt)
	}
	if err != nil {
		return model.StatusRecord{}, err
	}

	m.logger.Info("transition committed",
		zap.String("asset_id", pt.AssetID),
		zap.String("from", string(pt.From)),
		zap.String("to", string(pt.To)),
	)
	m.sink.Publish(ctx, model.StateChanged{
		AssetID:      pt.AssetID,
		From:         pt.From,
		To:           pt.To,
		TransitionID: pt.ID,
		Record:       record,
	})
	return record, nil
}
