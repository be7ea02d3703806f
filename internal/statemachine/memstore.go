package statemachine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tangible-labs/assetcycle/model"
)

// MemoryStore is an in-memory Store for tests and single-instance
// deployments. Records are append-only; pending transitions use optimistic
// version locking.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string][]model.StatusRecord     // key: tenantID/assetID
	seq         map[string]int64                    // key: tenantID/assetID
	pendings    map[string]model.PendingTransition  // key: transition ID
	byCondition map[string]string                   // condition ID -> transition ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string][]model.StatusRecord),
		seq:         make(map[string]int64),
		pendings:    make(map[string]model.PendingTransition),
		byCondition: make(map[string]string),
	}
}

func assetKey(tenantID, assetID string) string {
	return tenantID + "/" + assetID
}

// AppendStatusRecord appends a record, assigning the next per-asset Seq.
func (s *MemoryStore) AppendStatusRecord(_ context.Context, record model.StatusRecord) (model.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assetKey(record.TenantID, record.AssetID)
	s.seq[key]++
	record.Seq = s.seq[key]
	s.records[key] = append(s.records[key], record)
	return record, nil
}

// LatestStatusRecord returns the record with the greatest (EffectiveAt, Seq).
func (s *MemoryStore) LatestStatusRecord(_ context.Context, tenantID, assetID string) (model.StatusRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.records[assetKey(tenantID, assetID)]
	if len(history) == 0 {
		return model.StatusRecord{}, false, nil
	}

	latest := history[0]
	for _, r := range history[1:] {
		if r.EffectiveAt.After(latest.EffectiveAt) ||
			(r.EffectiveAt.Equal(latest.EffectiveAt) && r.Seq > latest.Seq) {
			latest = r
		}
	}
	return latest, true, nil
}

// LoadAssetHistory returns a sorted copy of the asset's history.
func (s *MemoryStore) LoadAssetHistory(_ context.Context, tenantID, assetID string) ([]model.StatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.records[assetKey(tenantID, assetID)]
	result := make([]model.StatusRecord, len(history))
	copy(result, history)
	sort.Slice(result, func(i, j int) bool {
		if !result[i].EffectiveAt.Equal(result[j].EffectiveAt) {
			return result[i].EffectiveAt.Before(result[j].EffectiveAt)
		}
		return result[i].Seq < result[j].Seq
	})
	return result, nil
}

// CreatePendingTransition persists a new pending transition and indexes its
// conditions.
func (s *MemoryStore) CreatePendingTransition(_ context.Context, pt model.PendingTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pendings[pt.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("pending transition %q already exists", pt.ID),
		)
	}

	pt.Version = 1
	s.pendings[pt.ID] = pt
	for _, cond := range pt.Conditions {
		s.byCondition[cond.ID] = pt.ID
	}
	return nil
}

// GetPendingTransition retrieves a pending transition by ID, scoped to tenant.
func (s *MemoryStore) GetPendingTransition(_ context.Context, tenantID, id string) (model.PendingTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pt, exists := s.pendings[id]
	if !exists || pt.TenantID != tenantID {
		return model.PendingTransition{}, model.NewNotFoundError(
			fmt.Sprintf("pending transition %q not found", id),
		)
	}
	return pt, nil
}

// FindByCondition locates the pending transition owning the condition.
func (s *MemoryStore) FindByCondition(_ context.Context, conditionID string) (model.PendingTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ptID, exists := s.byCondition[conditionID]
	if !exists {
		return model.PendingTransition{}, model.NewNotFoundError(
			fmt.Sprintf("condition %q not found", conditionID),
		)
	}
	return s.pendings[ptID], nil
}

// FindAwaiting returns the asset's awaiting_conditions transition, if any.
func (s *MemoryStore) FindAwaiting(_ context.Context, tenantID, assetID string) (model.PendingTransition, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, pt := range s.pendings {
		if pt.TenantID == tenantID && pt.AssetID == assetID && pt.Status == model.TransitionAwaitingConditions {
			return pt, true, nil
		}
	}
	return model.PendingTransition{}, false, nil
}

// UpdatePendingTransition persists changes with optimistic locking.
func (s *MemoryStore) UpdatePendingTransition(_ context.Context, pt model.PendingTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.pendings[pt.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("pending transition %q not found", pt.ID),
		)
	}
	if existing.Version != pt.Version {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("pending transition %q version conflict (expected %d, got %d)", pt.ID, pt.Version, existing.Version),
		)
	}

	pt.Version++
	s.pendings[pt.ID] = pt
	return nil
}

// FindExpired returns awaiting transitions with an unsatisfied required
// condition past its deadline. time_based conditions are satisfaction
// deadlines, not cutoffs, and are excluded.
func (s *MemoryStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.PendingTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PendingTransition
	for _, pt := range s.pendings {
		if pt.Status != model.TransitionAwaitingConditions {
			continue
		}
		for _, cond := range pt.Conditions {
			if cond.Required && !cond.Satisfied && cond.Type != model.ConditionTimeBased &&
				cond.Deadline != nil && cond.Deadline.Before(cutoff) {
				result = append(result, pt)
				break
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].RequestedAt.Before(result[j].RequestedAt)
	})
	return result, nil
}
