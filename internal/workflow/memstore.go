package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tangible-labs/assetcycle/model"
)

// MemoryStore is an in-memory Store for tests and single-instance
// deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]model.Workflow        // key: workflow ID
	events    map[string][]model.WorkflowEvent // key: workflow ID
}

// NewMemoryStore creates an empty in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]model.Workflow),
		events:    make(map[string][]model.WorkflowEvent),
	}
}

// Create persists a new workflow.
func (s *MemoryStore) Create(_ context.Context, wf model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[wf.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow %q already exists", wf.ID),
		)
	}

	wf.Version = 1
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

// Get retrieves a workflow by ID, scoped to tenant.
func (s *MemoryStore) Get(_ context.Context, tenantID, workflowID string) (model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, exists := s.workflows[workflowID]
	if !exists || wf.TenantID != tenantID {
		return model.Workflow{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}
	return cloneWorkflow(wf), nil
}

// Update persists an updated workflow with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, wf model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.workflows[wf.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", wf.ID),
		)
	}
	if existing.Version != wf.Version {
		return model.NewConcurrentModificationError(
			fmt.Sprintf("workflow %q version conflict (expected %d, got %d)", wf.ID, wf.Version, existing.Version),
		)
	}

	wf.Version++
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

// Find returns workflows for a tenant matching the filters.
func (s *MemoryStore) Find(_ context.Context, tenantID string, filters Filters) ([]model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Workflow
	for _, wf := range s.workflows {
		if wf.TenantID != tenantID {
			continue
		}
		if filters.AssetID != "" && wf.AssetID != filters.AssetID {
			continue
		}
		if filters.Type != "" && wf.Type != filters.Type {
			continue
		}
		if filters.Status != "" && wf.Status != filters.Status {
			continue
		}
		result = append(result, cloneWorkflow(wf))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Workflow{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// FindOverdue returns active workflows with a non-terminal step past its
// deadline.
func (s *MemoryStore) FindOverdue(_ context.Context, cutoff time.Time) ([]model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Workflow
	for _, wf := range s.workflows {
		if wf.Status != model.WorkflowStatusActive {
			continue
		}
		for i := range wf.Steps {
			step := &wf.Steps[i]
			if !step.Terminal() && step.Deadline != nil && step.Deadline.Before(cutoff) {
				result = append(result, cloneWorkflow(wf))
				break
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// AppendEvent adds an entry to the workflow's audit trail.
func (s *MemoryStore) AppendEvent(_ context.Context, event model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.WorkflowID] = append(s.events[event.WorkflowID], event)
	return nil
}

// GetEvents retrieves the audit trail for a workflow, ordered by timestamp.
func (s *MemoryStore) GetEvents(_ context.Context, tenantID, workflowID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, exists := s.workflows[workflowID]
	if !exists || wf.TenantID != tenantID {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}

	events := s.events[workflowID]
	result := make([]model.WorkflowEvent, len(events))
	copy(result, events)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// cloneWorkflow deep-copies the step slice so callers cannot mutate stored
// state without going through Update.
func cloneWorkflow(wf model.Workflow) model.Workflow {
	steps := make([]model.WorkflowStep, len(wf.Steps))
	copy(steps, wf.Steps)
	for i := range steps {
		if len(wf.Steps[i].Actions) > 0 {
			actions := make([]model.WorkflowAction, len(wf.Steps[i].Actions))
			copy(actions, wf.Steps[i].Actions)
			steps[i].Actions = actions
		}
	}
	wf.Steps = steps
	return wf
}
