// Package workflow owns asset-scoped workflows: DAGs of steps advanced as
// their dependencies complete, with side effects routed through the action
// dispatcher. All mutating operations on one workflow are serialized through
// a keyed mutex.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tangible-labs/assetcycle/internal/events"
	"github.com/tangible-labs/assetcycle/internal/keyed"
	"github.com/tangible-labs/assetcycle/model"
)

// ActionDispatcher executes one workflow action against its external
// collaborator. Implementations own their timeouts and must be idempotent or
// self-deduplicating, since a failed step may be re-advanced.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, rctx *model.RequestContext, assetID string, action model.WorkflowAction) (map[string]any, error)
}

// Engine manages workflow lifecycles: creation with DAG validation, step
// advancement with frontier recompute, cancellation, and the deadline sweep.
type Engine struct {
	store      Store
	dispatcher ActionDispatcher
	sink       events.Sink
	logger     *zap.Logger
	locks      *keyed.MutexSet
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's clock. For tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a workflow engine over the given persistence port.
func NewEngine(store Store, dispatcher ActionDispatcher, sink events.Sink, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	e := &Engine{
		store:      store,
		dispatcher: dispatcher,
		sink:       sink,
		logger:     logger,
		locks:      keyed.NewMutexSet(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create validates the step graph and persists a new workflow. Steps with no
// dependencies start in_progress; the rest start pending. Rejects graphs with
// unknown dependencies or cycles without persisting anything.
func (e *Engine) Create(ctx context.Context, rctx *model.RequestContext, assetID, wfType string, specs []model.StepSpec) (model.Workflow, error) {
	if len(specs) == 0 {
		return model.Workflow{}, model.NewValidationError([]model.FieldError{{
			Field: "steps", Code: "required", Message: "a workflow needs at least one step",
		}})
	}

	if err := validateDAG(specs); err != nil {
		return model.Workflow{}, err
	}

	now := e.now().UTC()
	steps := make([]model.WorkflowStep, 0, len(specs))
	for _, spec := range specs {
		step := model.WorkflowStep{
			ID:           spec.ID,
			Name:         spec.Name,
			Dependencies: spec.Dependencies,
			Status:       model.StepStatusPending,
			RequiredRole: spec.RequiredRole,
			Deadline:     spec.Deadline,
			Actions:      spec.Actions,
		}
		if len(spec.Dependencies) == 0 {
			step.Status = model.StepStatusInProgress
			started := now
			step.StartedAt = &started
		}
		steps = append(steps, step)
	}

	wf := model.Workflow{
		ID:        uuid.New().String(),
		AssetID:   assetID,
		TenantID:  rctx.TenantID,
		Type:      wfType,
		Status:    model.WorkflowStatusActive,
		Steps:     steps,
		CreatedAt: now,
		CreatedBy: rctx.SubjectID,
	}

	if err := e.store.Create(ctx, wf); err != nil {
		return model.Workflow{}, err
	}
	if err := e.appendEvent(ctx, wf.ID, "", "workflow_created", rctx.SubjectID, map[string]any{"type": wfType}); err != nil {
		return model.Workflow{}, err
	}

	e.logger.Info("workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("asset_id", assetID),
		zap.String("type", wfType),
		zap.Int("steps", len(steps)),
	)
	e.sink.Publish(ctx, model.WorkflowCreated{WorkflowID: wf.ID, AssetID: assetID, Type: wfType})
	return wf, nil
}

// Advance completes one runnable step: it executes the step's actions in
// declaration order, marks the step completed, and moves dependent steps whose
// dependencies are all done into in_progress. Advancing an already-completed
// step is a no-op that returns the existing record; actions are never
// replayed. A failed step may be advanced again to retry its remaining
// actions, which also returns a failed workflow to active. While the workflow
// is failed, only the failed step accepts an advance: siblings stay frozen
// until the failure is retried or the workflow cancelled.
func (e *Engine) Advance(ctx context.Context, rctx *model.RequestContext, workflowID, stepID string) (model.WorkflowStep, error) {
	unlock := e.locks.Lock(workflowID)
	defer unlock()

	wf, err := e.store.Get(ctx, rctx.TenantID, workflowID)
	if err != nil {
		return model.WorkflowStep{}, err
	}

	switch wf.Status {
	case model.WorkflowStatusActive, model.WorkflowStatusFailed:
		// Failed workflows accept a re-advance of the failed step.
	default:
		return model.WorkflowStep{}, model.NewWorkflowAlreadyTerminalError(workflowID, wf.Status)
	}

	step := wf.Step(stepID)
	if step == nil {
		return model.WorkflowStep{}, model.NewNotFoundError(
			fmt.Sprintf("step %q not found in workflow %q", stepID, workflowID),
		)
	}

	if step.Status == model.StepStatusCompleted {
		return *step, nil
	}
	if step.Status != model.StepStatusInProgress && step.Status != model.StepStatusFailed {
		return model.WorkflowStep{}, model.NewStepNotRunnableError(stepID, step.Status)
	}
	if wf.Status == model.WorkflowStatusFailed && step.Status != model.StepStatusFailed {
		return model.WorkflowStep{}, model.NewStepNotRunnableError(
			stepID, fmt.Sprintf("%s and the workflow is failed", step.Status),
		)
	}
	if step.RequiredRole != "" && !rctx.HasRole(step.RequiredRole) {
		return model.WorkflowStep{}, model.NewForbiddenError(
			fmt.Sprintf("completing step %q requires role %q", stepID, step.RequiredRole),
		)
	}

	// Execute actions in declaration order, skipping those already completed
	// on a previous attempt.
	for i := range step.Actions {
		action := &step.Actions[i]
		if action.Completed {
			continue
		}

		result, err := e.dispatcher.Dispatch(ctx, rctx, wf.AssetID, *action)
		if err != nil {
			if !action.Required {
				e.logger.Warn("optional action failed",
					zap.String("workflow_id", workflowID),
					zap.String("step_id", stepID),
					zap.String("action_type", string(action.Type)),
					zap.Error(err),
				)
				continue
			}
			return model.WorkflowStep{}, e.failStep(ctx, rctx, &wf, step, action, err)
		}
		action.Completed = true
		action.Result = result
	}

	now := e.now().UTC()
	step.Status = model.StepStatusCompleted
	step.CompletedAt = &now
	step.CompletedBy = rctx.SubjectID
	step.FailureReason = ""
	if wf.Status == model.WorkflowStatusFailed {
		wf.Status = model.WorkflowStatusActive
	}

	unblocked := e.recomputeFrontier(&wf, now)

	allDone := true
	for i := range wf.Steps {
		if !wf.Steps[i].Terminal() {
			allDone = false
			break
		}
	}
	if allDone {
		wf.Status = model.WorkflowStatusCompleted
		wf.CompletedAt = &now
	}

	if err := e.store.Update(ctx, wf); err != nil {
		return model.WorkflowStep{}, err
	}
	if err := e.appendEvent(ctx, wf.ID, stepID, "step_completed", rctx.SubjectID, nil); err != nil {
		return model.WorkflowStep{}, err
	}

	e.sink.Publish(ctx, model.StepCompleted{WorkflowID: wf.ID, AssetID: wf.AssetID, Type: wf.Type, Step: *step})
	e.sink.Publish(ctx, model.WorkflowAdvanced{
		WorkflowID: wf.ID,
		AssetID:    wf.AssetID,
		StepID:     stepID,
		Unblocked:  unblocked,
	})

	if allDone {
		e.logger.Info("workflow completed",
			zap.String("workflow_id", wf.ID),
			zap.String("asset_id", wf.AssetID),
		)
		if err := e.appendEvent(ctx, wf.ID, "", "workflow_completed", "system", nil); err != nil {
			return model.WorkflowStep{}, err
		}
		e.sink.Publish(ctx, model.WorkflowCompleted{WorkflowID: wf.ID, AssetID: wf.AssetID, Type: wf.Type})
	}
	return *step, nil
}

// failStep records a required-action failure: the step and the workflow are
// marked failed, completed actions keep their results, and the failure is
// surfaced as ACTION_EXECUTION_FAILURE. Callers hold the workflow lock.
func (e *Engine) failStep(ctx context.Context, rctx *model.RequestContext, wf *model.Workflow, step *model.WorkflowStep, action *model.WorkflowAction, cause error) error {
	step.Status = model.StepStatusFailed
	step.FailureReason = cause.Error()
	wf.Status = model.WorkflowStatusFailed

	if err := e.store.Update(ctx, *wf); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, wf.ID, step.ID, "step_failed", rctx.SubjectID,
		map[string]any{"action_type": string(action.Type), "error": cause.Error()}); err != nil {
		return err
	}

	e.logger.Error("required action failed",
		zap.String("workflow_id", wf.ID),
		zap.String("step_id", step.ID),
		zap.String("action_type", string(action.Type)),
		zap.Error(cause),
	)
	e.sink.Publish(ctx, model.StepFailed{WorkflowID: wf.ID, AssetID: wf.AssetID, Type: wf.Type, Step: *step, Reason: cause.Error()})
	e.sink.Publish(ctx, model.WorkflowFailed{WorkflowID: wf.ID, AssetID: wf.AssetID, Type: wf.Type, StepID: step.ID, Reason: cause.Error()})

	return model.NewActionExecutionFailureError(
		fmt.Sprintf("action %q on step %q failed: %v", action.Type, step.ID, cause),
	)
}

// recomputeFrontier moves pending steps whose dependencies are all terminal
// into in_progress and returns their IDs.
func (e *Engine) recomputeFrontier(wf *model.Workflow, now time.Time) []string {
	var unblocked []string
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.Status != model.StepStatusPending {
			continue
		}
		ready := true
		for _, dep := range step.Dependencies {
			if d := wf.Step(dep); d == nil || !d.Terminal() {
				ready = false
				break
			}
		}
		if ready {
			step.Status = model.StepStatusInProgress
			started := now
			step.StartedAt = &started
			unblocked = append(unblocked, step.ID)
		}
	}
	return unblocked
}

// Cancel cancels an active or failed workflow. Steps that have not reached a
// terminal status are marked skipped; a failed step keeps its record.
func (e *Engine) Cancel(ctx context.Context, rctx *model.RequestContext, workflowID, reason string) (model.Workflow, error) {
	unlock := e.locks.Lock(workflowID)
	defer unlock()

	wf, err := e.store.Get(ctx, rctx.TenantID, workflowID)
	if err != nil {
		return model.Workflow{}, err
	}
	switch wf.Status {
	case model.WorkflowStatusActive, model.WorkflowStatusFailed:
	default:
		return model.Workflow{}, model.NewWorkflowAlreadyTerminalError(workflowID, wf.Status)
	}

	now := e.now().UTC()
	for i := range wf.Steps {
		if !wf.Steps[i].Terminal() && wf.Steps[i].Status != model.StepStatusFailed {
			wf.Steps[i].Status = model.StepStatusSkipped
		}
	}
	wf.Status = model.WorkflowStatusCancelled
	wf.CompletedAt = &now

	if err := e.store.Update(ctx, wf); err != nil {
		return model.Workflow{}, err
	}
	if err := e.appendEvent(ctx, wf.ID, "", "workflow_cancelled", rctx.SubjectID, map[string]any{"reason": reason}); err != nil {
		return model.Workflow{}, err
	}

	e.logger.Info("workflow cancelled",
		zap.String("workflow_id", workflowID),
		zap.String("reason", reason),
	)
	e.sink.Publish(ctx, model.WorkflowCancelled{WorkflowID: wf.ID, AssetID: wf.AssetID, Type: wf.Type, Reason: reason})
	return wf, nil
}

// Get returns a workflow by ID.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, workflowID string) (model.Workflow, error) {
	return e.store.Get(ctx, rctx.TenantID, workflowID)
}

// List returns workflows for the tenant matching the filters.
func (e *Engine) List(ctx context.Context, rctx *model.RequestContext, filters Filters) ([]model.Workflow, error) {
	return e.store.Find(ctx, rctx.TenantID, filters)
}

// History returns the workflow's audit trail.
func (e *Engine) History(ctx context.Context, rctx *model.RequestContext, workflowID string) ([]model.WorkflowEvent, error) {
	return e.store.GetEvents(ctx, rctx.TenantID, workflowID)
}

// ProcessDeadlines emits workflow:step:overdue for pending or in_progress
// steps past their deadline. Overdue steps are not failed automatically; they
// surface as alerts for an operator to act on. Called by the periodic sweep.
func (e *Engine) ProcessDeadlines(ctx context.Context) error {
	now := e.now().UTC()
	overdue, err := e.store.FindOverdue(ctx, now)
	if err != nil {
		return fmt.Errorf("find overdue workflows: %w", err)
	}

	for _, candidate := range overdue {
		e.flagOverdueSteps(ctx, candidate.ID, candidate.TenantID, now)
	}
	return nil
}

// flagOverdueSteps re-verifies one candidate under the workflow lock and
// publishes an overdue event per late step.
func (e *Engine) flagOverdueSteps(ctx context.Context, workflowID, tenantID string, now time.Time) {
	unlock := e.locks.Lock(workflowID)
	defer unlock()

	wf, err := e.store.Get(ctx, tenantID, workflowID)
	if err != nil {
		e.logger.Error("loading overdue workflow failed",
			zap.String("workflow_id", workflowID),
			zap.Error(err),
		)
		return
	}
	if wf.Status != model.WorkflowStatusActive {
		return
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.Terminal() || step.Deadline == nil || !step.Deadline.Before(now) {
			continue
		}
		e.logger.Warn("workflow step overdue",
			zap.String("workflow_id", wf.ID),
			zap.String("step_id", step.ID),
			zap.Time("deadline", *step.Deadline),
		)
		e.sink.Publish(ctx, model.StepOverdue{
			WorkflowID: wf.ID,
			AssetID:    wf.AssetID,
			Type:       wf.Type,
			StepID:     step.ID,
			Deadline:   *step.Deadline,
		})
	}
}

// appendEvent is a convenience helper for the audit trail.
func (e *Engine) appendEvent(ctx context.Context, workflowID, stepID, event, actorID string, data map[string]any) error {
	return e.store.AppendEvent(ctx, model.WorkflowEvent{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		StepID:     stepID,
		Event:      event,
		ActorID:    actorID,
		Data:       data,
		Timestamp:  e.now().UTC(),
	})
}

// validateDAG checks that every dependency references a declared step, step
// IDs are unique, and the graph has no cycles (Kahn's algorithm).
func validateDAG(specs []model.StepSpec) error {
	ids := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return model.NewValidationError([]model.FieldError{{
				Field: "steps.id", Code: "required", Message: "every step needs an id",
			}})
		}
		if ids[spec.ID] {
			return model.NewValidationError([]model.FieldError{{
				Field: "steps.id", Code: "duplicate", Message: fmt.Sprintf("step id %q declared twice", spec.ID),
			}})
		}
		ids[spec.ID] = true
	}

	indegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string, len(specs))
	for _, spec := range specs {
		indegree[spec.ID] += 0
		for _, dep := range spec.Dependencies {
			if !ids[dep] {
				return model.NewUnknownDependencyError(spec.ID, dep)
			}
			indegree[spec.ID]++
			dependents[dep] = append(dependents[dep], spec.ID)
		}
	}

	queue := make([]string, 0, len(specs))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(specs) {
		return model.NewDependencyCycleError("step dependencies form a cycle")
	}
	return nil
}
