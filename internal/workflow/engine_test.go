package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangible-labs/assetcycle/model"
)

// stubDispatcher counts dispatches per action type and fails the types listed
// in failTypes.
type stubDispatcher struct {
	mu        sync.Mutex
	calls     map[model.ActionType]int
	failTypes map[model.ActionType]error
}

func newStubDispatcher() *stubDispatcher {
	return &stubDispatcher{
		calls:     make(map[model.ActionType]int),
		failTypes: make(map[model.ActionType]error),
	}
}

func (d *stubDispatcher) Dispatch(_ context.Context, _ *model.RequestContext, _ string, action model.WorkflowAction) (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[action.Type]++
	if err, ok := d.failTypes[action.Type]; ok {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (d *stubDispatcher) count(t model.ActionType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[t]
}

type eventCapture struct {
	mu     sync.Mutex
	events []model.Event
}

func (c *eventCapture) Publish(_ context.Context, event model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *eventCapture) named(name string) []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Event
	for _, e := range c.events {
		if e.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}

func testContext(roles ...string) *model.RequestContext {
	return &model.RequestContext{SubjectID: "user-1", TenantID: "tenant-1", Roles: roles}
}

func newTestEngine(t *testing.T) (*Engine, *stubDispatcher, *eventCapture) {
	t.Helper()
	dispatcher := newStubDispatcher()
	capture := &eventCapture{}
	engine := NewEngine(NewMemoryStore(), dispatcher, capture, nil)
	return engine, dispatcher, capture
}

func chainSpecs() []model.StepSpec {
	return []model.StepSpec{
		{ID: "a", Name: "Prepare"},
		{ID: "b", Name: "Execute", Dependencies: []string{"a"}},
		{ID: "c", Name: "Finalize", Dependencies: []string{"a", "b"}},
	}
}

func TestEngine_Create_rootsInProgress(t *testing.T) {
	engine, _, capture := newTestEngine(t)

	wf, err := engine.Create(context.Background(), testContext(), "asset-1", "tokenization", chainSpecs())
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusActive, wf.Status)
	assert.Equal(t, model.StepStatusInProgress, wf.Step("a").Status)
	assert.NotNil(t, wf.Step("a").StartedAt)
	assert.Equal(t, model.StepStatusPending, wf.Step("b").Status)
	assert.Equal(t, model.StepStatusPending, wf.Step("c").Status)
	assert.Len(t, capture.named(model.EventWorkflowCreated), 1)
}

func TestEngine_Create_rejectsUnknownDependency(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Create(context.Background(), testContext(), "asset-1", "transfer", []model.StepSpec{
		{ID: "a", Dependencies: []string{"missing"}},
	})
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrUnknownDependency))
}

func TestEngine_Create_rejectsCycle(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Create(context.Background(), testContext(), "asset-1", "transfer", []model.StepSpec{
		{ID: "x", Dependencies: []string{"y"}},
		{ID: "y", Dependencies: []string{"x"}},
	})
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrDependencyCycle))
}

func TestEngine_Create_rejectsDuplicateStepID(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Create(context.Background(), testContext(), "asset-1", "transfer", []model.StepSpec{
		{ID: "a"},
		{ID: "a"},
	})
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrValidationError))
}

func TestEngine_Advance_dagOrdering(t *testing.T) {
	engine, _, capture := newTestEngine(t)
	ctx := context.Background()
	rctx := testContext()

	wf, err := engine.Create(ctx, rctx, "asset-1", "tokenization", chainSpecs())
	require.NoError(t, err)

	// C before its dependencies is not runnable.
	_, err = engine.Advance(ctx, rctx, wf.ID, "c")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrStepNotRunnable))

	// A unblocks B.
	step, err := engine.Advance(ctx, rctx, wf.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusCompleted, step.Status)

	loaded, err := engine.Get(ctx, rctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusInProgress, loaded.Step("b").Status)
	assert.Equal(t, model.StepStatusPending, loaded.Step("c").Status)

	// B unblocks C; C completes the workflow.
	_, err = engine.Advance(ctx, rctx, wf.ID, "b")
	require.NoError(t, err)
	_, err = engine.Advance(ctx, rctx, wf.ID, "c")
	require.NoError(t, err)

	loaded, err = engine.Get(ctx, rctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCompleted, loaded.Status)
	assert.NotNil(t, loaded.CompletedAt)
	assert.Len(t, capture.named(model.EventWorkflowCompleted), 1)
	assert.Len(t, capture.named(model.EventStepCompleted), 3)
}

func TestEngine_Advance_idempotentCompletion(t *testing.T) {
	engine, dispatcher, _ := newTestEngine(t)
	ctx := context.Background()
	rctx := testContext()

	wf, err := engine.Create(ctx, rctx, "asset-1", "maintenance", []model.StepSpec{
		{ID: "inspect", Actions: []model.WorkflowAction{
			{Type: model.ActionSendNotification, Required: true},
		}},
	})
	require.NoError(t, err)

	first, err := engine.Advance(ctx, rctx, wf.ID, "inspect")
	require.NoError(t, err)
	require.Equal(t, model.StepStatusCompleted, first.Status)
	assert.Equal(t, 1, dispatcher.count(model.ActionSendNotification))

	// Second advance returns the existing record without re-dispatching.
	second, err := engine.Advance(ctx, rctx, wf.ID, "inspect")
	require.NoError(t, err)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
	assert.Equal(t, 1, dispatcher.count(model.ActionSendNotification))
}

func TestEngine_Advance_requiredActionFailureHardStops(t *testing.T) {
	engine, dispatcher, capture := newTestEngine(t)
	ctx := context.Background()
	rctx := testContext()

	wf, err := engine.Create(ctx, rctx, "asset-1", "tokenization", []model.StepSpec{
		{ID: "mint", Actions: []model.WorkflowAction{
			{Type: model.ActionCreateDocument, Required: true},
			{Type: model.ActionBlockchainTx, Required: true},
		}},
		{ID: "list", Dependencies: []string{"mint"}},
	})
	require.NoError(t, err)

	dispatcher.failTypes[model.ActionBlockchainTx] = errors.New("rpc timeout")

	_, err = engine.Advance(ctx, rctx, wf.ID, "mint")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrActionExecutionFailure))

	loaded, err := engine.Get(ctx, rctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusFailed, loaded.Status)
	mint := loaded.Step("mint")
	assert.Equal(t, model.StepStatusFailed, mint.Status)
	assert.Contains(t, mint.FailureReason, "rpc timeout")
	// The action that succeeded keeps its completion.
	assert.True(t, mint.Actions[0].Completed)
	assert.False(t, mint.Actions[1].Completed)
	assert.Len(t, capture.named(model.EventWorkflowFailed), 1)
	assert.Len(t, capture.named(model.EventStepFailed), 1)

	// Dependent steps stay pending.
	assert.Equal(t, model.StepStatusPending, loaded.Step("list").Status)
}

func TestEngine_Advance_retryAfterFailure(t *testing.T) {
	engine, dispatcher, _ := newTestEngine(t)
	ctx := context.Background()
	rctx := testContext()

	wf, err := engine.Create(ctx, rctx, "asset-1", "tokenization", []model.StepSpec{
		{ID: "mint", Actions: []model.WorkflowAction{
			{Type: model.ActionCreateDocument, Required: true},
			{Type: model.ActionBlockchainTx, Required: true},
		}},
	})
	require.NoError(t, err)

	dispatcher.failTypes[model.ActionBlockchainTx] = errors.New("rpc timeout")
	_, err = engine.Advance(ctx, rctx, wf.ID, "mint")
	require.Error(t, err)

	// Explicit re-advance retries only the failed action.
	delete(dispatcher.failTypes, model.ActionBlockchainTx)
	step, err := engine.Advance(ctx, rctx, wf.ID, "mint")
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusCompleted, step.Status)
	assert.Empty(t, step.FailureReason)
	assert.Equal(t, 1, dispatcher.count(model.ActionCreateDocument))
	assert.Equal(t, 2, dispatcher.count(model.ActionBlockchainTx))

	loaded, err := engine.Get(ctx, rctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCompleted, loaded.Status)
}

func TestEngine_Advance_failedWorkflowFreezesSiblings(t *testing.T) {
	engine, dispatcher, _ := newTestEngine(t)
	ctx := context.Background()
	rctx := testContext()

	wf, err := engine.Create(ctx, rctx, "asset-1", "tokenization", []model.StepSpec{
		{ID: "mint", Actions: []model.WorkflowAction{
			{Type: model.ActionBlockchainTx, Required: true},
		}},
		{ID: "prep"},
		{ID: "after-prep", Dependencies: []string{"prep"}},
	})
	require.NoError(t, err)

	dispatcher.failTypes[model.ActionBlockchainTx] = errors.New("rpc timeout")
	_, err = engine.Advance(ctx, rctx, wf.ID, "mint")
	require.Error(t, err)

	// A sibling in_progress step is frozen while the workflow is failed:
	// completing it must not unblock dependents or mask the failure.
	_, err = engine.Advance(ctx, rctx, wf.ID, "prep")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrStepNotRunnable))

	loaded, err := engine.Get(ctx, rctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusFailed, loaded.Status)
	assert.Equal(t, model.StepStatusInProgress, loaded.Step("prep").Status)
	assert.Equal(t, model.StepStatusPending, loaded.Step("after-prep").Status)

	// Retrying the failed step lifts the freeze.
	delete(dispatcher.failTypes, model.ActionBlockchainTx)
	_, err = engine.Advance(ctx, rctx, wf.ID, "mint")
	require.NoError(t, err)
	step, err := engine.Advance(ctx, rctx, wf.ID, "prep")
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusCompleted, step.Status)
}

func TestEngine_Advance_optionalActionFailureContinues(t *testing.T) {
	engine, dispatcher, _ := newTestEngine(t)
	ctx := context.Background()
	rctx := testContext()

	wf, err := engine.Create(ctx, rctx, "asset-1", "transfer", []model.StepSpec{
		{ID: "notify", Actions: []model.WorkflowAction{
			{Type: model.ActionSendNotification, Required: false},
			{Type: model.ActionCreateDocument, Required: true},
		}},
	})
	require.NoError(t, err)

	dispatcher.failTypes[model.ActionSendNotification] = errors.New("webhook down")

	step, err := engine.Advance(ctx, rctx, wf.ID, "notify")
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusCompleted, step.Status)
	assert.False(t, step.Actions[0].Completed)
	assert.True(t, step.Actions[1].Completed)
}

func TestEngine_Advance_roleRequired(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	rctx := testContext()

	wf, err := engine.Create(ctx, rctx, "asset-1", "transfer", []model.StepSpec{
		{ID: "sign", RequiredRole: "escrow_agent"},
	})
	require.NoError(t, err)

	_, err = engine.Advance(ctx, rctx, wf.ID, "sign")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrForbidden))

	_, err = engine.Advance(ctx, testContext("escrow_agent"), wf.ID, "sign")
	require.NoError(t, err)
}

func TestEngine_Advance_unknownStep(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	rctx := testContext()

	wf, err := engine.Create(ctx, rctx, "asset-1", "transfer", chainSpecs())
	require.NoError(t, err)

	_, err = engine.Advance(ctx, rctx, wf.ID, "no-such-step")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}

func TestEngine_Cancel(t *testing.T) {
	engine, _, capture := newTestEngine(t)
	ctx := context.Background()
	rctx := testContext()

	wf, err := engine.Create(ctx, rctx, "asset-1", "tokenization", chainSpecs())
	require.NoError(t, err)
	_, err = engine.Advance(ctx, rctx, wf.ID, "a")
	require.NoError(t, err)

	cancelled, err := engine.Cancel(ctx, rctx, wf.ID, "deal fell through")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCancelled, cancelled.Status)
	// Completed steps keep their status; the rest are skipped.
	assert.Equal(t, model.StepStatusCompleted, cancelled.Step("a").Status)
	assert.Equal(t, model.StepStatusSkipped, cancelled.Step("b").Status)
	assert.Equal(t, model.StepStatusSkipped, cancelled.Step("c").Status)
	assert.Len(t, capture.named(model.EventWorkflowCancelled), 1)

	// Cancelling again, or advancing, hits the terminal guard.
	_, err = engine.Cancel(ctx, rctx, wf.ID, "again")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrWorkflowAlreadyTerminal))

	_, err = engine.Advance(ctx, rctx, wf.ID, "b")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrWorkflowAlreadyTerminal))
}

func TestEngine_Cancel_failedWorkflow(t *testing.T) {
	engine, dispatcher, _ := newTestEngine(t)
	ctx := context.Background()
	rctx := testContext()

	dispatcher.failTypes[model.ActionCreateDocument] = errors.New("service down")

	wf, err := engine.Create(ctx, rctx, "asset-1", "tokenization", []model.StepSpec{
		{ID: "a", Name: "Docs", Actions: []model.WorkflowAction{
			{Type: model.ActionCreateDocument, Required: true},
		}},
	})
	require.NoError(t, err)

	_, err = engine.Advance(ctx, rctx, wf.ID, "a")
	require.Error(t, err)

	// A failed workflow can still be cancelled; the failed step keeps its record.
	cancelled, err := engine.Cancel(ctx, rctx, wf.ID, "not worth retrying")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCancelled, cancelled.Status)
	assert.Equal(t, model.StepStatusFailed, cancelled.Step("a").Status)
}

func TestEngine_ProcessDeadlines_flagsOverdueSteps(t *testing.T) {
	current := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	capture := &eventCapture{}
	engine := NewEngine(NewMemoryStore(), newStubDispatcher(), capture, nil, WithClock(clock))
	ctx := context.Background()
	rctx := testContext()

	deadline := current.Add(24 * time.Hour)
	wf, err := engine.Create(ctx, rctx, "asset-1", "maintenance", []model.StepSpec{
		{ID: "repair", Deadline: &deadline},
	})
	require.NoError(t, err)

	// Before the deadline nothing is flagged.
	require.NoError(t, engine.ProcessDeadlines(ctx))
	assert.Empty(t, capture.named(model.EventStepOverdue))

	mu.Lock()
	current = current.Add(48 * time.Hour)
	mu.Unlock()

	require.NoError(t, engine.ProcessDeadlines(ctx))
	overdue := capture.named(model.EventStepOverdue)
	require.Len(t, overdue, 1)
	evt := overdue[0].(model.StepOverdue)
	assert.Equal(t, wf.ID, evt.WorkflowID)
	assert.Equal(t, "repair", evt.StepID)

	// The step is not failed by the sweep; it stays runnable.
	step, err := engine.Advance(ctx, rctx, wf.ID, "repair")
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusCompleted, step.Status)
}

func TestEngine_History(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	rctx := testContext()

	wf, err := engine.Create(ctx, rctx, "asset-1", "transfer", chainSpecs())
	require.NoError(t, err)
	_, err = engine.Advance(ctx, rctx, wf.ID, "a")
	require.NoError(t, err)

	events, err := engine.History(ctx, rctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "workflow_created", events[0].Event)
	assert.Equal(t, "step_completed", events[1].Event)
	assert.Equal(t, "a", events[1].StepID)
}

func TestEngine_List_filters(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	rctx := testContext()

	_, err := engine.Create(ctx, rctx, "asset-1", "tokenization", chainSpecs())
	require.NoError(t, err)
	_, err = engine.Create(ctx, rctx, "asset-2", "transfer", chainSpecs())
	require.NoError(t, err)

	all, err := engine.List(ctx, rctx, Filters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byAsset, err := engine.List(ctx, rctx, Filters{AssetID: "asset-2"})
	require.NoError(t, err)
	require.Len(t, byAsset, 1)
	assert.Equal(t, "transfer", byAsset[0].Type)

	// Another tenant sees nothing.
	other := &model.RequestContext{SubjectID: "user-9", TenantID: "tenant-9"}
	none, err := engine.List(ctx, other, Filters{})
	require.NoError(t, err)
	assert.Empty(t, none)
}
