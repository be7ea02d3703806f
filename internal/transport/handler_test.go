package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangible-labs/assetcycle/internal/aggregator"
	"github.com/tangible-labs/assetcycle/internal/condition"
	"github.com/tangible-labs/assetcycle/internal/config"
	"github.com/tangible-labs/assetcycle/internal/events"
	"github.com/tangible-labs/assetcycle/internal/statemachine"
	"github.com/tangible-labs/assetcycle/internal/workflow"
	"github.com/tangible-labs/assetcycle/model"
)

// recordingDispatcher counts dispatched actions and succeeds.
type recordingDispatcher struct {
	calls int
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ *model.RequestContext, _ string, _ model.WorkflowAction) (map[string]any, error) {
	d.calls++
	return map[string]any{"ok": true}, nil
}

// stubAuth injects verified claims the way the JWT middleware would.
func stubAuth(roles ...string) func(http.Handler) http.Handler {
	roleList := make([]any, 0, len(roles))
	for _, r := range roles {
		roleList = append(roleList, r)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithClaims(r.Context(), map[string]any{
				"sub":       "user-1",
				"tenant_id": "tenant-1",
				"roles":     roleList,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newTestRouter(t *testing.T, roles ...string) chi.Router {
	t.Helper()

	bus := events.NewBus(nil)
	machine := statemachine.NewMachine(statemachine.NewMemoryStore(), condition.NewEvaluator(), bus, nil)
	engine := workflow.NewEngine(workflow.NewMemoryStore(), &recordingDispatcher{}, bus, nil)
	agg := aggregator.New(nil)
	bus.Subscribe(agg.HandleEvent)

	return NewRouter(Dependencies{
		Config:       config.Defaults(),
		Machine:      machine,
		Engine:       engine,
		Aggregator:   agg,
		Authenticate: stubAuth(roles...),
	})
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader([]byte("{}"))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), "body: %s", rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	decodeBody(t, rec, &body)
	require.NotNil(t, body.Error)
	return body.Error.Code
}

func TestAssetLifecycleEndpoints(t *testing.T) {
	router := newTestRouter(t, "compliance_officer")

	// Initialize.
	rec := doJSON(t, router, http.MethodPost, "/v1/assets/asset-1/initialize", map[string]any{"state": "draft"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var record model.StatusRecord
	decodeBody(t, rec, &record)
	assert.Equal(t, model.StateDraft, record.State)
	assert.Equal(t, "tenant-1", record.TenantID)

	// Re-initialize conflicts.
	rec = doJSON(t, router, http.MethodPost, "/v1/assets/asset-1/initialize", map[string]any{"state": "draft"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, model.ErrAlreadyInitialized, errorCode(t, rec))

	// Automatic condition commits immediately.
	rec = doJSON(t, router, http.MethodPost, "/v1/assets/asset-1/transitions", map[string]any{
		"to":       "under_review",
		"reason":   "dossier submitted",
		"metadata": map[string]any{"dossier_complete": true},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result model.TransitionResult
	decodeBody(t, rec, &result)
	assert.True(t, result.Committed)

	// Manual approval gates the next hop: 202 with a pending transition.
	rec = doJSON(t, router, http.MethodPost, "/v1/assets/asset-1/transitions", map[string]any{
		"to": "approved",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	decodeBody(t, rec, &result)
	require.False(t, result.Committed)
	require.NotNil(t, result.Pending)
	require.NotEmpty(t, result.Pending.Conditions)

	// Pending is visible.
	rec = doJSON(t, router, http.MethodGet, "/v1/assets/asset-1/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Fulfill the manual approval condition.
	conditionID := result.Pending.Conditions[0].ID
	rec = doJSON(t, router, http.MethodPost, "/v1/conditions/"+conditionID+"/fulfill", map[string]any{
		"evidence": "review doc #42",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pending model.PendingTransition
	decodeBody(t, rec, &pending)
	assert.Equal(t, model.TransitionCommitted, pending.Status)

	// Current state reflects the commit.
	rec = doJSON(t, router, http.MethodGet, "/v1/assets/asset-1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &record)
	assert.Equal(t, model.StateApproved, record.State)

	// History has all three records.
	rec = doJSON(t, router, http.MethodGet, "/v1/assets/asset-1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		History []model.StatusRecord `json:"history"`
	}
	decodeBody(t, rec, &history)
	assert.Len(t, history.History, 3)
}

func TestTransitionEndpoint_validation(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/assets/asset-1/initialize", map[string]any{"state": "draft"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Missing target state.
	rec = doJSON(t, router, http.MethodPost, "/v1/assets/asset-1/transitions", map[string]any{})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, model.ErrValidationError, errorCode(t, rec))

	// Illegal edge.
	rec = doJSON(t, router, http.MethodPost, "/v1/assets/asset-1/transitions", map[string]any{"to": "tokenized"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, model.ErrInvalidTransition, errorCode(t, rec))
}

func TestAssetEndpoints_unknownAsset(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/v1/assets/ghost/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/assets/ghost/pending", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowEndpoints(t *testing.T) {
	router := newTestRouter(t)

	// Create a two-step workflow.
	rec := doJSON(t, router, http.MethodPost, "/v1/workflows", map[string]any{
		"asset_id": "asset-1",
		"type":     "tokenization",
		"steps": []map[string]any{
			{"id": "prepare", "name": "Prepare dossier"},
			{"id": "mint", "name": "Mint token", "dependencies": []string{"prepare"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var wf model.Workflow
	decodeBody(t, rec, &wf)
	require.NotEmpty(t, wf.ID)
	assert.Equal(t, model.WorkflowStatusActive, wf.Status)

	// Dependent step is not runnable yet.
	rec = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/workflows/%s/steps/mint/advance", wf.ID), nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, model.ErrStepNotRunnable, errorCode(t, rec))

	// Root advances, then the dependent step.
	rec = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/workflows/%s/steps/prepare/advance", wf.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/workflows/%s/steps/mint/advance", wf.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Workflow is completed now.
	rec = doJSON(t, router, http.MethodGet, "/v1/workflows/"+wf.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &wf)
	assert.Equal(t, model.WorkflowStatusCompleted, wf.Status)

	// Further changes are rejected.
	rec = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/workflows/%s/cancel", wf.ID), map[string]any{"reason": "late"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, model.ErrWorkflowAlreadyTerminal, errorCode(t, rec))

	// History carries the audit trail.
	rec = doJSON(t, router, http.MethodGet, "/v1/workflows/"+wf.ID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Events []model.WorkflowEvent `json:"events"`
	}
	decodeBody(t, rec, &events)
	assert.NotEmpty(t, events.Events)
}

func TestWorkflowCreate_validation(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/workflows", map[string]any{"type": "tokenization"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, model.ErrValidationError, errorCode(t, rec))

	// Cyclic dependencies are a 400.
	rec = doJSON(t, router, http.MethodPost, "/v1/workflows", map[string]any{
		"asset_id": "asset-1",
		"type":     "tokenization",
		"steps": []map[string]any{
			{"id": "a", "name": "A", "dependencies": []string{"b"}},
			{"id": "b", "name": "B", "dependencies": []string{"a"}},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrDependencyCycle, errorCode(t, rec))
}

func TestWorkflowList_filters(t *testing.T) {
	router := newTestRouter(t)

	for _, assetID := range []string{"asset-1", "asset-2"} {
		rec := doJSON(t, router, http.MethodPost, "/v1/workflows", map[string]any{
			"asset_id": assetID,
			"type":     "maintenance",
			"steps":    []map[string]any{{"id": "inspect", "name": "Inspect"}},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, router, http.MethodGet, "/v1/workflows?asset_id=asset-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []model.Workflow `json:"data"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "asset-1", list.Data[0].AssetID)
}

func TestAlertEndpoints(t *testing.T) {
	router := newTestRouter(t)

	// No alerts initially.
	rec := doJSON(t, router, http.MethodGet, "/v1/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []model.Alert `json:"data"`
	}
	decodeBody(t, rec, &list)
	assert.Empty(t, list.Data)

	// Acknowledge of a missing alert is a 404.
	rec = doJSON(t, router, http.MethodPost, "/v1/alerts/ghost/acknowledge", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpoints(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/v1/assets/ghost/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all struct {
		Data []model.AssetStats `json:"data"`
	}
	decodeBody(t, rec, &all)
	assert.Empty(t, all.Data)
}

func TestRouter_publicEndpoints(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_rejectsMissingIdentity(t *testing.T) {
	// Auth middleware that passes no claims through: the context builder
	// must refuse the request.
	bus := events.NewBus(nil)
	machine := statemachine.NewMachine(statemachine.NewMemoryStore(), condition.NewEvaluator(), bus, nil)
	engine := workflow.NewEngine(workflow.NewMemoryStore(), &recordingDispatcher{}, bus, nil)

	router := NewRouter(Dependencies{
		Config:     config.Defaults(),
		Machine:    machine,
		Engine:     engine,
		Aggregator: aggregator.New(nil),
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/workflows", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCorrelationIDHeader(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-Id", "corr-provided")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "corr-provided", rec.Header().Get("X-Correlation-Id"))
}
