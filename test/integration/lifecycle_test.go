package integration

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/tangible-labs/assetcycle/model"
)

func initializeAsset(t *testing.T, h *TestHarness, assetID, state, token string) model.StatusRecord {
	t.Helper()
	resp := h.POST("/v1/assets/"+assetID+"/initialize", map[string]any{"state": state}, token)
	var record model.StatusRecord
	h.AssertJSON(t, resp, http.StatusCreated, &record)
	return record
}

func TestLifecycle_immediateCommit(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OperatorClaims())

	initializeAsset(t, h, "villa-001", "draft", token)

	resp := h.POST("/v1/assets/villa-001/transitions", map[string]any{
		"to":       "under_review",
		"reason":   "dossier submitted",
		"metadata": map[string]any{"dossier_complete": true},
	}, token)

	var result model.TransitionResult
	h.AssertJSON(t, resp, http.StatusOK, &result)
	if !result.Committed {
		t.Fatalf("transition should have committed: %s", FormatJSON(result))
	}
	if result.Record.State != model.StateUnderReview {
		t.Errorf("state = %q, want under_review", result.Record.State)
	}

	var status model.StatusRecord
	h.AssertJSON(t, h.GET("/v1/assets/villa-001/status", token), http.StatusOK, &status)
	if status.State != model.StateUnderReview {
		t.Errorf("current state = %q, want under_review", status.State)
	}
}

func TestLifecycle_manualApprovalFlow(t *testing.T) {
	h := NewTestHarness(t)
	operator := h.GenerateToken(OperatorClaims())
	compliance := h.GenerateToken(ComplianceClaims())

	initializeAsset(t, h, "villa-002", "under_review", operator)

	// under_review -> approved needs a compliance_officer sign-off.
	resp := h.POST("/v1/assets/villa-002/transitions", map[string]any{
		"to":     "approved",
		"reason": "review passed",
	}, operator)

	var result model.TransitionResult
	h.AssertJSON(t, resp, http.StatusAccepted, &result)
	if result.Committed {
		t.Fatal("transition should be awaiting conditions")
	}
	if len(result.Pending.Conditions) != 1 {
		t.Fatalf("conditions = %d, want 1: %s", len(result.Pending.Conditions), FormatJSON(result.Pending))
	}
	conditionID := result.Pending.Conditions[0].ID

	// The pending transition is visible on the asset.
	var pending model.PendingTransition
	h.AssertJSON(t, h.GET("/v1/assets/villa-002/pending", operator), http.StatusOK, &pending)
	if pending.ID != result.Pending.ID {
		t.Errorf("pending ID = %q, want %q", pending.ID, result.Pending.ID)
	}

	// The operator lacks the compliance_officer role.
	resp = h.POST("/v1/conditions/"+conditionID+"/fulfill", map[string]any{
		"evidence": "self-approval attempt",
	}, operator)
	h.AssertStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	// A compliance officer fulfills the condition; the transition commits.
	resp = h.POST("/v1/conditions/"+conditionID+"/fulfill", map[string]any{
		"evidence": "compliance review CR-7741",
	}, compliance)
	var fulfilled model.PendingTransition
	h.AssertJSON(t, resp, http.StatusOK, &fulfilled)
	if fulfilled.Status != model.TransitionCommitted {
		t.Errorf("transition status = %q, want committed", fulfilled.Status)
	}

	var status model.StatusRecord
	h.AssertJSON(t, h.GET("/v1/assets/villa-002/status", operator), http.StatusOK, &status)
	if status.State != model.StateApproved {
		t.Errorf("current state = %q, want approved", status.State)
	}

	// History: initialize + commit.
	var history struct {
		History []model.StatusRecord `json:"history"`
	}
	h.AssertJSON(t, h.GET("/v1/assets/villa-002/history", operator), http.StatusOK, &history)
	if len(history.History) != 2 {
		t.Errorf("history length = %d, want 2", len(history.History))
	}
}

func TestLifecycle_onePendingTransitionPerAsset(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OperatorClaims())

	initializeAsset(t, h, "villa-003", "under_review", token)

	resp := h.POST("/v1/assets/villa-003/transitions", map[string]any{"to": "approved"}, token)
	h.AssertStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	resp = h.POST("/v1/assets/villa-003/transitions", map[string]any{"to": "approved"}, token)
	h.AssertStatus(t, resp, http.StatusConflict)
	if code := h.ErrorCode(resp); code != model.ErrTransitionInProgress {
		t.Errorf("error code = %q, want TRANSITION_IN_PROGRESS", code)
	}
}

func TestLifecycle_illegalAndTerminalTransitions(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OperatorClaims())

	initializeAsset(t, h, "villa-004", "draft", token)

	// draft -> listed is not an edge in the transition table.
	resp := h.POST("/v1/assets/villa-004/transitions", map[string]any{"to": "listed"}, token)
	h.AssertStatus(t, resp, http.StatusUnprocessableEntity)
	if code := h.ErrorCode(resp); code != model.ErrInvalidTransition {
		t.Errorf("error code = %q, want INVALID_TRANSITION", code)
	}

	// Terminal states reject every move.
	initializeAsset(t, h, "villa-005", "retired", token)
	resp = h.POST("/v1/assets/villa-005/transitions", map[string]any{"to": "draft"}, token)
	h.AssertStatus(t, resp, http.StatusUnprocessableEntity)
	if code := h.ErrorCode(resp); code != model.ErrInvalidTransition {
		t.Errorf("error code = %q, want INVALID_TRANSITION", code)
	}
}

func TestLifecycle_reinitializeConflicts(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OperatorClaims())

	initializeAsset(t, h, "villa-006", "draft", token)

	resp := h.POST("/v1/assets/villa-006/initialize", map[string]any{"state": "draft"}, token)
	h.AssertStatus(t, resp, http.StatusConflict)
	if code := h.ErrorCode(resp); code != model.ErrAlreadyInitialized {
		t.Errorf("error code = %q, want ALREADY_INITIALIZED", code)
	}
}

func TestLifecycle_tenantIsolation(t *testing.T) {
	h := NewTestHarness(t)
	acme := h.GenerateToken(OperatorClaims())
	rival := h.GenerateToken(OtherTenantClaims())

	initializeAsset(t, h, "villa-007", "under_review", acme)

	// Another tenant cannot see the asset at all.
	resp := h.GET("/v1/assets/villa-007/status", rival)
	h.AssertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	// Nor fulfill its conditions, even with the right role.
	resp = h.POST("/v1/assets/villa-007/transitions", map[string]any{"to": "approved"}, acme)
	var result model.TransitionResult
	h.AssertJSON(t, resp, http.StatusAccepted, &result)
	conditionID := result.Pending.Conditions[0].ID

	resp = h.POST("/v1/conditions/"+conditionID+"/fulfill", map[string]any{}, rival)
	h.AssertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestLifecycle_fullTokenizationPath(t *testing.T) {
	h := NewTestHarness(t)
	operator := h.GenerateToken(OperatorClaims())
	compliance := h.GenerateToken(ComplianceClaims())

	initializeAsset(t, h, "tower-001", "draft", operator)

	// draft -> under_review commits on the completeness check.
	resp := h.POST("/v1/assets/tower-001/transitions", map[string]any{
		"to":       "under_review",
		"metadata": map[string]any{"dossier_complete": true},
	}, operator)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// under_review -> approved commits after compliance sign-off.
	resp = h.POST("/v1/assets/tower-001/transitions", map[string]any{"to": "approved"}, operator)
	var result model.TransitionResult
	h.AssertJSON(t, resp, http.StatusAccepted, &result)
	resp = h.POST("/v1/conditions/"+result.Pending.Conditions[0].ID+"/fulfill",
		map[string]any{"evidence": "CR-100"}, compliance)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// approved -> tokenizing gates on two fulfillable conditions.
	resp = h.POST("/v1/assets/tower-001/transitions", map[string]any{"to": "tokenizing"}, operator)
	h.AssertJSON(t, resp, http.StatusAccepted, &result)
	if len(result.Pending.Conditions) != 2 {
		t.Fatalf("conditions = %d, want 2", len(result.Pending.Conditions))
	}
	for i, cond := range result.Pending.Conditions {
		resp = h.POST("/v1/conditions/"+cond.ID+"/fulfill",
			map[string]any{"evidence": fmt.Sprintf("doc-%d", i)}, compliance)
		h.AssertStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	// tokenizing -> tokenized commits once the chain confirms.
	resp = h.POST("/v1/assets/tower-001/transitions", map[string]any{
		"to":       "tokenized",
		"metadata": map[string]any{"tx_hash": "0xabc123", "tx_confirmed": true},
	}, operator)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	var status model.StatusRecord
	h.AssertJSON(t, h.GET("/v1/assets/tower-001/status", operator), http.StatusOK, &status)
	if status.State != model.StateTokenized {
		t.Errorf("current state = %q, want tokenized", status.State)
	}
}
