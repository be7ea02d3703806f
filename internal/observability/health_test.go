package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubChecker struct {
	err error
}

func (s *stubChecker) HealthCheck(context.Context) error { return s.err }

func TestHandleHealth(t *testing.T) {
	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version == "" {
		t.Error("version should be set")
	}
}

func TestHandleReady_allHealthy(t *testing.T) {
	handler := HandleReady(ReadinessChecks{
		TransitionTableLoaded: func() bool { return true },
		LifecycleStore:        &stubChecker{},
		WorkflowStore:         &stubChecker{},
		DedupStore:            &stubChecker{},
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp ReadinessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 4 {
		t.Errorf("checks = %d, want 4", len(resp.Checks))
	}
}

func TestHandleReady_tableNotLoaded(t *testing.T) {
	handler := HandleReady(ReadinessChecks{
		TransitionTableLoaded: func() bool { return false },
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp ReadinessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["transition_table"].Status != "error" {
		t.Error("transition_table check should be error")
	}
}

func TestHandleReady_dependencyFailure(t *testing.T) {
	handler := HandleReady(ReadinessChecks{
		TransitionTableLoaded: func() bool { return true },
		LifecycleStore:        &stubChecker{err: errors.New("connection refused")},
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp ReadinessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	check := resp.Checks["lifecycle_store"]
	if check.Status != "error" {
		t.Errorf("lifecycle_store status = %q, want error", check.Status)
	}
	if check.Error != "connection refused" {
		t.Errorf("lifecycle_store error = %q, want connection refused", check.Error)
	}
}

func TestHandleReady_optionalChecksSkippedWhenNil(t *testing.T) {
	handler := HandleReady(ReadinessChecks{
		TransitionTableLoaded: func() bool { return true },
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp ReadinessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(resp.Checks) != 1 {
		t.Errorf("checks = %d, want 1", len(resp.Checks))
	}
}
