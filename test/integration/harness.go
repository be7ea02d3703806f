// Package integration provides a reusable test harness for end-to-end
// integration testing of the assetcycle server. It starts a full HTTP server
// with mock collaborator services, in-memory stores, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tangible-labs/assetcycle/internal/aggregator"
	"github.com/tangible-labs/assetcycle/internal/condition"
	"github.com/tangible-labs/assetcycle/internal/config"
	"github.com/tangible-labs/assetcycle/internal/dispatch"
	"github.com/tangible-labs/assetcycle/internal/events"
	"github.com/tangible-labs/assetcycle/internal/observability"
	"github.com/tangible-labs/assetcycle/internal/statemachine"
	"github.com/tangible-labs/assetcycle/internal/transport"
	"github.com/tangible-labs/assetcycle/internal/workflow"
)

// TestHarness encapsulates a fully wired engine instance with mock
// collaborator services for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Machine        *statemachine.Machine
	Engine         *workflow.Engine
	Aggregator     *aggregator.Aggregator
	Bus            *events.Bus
	LifecycleStore *statemachine.MemoryStore
	WorkflowStore  *workflow.MemoryStore

	// Mock collaborator services.
	Documents     *MockService
	Notifications *MockService
	Chain         *MockService

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout  time.Duration
	dispatchTimeout time.Duration
	clock           func() time.Time
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithDispatchTimeout sets the action dispatch HTTP timeout.
func WithDispatchTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.dispatchTimeout = d }
}

// WithClock overrides the machine, engine, and evaluator clocks.
func WithClock(now func() time.Time) HarnessOption {
	return func(c *harnessConfig) { c.clock = now }
}

// NewTestHarness creates and starts a full engine test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout:  10 * time.Second,
		dispatchTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	h.Documents = newMockService(t, "document-svc", documentRoutes())
	h.Notifications = newMockService(t, "notification-svc", notificationRoutes())
	h.Chain = newMockService(t, "chain-gateway", chainRoutes())

	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	h.Bus = events.NewBus(logger)
	h.LifecycleStore = statemachine.NewMemoryStore()
	h.WorkflowStore = workflow.NewMemoryStore()

	var evalOpts []condition.Option
	var machineOpts []statemachine.Option
	var engineOpts []workflow.Option
	if hc.clock != nil {
		evalOpts = append(evalOpts, condition.WithClock(hc.clock))
		machineOpts = append(machineOpts, statemachine.WithClock(hc.clock))
		engineOpts = append(engineOpts, workflow.WithClock(hc.clock))
	}

	h.Machine = statemachine.NewMachine(
		h.LifecycleStore, condition.NewEvaluator(evalOpts...), h.Bus, logger, machineOpts...,
	)

	registry := dispatch.NewRegistry(
		dispatch.NewStateDispatcher(h.Machine),
		dispatch.NewDocumentDispatcher(h.Documents.URL(), hc.dispatchTimeout),
		dispatch.NewNotificationDispatcher(h.Notifications.URL(), hc.dispatchTimeout),
		dispatch.NewChainDispatcher(h.Chain.URL(), hc.dispatchTimeout, dispatch.NewMemoryDedupStore()),
	)

	h.Engine = workflow.NewEngine(h.WorkflowStore, registry, h.Bus, logger, engineOpts...)

	h.Aggregator = aggregator.New(logger, aggregator.WithMetrics(metrics))
	h.Bus.Subscribe(h.Aggregator.HandleEvent)
	h.Bus.Subscribe(events.NewMetricsBridge(metrics).HandleEvent)

	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{"RS256"},
	}

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Machine:      h.Machine,
		Engine:       h.Engine,
		Aggregator:   h.Aggregator,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorCode extracts the error code from an error envelope response body.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code
}

// --- Default test claims ---

// OperatorClaims returns TestClaims for an asset_operator user.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-operator",
		TenantID:  "acme-holdings",
		Roles:     []string{"asset_operator"},
	}
}

// ComplianceClaims returns TestClaims for a compliance_officer user.
func ComplianceClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-compliance",
		TenantID:  "acme-holdings",
		Roles:     []string{"compliance_officer"},
	}
}

// ManagerClaims returns TestClaims for an asset_manager user.
func ManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-manager",
		TenantID:  "acme-holdings",
		Roles:     []string{"asset_manager"},
	}
}

// ViewerClaims returns TestClaims for a role-less viewer user.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		TenantID:  "acme-holdings",
		Roles:     []string{"viewer"},
	}
}

// OtherTenantClaims returns TestClaims for a user in a different tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-rival",
		TenantID:  "rival-capital",
		Roles:     []string{"asset_operator", "compliance_officer"},
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
