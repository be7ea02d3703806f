package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockService is a configurable HTTP test server that simulates one of the
// engine's collaborator services (documents, notifications, chain gateway).
// It allows configuring per-route responses and records all received requests
// for later assertion.
type MockService struct {
	t         *testing.T
	serviceID string
	server    *httptest.Server

	mu           sync.RWMutex
	routes       map[string]*routeConfig
	receivedByRt map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by a mock service.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     http.Header
	Body        map[string]any
	RawBody     []byte
	ReceivedAt  time.Time
}

// routeConfig holds the configured responses for a single route.
type routeConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// RouteMock is a builder for configuring mock responses for a specific route.
type RouteMock struct {
	service *MockService
	name    string
}

// newMockService creates a mock service and starts its HTTP test server. The
// routePaths map route names to "METHOD /path" patterns.
func newMockService(t *testing.T, serviceID string, routePaths map[string]string) *MockService {
	t.Helper()

	ms := &MockService{
		t:            t,
		serviceID:    serviceID,
		routes:       make(map[string]*routeConfig),
		receivedByRt: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	for name, pattern := range routePaths {
		mux.HandleFunc(pattern, ms.handleRoute(name))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": fmt.Sprintf("mock %s: no route registered for %s %s", serviceID, r.Method, r.URL.Path),
		})
	})

	ms.server = httptest.NewServer(mux)
	t.Cleanup(ms.server.Close)

	return ms
}

// URL returns the base URL of the mock service.
func (ms *MockService) URL() string {
	return ms.server.URL
}

// On returns a builder for configuring responses for the named route.
func (ms *MockService) On(route string) *RouteMock {
	return &RouteMock{service: ms, name: route}
}

// RespondWith configures the route to respond with the given status and body.
func (rm *RouteMock) RespondWith(status int, body any) *RouteMock {
	rm.service.addResponse(rm.name, &mockResponse{status: status, body: body})
	return rm
}

// RespondWithDelay configures a delayed response to simulate a slow service.
func (rm *RouteMock) RespondWithDelay(delay time.Duration, status int, body any) *RouteMock {
	rm.service.addResponse(rm.name, &mockResponse{status: status, body: body, delay: delay})
	return rm
}

// RespondWithConnectionError configures the route to close the connection to
// simulate a service failure.
func (rm *RouteMock) RespondWithConnectionError() *RouteMock {
	rm.service.addResponse(rm.name, &mockResponse{connError: true})
	return rm
}

func (ms *MockService) addResponse(route string, resp *mockResponse) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cfg, ok := ms.routes[route]
	if !ok {
		cfg = &routeConfig{}
		ms.routes[route] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (ms *MockService) handleRoute(route string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			QueryParams: make(map[string]string),
			Headers:     r.Header.Clone(),
			ReceivedAt:  time.Now(),
		}
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				rec.QueryParams[key] = values[0]
			}
		}
		if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			rec.RawBody = body
			if len(body) > 0 {
				var parsed map[string]any
				if err := json.Unmarshal(body, &parsed); err == nil {
					rec.Body = parsed
				}
			}
		}

		ms.mu.Lock()
		ms.receivedByRt[route] = append(ms.receivedByRt[route], rec)
		ms.mu.Unlock()

		resp := ms.getNextResponse(route)
		if resp == nil {
			// Unconfigured routes accept everything.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			return
		}

		if resp.connError {
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				if conn != nil {
					conn.Close()
				}
			}
			return
		}

		if resp.delay > 0 {
			time.Sleep(resp.delay)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		if resp.body != nil {
			json.NewEncoder(w).Encode(resp.body)
		}
	}
}

func (ms *MockService) getNextResponse(route string) *mockResponse {
	ms.mu.RLock()
	cfg, ok := ms.routes[route]
	ms.mu.RUnlock()
	if !ok || cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}

	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the route was called the expected number of times.
func (ms *MockService) AssertCalled(t *testing.T, route string, expectedCount int) {
	t.Helper()
	ms.mu.RLock()
	actual := len(ms.receivedByRt[route])
	ms.mu.RUnlock()
	if actual != expectedCount {
		t.Errorf("mock %s: route %q called %d times, want %d", ms.serviceID, route, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the route was never called.
func (ms *MockService) AssertNotCalled(t *testing.T, route string) {
	t.Helper()
	ms.AssertCalled(t, route, 0)
}

// LastRequest returns the last request received on the given route, or nil.
func (ms *MockService) LastRequest(route string) *RecordedRequest {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	reqs := ms.receivedByRt[route]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns all requests received on the given route.
func (ms *MockService) AllRequests(route string) []*RecordedRequest {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	reqs := ms.receivedByRt[route]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// Reset clears all recorded requests and configured responses.
func (ms *MockService) Reset() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.routes = make(map[string]*routeConfig)
	ms.receivedByRt = make(map[string][]*RecordedRequest)
}

// documentRoutes returns the route table for the mock document service.
func documentRoutes() map[string]string {
	return map[string]string{"createDocument": "POST /v1/documents"}
}

// notificationRoutes returns the route table for the mock notification service.
func notificationRoutes() map[string]string {
	return map[string]string{"sendNotification": "POST /v1/notifications"}
}

// chainRoutes returns the route table for the mock chain gateway.
func chainRoutes() map[string]string {
	return map[string]string{"submitTransaction": "POST /v1/transactions"}
}
