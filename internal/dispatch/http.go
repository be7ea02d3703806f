package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tangible-labs/assetcycle/internal/observability"
	"github.com/tangible-labs/assetcycle/model"
)

const maxResponseBytes = 10 << 20 // 10MB

// httpCaller posts JSON payloads to a collaborator service with identity and
// trace headers. Shared by the document, notification, and chain dispatchers.
type httpCaller struct {
	baseURL string
	client  *http.Client
}

func newHTTPCaller(baseURL string, timeout time.Duration) httpCaller {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return httpCaller{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// postJSON sends the payload and decodes a JSON object response. Non-2xx
// statuses are errors.
func (c httpCaller) postJSON(ctx context.Context, rctx *model.RequestContext, path string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if rctx != nil {
		req.Header.Set("X-Tenant-Id", sanitizeHeader(rctx.TenantID))
		req.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		req.Header.Set("X-Request-Subject", sanitizeHeader(rctx.SubjectID))
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("dispatch: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dispatch: %s returned status %d", path, resp.StatusCode)
	}

	result := map[string]any{"status_code": resp.StatusCode}
	if len(respBody) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			for k, v := range parsed {
				result[k] = v
			}
		}
	}
	return result, nil
}

// sanitizeHeader strips newlines and carriage returns to prevent header
// injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// DocumentDispatcher handles create_document actions by posting to the
// document service. Parameters become the document request payload.
type DocumentDispatcher struct {
	caller httpCaller
}

// NewDocumentDispatcher creates a document dispatcher for the given service
// base URL.
func NewDocumentDispatcher(baseURL string, timeout time.Duration) *DocumentDispatcher {
	return &DocumentDispatcher{caller: newHTTPCaller(baseURL, timeout)}
}

// Supports reports whether the action type is create_document.
func (d *DocumentDispatcher) Supports(actionType model.ActionType) bool {
	return actionType == model.ActionCreateDocument
}

// Dispatch posts the document request.
func (d *DocumentDispatcher) Dispatch(ctx context.Context, rctx *model.RequestContext, assetID string, action model.WorkflowAction) (map[string]any, error) {
	payload := map[string]any{"asset_id": assetID}
	for k, v := range action.Parameters {
		payload[k] = v
	}
	return d.caller.postJSON(ctx, rctx, "/v1/documents", payload)
}

// NotificationDispatcher handles send_notification actions by posting to the
// notification webhook.
type NotificationDispatcher struct {
	caller httpCaller
}

// NewNotificationDispatcher creates a notification dispatcher for the given
// webhook base URL.
func NewNotificationDispatcher(baseURL string, timeout time.Duration) *NotificationDispatcher {
	return &NotificationDispatcher{caller: newHTTPCaller(baseURL, timeout)}
}

// Supports reports whether the action type is send_notification.
func (d *NotificationDispatcher) Supports(actionType model.ActionType) bool {
	return actionType == model.ActionSendNotification
}

// Dispatch posts the notification.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, rctx *model.RequestContext, assetID string, action model.WorkflowAction) (map[string]any, error) {
	payload := map[string]any{"asset_id": assetID}
	for k, v := range action.Parameters {
		payload[k] = v
	}
	return d.caller.postJSON(ctx, rctx, "/v1/notifications", payload)
}
