package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/tangible-labs/assetcycle/internal/observability"
	"github.com/tangible-labs/assetcycle/model"
)

// SpecSource describes an OpenAPI spec file to load into the index.
type SpecSource struct {
	ServiceID string
	BaseURL   string
	SpecPath  string
}

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	ServiceID    string
	OperationID  string
	Method       string
	PathTemplate string
	BaseURL      string
}

// OperationIndex is an in-memory index of OpenAPI operations keyed by
// (serviceID, operationID).
type OperationIndex struct {
	operations map[string]IndexedOperation
}

// NewOperationIndex creates an empty index.
func NewOperationIndex() *OperationIndex {
	return &OperationIndex{operations: make(map[string]IndexedOperation)}
}

func operationKey(serviceID, operationID string) string {
	return serviceID + ":" + operationID
}

// Load parses OpenAPI specs from the given sources and indexes every
// operation that declares an operationId.
func (idx *OperationIndex) Load(specs []SpecSource) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	for _, src := range specs {
		doc, err := loader.LoadFromFile(src.SpecPath)
		if err != nil {
			return fmt.Errorf("dispatch: loading spec %s (%s): %w", src.ServiceID, src.SpecPath, err)
		}
		if err := doc.Validate(context.Background()); err != nil {
			return fmt.Errorf("dispatch: validating spec %s: %w", src.ServiceID, err)
		}

		baseURL := src.BaseURL
		if baseURL == "" && len(doc.Servers) > 0 {
			baseURL = doc.Servers[0].URL
		}

		for path, pathItem := range doc.Paths.Map() {
			for method, op := range pathItem.Operations() {
				if op.OperationID == "" {
					continue
				}
				idx.operations[operationKey(src.ServiceID, op.OperationID)] = IndexedOperation{
					ServiceID:    src.ServiceID,
					OperationID:  op.OperationID,
					Method:       method,
					PathTemplate: path,
					BaseURL:      baseURL,
				}
			}
		}
	}
	return nil
}

// Get returns the indexed operation for the given service and operation ID.
func (idx *OperationIndex) Get(serviceID, operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationKey(serviceID, operationID)]
	return op, ok
}

// APIDispatcher handles external_api_call actions by resolving the target
// operation from the OpenAPI index and executing the HTTP call. Parameters:
// service and operation (required), path_params, query, body.
type APIDispatcher struct {
	index  *OperationIndex
	client *http.Client
}

// NewAPIDispatcher creates an API dispatcher over the given index.
func NewAPIDispatcher(index *OperationIndex, timeout time.Duration) *APIDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIDispatcher{
		index: index,
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

// Supports reports whether the action type is external_api_call.
func (d *APIDispatcher) Supports(actionType model.ActionType) bool {
	return actionType == model.ActionExternalAPICall
}

// Dispatch resolves the operation and executes it.
func (d *APIDispatcher) Dispatch(ctx context.Context, rctx *model.RequestContext, assetID string, action model.WorkflowAction) (map[string]any, error) {
	serviceID, _ := action.Parameters["service"].(string)
	operationID, _ := action.Parameters["operation"].(string)
	if serviceID == "" || operationID == "" {
		return nil, fmt.Errorf("dispatch: external_api_call action needs service and operation parameters")
	}

	op, ok := d.index.Get(serviceID, operationID)
	if !ok {
		return nil, fmt.Errorf("dispatch: operation %s/%s not found in OpenAPI index", serviceID, operationID)
	}

	reqURL := buildOperationURL(op, action.Parameters)

	var body io.Reader
	if payload, ok := action.Parameters["body"].(map[string]any); ok {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("dispatch: marshal body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if rctx != nil {
		req.Header.Set("X-Tenant-Id", sanitizeHeader(rctx.TenantID))
		req.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("dispatch: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dispatch: %s/%s returned status %d", serviceID, operationID, resp.StatusCode)
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

// buildOperationURL substitutes path parameters and appends query parameters.
func buildOperationURL(op IndexedOperation, params map[string]any) string {
	path := op.PathTemplate
	if pathParams, ok := params["path_params"].(map[string]any); ok {
		for name, value := range pathParams {
			path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(fmt.Sprint(value)))
		}
	}

	result := op.BaseURL + path
	if query, ok := params["query"].(map[string]any); ok && len(query) > 0 {
		values := url.Values{}
		for k, v := range query {
			values.Set(k, fmt.Sprint(v))
		}
		result += "?" + values.Encode()
	}
	return result
}
