// Package dispatch routes workflow actions to their external collaborators:
// the state machine, the document and notification services, the chain
// gateway, and OpenAPI-described third-party services. Dispatchers own their
// HTTP timeouts; the workflow engine never blocks on unbounded I/O.
package dispatch

import (
	"context"
	"fmt"

	"github.com/tangible-labs/assetcycle/model"
)

// Dispatcher executes one kind of workflow action.
type Dispatcher interface {
	// Supports reports whether this dispatcher handles the action type.
	Supports(actionType model.ActionType) bool

	// Dispatch executes the action and returns its result payload.
	Dispatch(ctx context.Context, rctx *model.RequestContext, assetID string, action model.WorkflowAction) (map[string]any, error)
}

// Registry routes actions to the first dispatcher that supports their type.
type Registry struct {
	dispatchers []Dispatcher
}

// NewRegistry creates a registry over the given dispatchers.
func NewRegistry(dispatchers ...Dispatcher) *Registry {
	return &Registry{dispatchers: dispatchers}
}

// Register appends a dispatcher to the registry.
func (r *Registry) Register(d Dispatcher) {
	r.dispatchers = append(r.dispatchers, d)
}

// Dispatch routes the action to a supporting dispatcher.
func (r *Registry) Dispatch(ctx context.Context, rctx *model.RequestContext, assetID string, action model.WorkflowAction) (map[string]any, error) {
	for _, d := range r.dispatchers {
		if d.Supports(action.Type) {
			return d.Dispatch(ctx, rctx, assetID, action)
		}
	}
	return nil, fmt.Errorf("dispatch: no dispatcher registered for action type %q", action.Type)
}
