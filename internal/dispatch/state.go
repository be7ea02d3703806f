package dispatch

import (
	"context"
	"fmt"

	"github.com/tangible-labs/assetcycle/model"
)

// TransitionRequester is the slice of the state machine the state dispatcher
// needs.
type TransitionRequester interface {
	RequestTransition(ctx context.Context, rctx *model.RequestContext, assetID string, to model.LifecycleState, reason string, metadata map[string]any) (model.TransitionResult, error)
}

// StateDispatcher handles update_state actions by requesting a lifecycle
// transition on the step's asset. Parameters: to_state (required), reason,
// metadata.
type StateDispatcher struct {
	machine TransitionRequester
}

// NewStateDispatcher creates a state dispatcher over the given machine.
func NewStateDispatcher(machine TransitionRequester) *StateDispatcher {
	return &StateDispatcher{machine: machine}
}

// Supports reports whether the action type is update_state.
func (d *StateDispatcher) Supports(actionType model.ActionType) bool {
	return actionType == model.ActionUpdateState
}

// Dispatch requests the transition named by the action parameters.
func (d *StateDispatcher) Dispatch(ctx context.Context, rctx *model.RequestContext, assetID string, action model.WorkflowAction) (map[string]any, error) {
	toState, _ := action.Parameters["to_state"].(string)
	if toState == "" {
		return nil, fmt.Errorf("dispatch: update_state action needs a to_state parameter")
	}
	reason, _ := action.Parameters["reason"].(string)
	metadata, _ := action.Parameters["metadata"].(map[string]any)

	result, err := d.machine.RequestTransition(ctx, rctx, assetID, model.LifecycleState(toState), reason, metadata)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"committed": result.Committed}
	if result.Committed {
		out["record_id"] = result.Record.ID
		out["state"] = string(result.Record.State)
	} else {
		out["pending_transition_id"] = result.Pending.ID
	}
	return out, nil
}
