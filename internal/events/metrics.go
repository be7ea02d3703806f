package events

import (
	"context"
	"sync"

	"github.com/tangible-labs/assetcycle/internal/observability"
	"github.com/tangible-labs/assetcycle/model"
)

// MetricsBridge translates domain events into Prometheus metric records. It
// tracks the set of open pending transitions so the gauge only moves for
// transitions it has actually counted.
type MetricsBridge struct {
	metrics *observability.Metrics

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewMetricsBridge creates a bridge over the given metrics set.
func NewMetricsBridge(metrics *observability.Metrics) *MetricsBridge {
	return &MetricsBridge{
		metrics: metrics,
		pending: make(map[string]struct{}),
	}
}

// HandleEvent is the Bus handler. Unknown events are ignored.
func (b *MetricsBridge) HandleEvent(_ context.Context, evt model.Event) {
	switch e := evt.(type) {
	case model.StateChanged:
		// Initialization records have no From state and are not transitions.
		if e.From != "" {
			b.metrics.RecordTransition(string(e.From), string(e.To), "committed")
		}
		b.resolvePending(e.TransitionID)
	case model.TransitionPending:
		b.metrics.RecordTransition(string(e.Transition.From), string(e.Transition.To), "pending")
		b.trackPending(e.Transition.ID)
	case model.TransitionExpired:
		b.metrics.RecordTransitionExpired(string(e.Transition.From), string(e.Transition.To))
		b.resolvePending(e.Transition.ID)
	case model.ConditionFulfilled:
		b.metrics.RecordConditionFulfilled(string(e.Condition.Type))
	case model.WorkflowCreated:
		b.metrics.RecordWorkflowStart(e.Type)
	case model.WorkflowCompleted:
		b.metrics.RecordWorkflowCompletion(e.Type, "completed")
	case model.WorkflowFailed:
		b.metrics.RecordWorkflowCompletion(e.Type, "failed")
	case model.WorkflowCancelled:
		b.metrics.RecordWorkflowCompletion(e.Type, "cancelled")
	case model.StepCompleted:
		b.metrics.RecordStepCompletion(e.Type)
	case model.StepFailed:
		b.metrics.RecordStepFailure(e.Type)
	case model.StepOverdue:
		b.metrics.RecordStepOverdue(e.Type)
	}
}

func (b *MetricsBridge) trackPending(transitionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[transitionID] = struct{}{}
	b.metrics.SetPendingTransitions(float64(len(b.pending)))
}

// resolvePending removes a tracked transition. Transitions that committed
// immediately were never tracked and leave the gauge alone.
func (b *MetricsBridge) resolvePending(transitionID string) {
	if transitionID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[transitionID]; !ok {
		return
	}
	delete(b.pending, transitionID)
	b.metrics.SetPendingTransitions(float64(len(b.pending)))
}
