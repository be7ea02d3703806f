// Package aggregator maintains per-asset statistics and operator alerts
// derived from the domain event stream. It subscribes to the event bus and
// never calls back into the engines.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tangible-labs/assetcycle/internal/observability"
	"github.com/tangible-labs/assetcycle/model"
)

// Aggregator folds transition and workflow events into AssetStats and Alerts.
// All state is held in memory; counters restart with the process.
type Aggregator struct {
	mu sync.RWMutex

	stats  map[string]*model.AssetStats // assetID -> stats
	tenant map[string]string            // assetID -> tenantID, learned from StateChanged

	alerts     map[string]*model.Alert
	alertOrder []string

	// overdueSeen dedupes step_deadline alerts: the sweep re-flags a late
	// step on every run, the operator needs one alert per step.
	overdueSeen map[string]struct{}

	// Downtime bookkeeping for uptime percentage.
	firstSeen        map[string]time.Time
	maintenanceSince map[string]time.Time
	downtime         map[string]time.Duration
	maintenanceCost  map[string]float64

	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithMetrics wires Prometheus instruments into the aggregator.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// New creates an empty Aggregator.
func New(logger *zap.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		stats:            make(map[string]*model.AssetStats),
		tenant:           make(map[string]string),
		alerts:           make(map[string]*model.Alert),
		overdueSeen:      make(map[string]struct{}),
		firstSeen:        make(map[string]time.Time),
		maintenanceSince: make(map[string]time.Time),
		downtime:         make(map[string]time.Duration),
		maintenanceCost:  make(map[string]float64),
		logger:           logger,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// HandleEvent is the bus subscription entry point.
func (a *Aggregator) HandleEvent(_ context.Context, evt model.Event) {
	switch e := evt.(type) {
	case model.StateChanged:
		a.onStateChanged(e)
	case model.TransitionExpired:
		a.onTransitionExpired(e)
	case model.StepOverdue:
		a.onStepOverdue(e)
	case model.WorkflowFailed:
		a.onWorkflowFailed(e)
	}
}

func (a *Aggregator) onStateChanged(e model.StateChanged) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	st := a.statsLocked(e.AssetID)
	if e.Record.TenantID != "" {
		a.tenant[e.AssetID] = e.Record.TenantID
	}
	if _, ok := a.firstSeen[e.AssetID]; !ok {
		a.firstSeen[e.AssetID] = now
	}

	// Leaving maintenance closes the open downtime window.
	if e.From == model.StateUnderMaintenance {
		if since, ok := a.maintenanceSince[e.AssetID]; ok {
			a.downtime[e.AssetID] += now.Sub(since)
			delete(a.maintenanceSince, e.AssetID)
		}
	}

	switch e.To {
	case model.StateUnderMaintenance:
		st.MaintenanceEvents++
		st.DowntimeEvents++
		a.maintenanceSince[e.AssetID] = now
		if cost, ok := numericMetadata(e.Record.Metadata, "cost"); ok {
			a.maintenanceCost[e.AssetID] += cost
		}
		if st.MaintenanceEvents > 0 {
			st.AverageMaintenanceCost = a.maintenanceCost[e.AssetID] / float64(st.MaintenanceEvents)
		}
	case model.StateInsured:
		if _, ok := e.Record.Metadata["claim_id"]; ok {
			st.InsuranceClaims++
		}
	case model.StateTransferred:
		st.OwnershipTransfers++
	}

	st.TotalUptimePercentage = a.uptimeLocked(e.AssetID, now)
	st.UpdatedAt = now
}

// uptimeLocked computes the share of observed time the asset spent outside
// maintenance. 100 until the first observation window has any length.
func (a *Aggregator) uptimeLocked(assetID string, now time.Time) float64 {
	first, ok := a.firstSeen[assetID]
	if !ok {
		return 100
	}
	elapsed := now.Sub(first)
	if elapsed <= 0 {
		return 100
	}
	down := a.downtime[assetID]
	if since, open := a.maintenanceSince[assetID]; open {
		down += now.Sub(since)
	}
	pct := 100 * (1 - down.Seconds()/elapsed.Seconds())
	if pct < 0 {
		return 0
	}
	return pct
}

func (a *Aggregator) onTransitionExpired(e model.TransitionExpired) {
	var due *time.Time
	for i := range e.Transition.Conditions {
		c := &e.Transition.Conditions[i]
		if c.Required && !c.Satisfied && c.Deadline != nil {
			if due == nil || c.Deadline.Before(*due) {
				due = c.Deadline
			}
		}
	}

	a.raise(&model.Alert{
		AssetID:  e.AssetID,
		TenantID: e.Transition.TenantID,
		Kind:     model.AlertConditionDeadline,
		Severity: model.SeverityWarning,
		Message: fmt.Sprintf("transition %s -> %s expired with unsatisfied required conditions",
			e.Transition.From, e.Transition.To),
		DueDate: due,
	})
}

func (a *Aggregator) onStepOverdue(e model.StepOverdue) {
	key := e.WorkflowID + "/" + e.StepID

	a.mu.Lock()
	if _, seen := a.overdueSeen[key]; seen {
		a.mu.Unlock()
		return
	}
	a.overdueSeen[key] = struct{}{}
	a.mu.Unlock()

	deadline := e.Deadline
	a.raise(&model.Alert{
		AssetID:  e.AssetID,
		Kind:     model.AlertStepDeadline,
		Severity: model.SeverityWarning,
		Message:  fmt.Sprintf("workflow %s step %s is past its deadline", e.WorkflowID, e.StepID),
		DueDate:  &deadline,
	})
}

func (a *Aggregator) onWorkflowFailed(e model.WorkflowFailed) {
	a.raise(&model.Alert{
		AssetID:  e.AssetID,
		Kind:     model.AlertWorkflowFailed,
		Severity: model.SeverityCritical,
		Message:  fmt.Sprintf("workflow %s failed at step %s: %s", e.WorkflowID, e.StepID, e.Reason),
	})
}

func (a *Aggregator) raise(alert *model.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alert.ID = uuid.NewString()
	alert.CreatedAt = a.now()
	if alert.TenantID == "" {
		alert.TenantID = a.tenant[alert.AssetID]
	}

	a.alerts[alert.ID] = alert
	a.alertOrder = append(a.alertOrder, alert.ID)

	if a.metrics != nil {
		a.metrics.RecordAlertRaised(alert.Kind, alert.Severity)
	}
	a.logger.Warn("alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("asset_id", alert.AssetID),
		zap.String("kind", alert.Kind),
		zap.String("severity", alert.Severity),
	)
}

// Acknowledge marks an alert as handled. Acknowledging twice is a no-op.
func (a *Aggregator) Acknowledge(rctx *model.RequestContext, alertID string) (*model.Alert, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alert, ok := a.alerts[alertID]
	if !ok || !visibleTo(alert, rctx) {
		return nil, model.NewNotFoundError(fmt.Sprintf("alert %s not found", alertID))
	}
	if !alert.Acknowledged {
		alert.Acknowledged = true
		if a.metrics != nil {
			a.metrics.RecordAlertAcknowledged(alert.Severity)
		}
	}
	copied := *alert
	return &copied, nil
}

// AlertFilters narrows the Alerts listing.
type AlertFilters struct {
	AssetID        string
	Kind           string
	Unacknowledged bool
}

// Alerts returns the tenant's alerts in raise order, newest last.
func (a *Aggregator) Alerts(rctx *model.RequestContext, filters AlertFilters) []model.Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]model.Alert, 0, len(a.alertOrder))
	for _, id := range a.alertOrder {
		alert := a.alerts[id]
		if !visibleTo(alert, rctx) {
			continue
		}
		if filters.AssetID != "" && alert.AssetID != filters.AssetID {
			continue
		}
		if filters.Kind != "" && alert.Kind != filters.Kind {
			continue
		}
		if filters.Unacknowledged && alert.Acknowledged {
			continue
		}
		out = append(out, *alert)
	}
	return out
}

// Stats returns the aggregated statistics for one asset.
func (a *Aggregator) Stats(rctx *model.RequestContext, assetID string) (*model.AssetStats, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st, ok := a.stats[assetID]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("no statistics for asset %s", assetID))
	}
	if rctx != nil {
		if tenant, known := a.tenant[assetID]; known && tenant != rctx.TenantID {
			return nil, model.NewNotFoundError(fmt.Sprintf("no statistics for asset %s", assetID))
		}
	}
	copied := *st
	return &copied, nil
}

// AllStats returns statistics for every asset of the tenant, ordered by
// asset ID for stable output.
func (a *Aggregator) AllStats(rctx *model.RequestContext) []model.AssetStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]model.AssetStats, 0, len(a.stats))
	for assetID, st := range a.stats {
		if rctx != nil {
			if tenant, known := a.tenant[assetID]; known && tenant != rctx.TenantID {
				continue
			}
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

func (a *Aggregator) statsLocked(assetID string) *model.AssetStats {
	st, ok := a.stats[assetID]
	if !ok {
		st = &model.AssetStats{AssetID: assetID, TotalUptimePercentage: 100}
		a.stats[assetID] = st
	}
	return st
}

// visibleTo reports whether the alert belongs to the caller's tenant. Alerts
// with no tenant (workflow events carry none until the asset is seen) stay
// visible to everyone.
func visibleTo(alert *model.Alert, rctx *model.RequestContext) bool {
	if rctx == nil || alert.TenantID == "" {
		return true
	}
	return alert.TenantID == rctx.TenantID
}

func numericMetadata(md map[string]any, key string) (float64, bool) {
	if md == nil {
		return 0, false
	}
	switch v := md[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
