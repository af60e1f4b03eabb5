package orchestrator

import (
	"context"
	"time"

	"github.com/trueasset/alluse-core/internal/events"
	"github.com/trueasset/alluse-core/pkg/types"
)

// ComponentStatus is one component's probed health.
type ComponentStatus string

const (
	StatusHealthy  ComponentStatus = "HEALTHY"
	StatusDegraded ComponentStatus = "DEGRADED"
	StatusError    ComponentStatus = "ERROR"
)

// ComponentHealth pairs a status with the probe's finding.
type ComponentHealth struct {
	Status ComponentStatus `json:"status"`
	Detail string          `json:"detail,omitempty"`
}

// SystemStatus is the aggregate health view every status query returns;
// a DEGRADED overall status is visible on every one.
type SystemStatus struct {
	Overall    ComponentStatus            `json:"overall"`
	Posture    Posture                    `json:"posture"`
	StartedAt  time.Time                  `json:"startedAt"`
	CheckedAt  time.Time                  `json:"checkedAt"`
	Components map[string]ComponentHealth `json:"components"`
}

// Status returns the most recent health aggregation, probing on demand
// if the health loop has not run yet.
func (o *Orchestrator) Status() SystemStatus {
	o.mu.RLock()
	last := o.lastHealth
	o.mu.RUnlock()
	if last.CheckedAt.IsZero() {
		return o.checkHealth()
	}
	return last
}

// recordSticky marks a component with a sticky error that keeps its
// probe at ERROR until the condition is cleared by an operator restart.
func (o *Orchestrator) recordSticky(component, detail string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sticky[component] = detail
}

// runHealthLoop probes every component on the configured cadence
// and publishes the aggregate on the bus.
func (o *Orchestrator) runHealthLoop(ctx context.Context) {
	interval := o.deps.Config.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := o.checkHealth()
			o.mu.Lock()
			o.lastHealth = status
			o.mu.Unlock()
			o.deps.Bus.Publish(events.TypeHealth, "system", status)
			o.sampleMetrics()
		}
	}
}

// checkHealth runs a real probe per component: last-activity timestamps
// within cadence plus no sticky error state; never an optimistic
// constant.
func (o *Orchestrator) checkHealth() SystemStatus {
	now := time.Now()
	components := make(map[string]ComponentHealth)

	o.mu.RLock()
	sticky := make(map[string]string, len(o.sticky))
	for k, v := range o.sticky {
		sticky[k] = v
	}
	startedAt := o.startedAt
	posture := o.posture
	o.mu.RUnlock()

	// Audit log: durable watermark must exist once the system has started.
	if o.deps.AuditLog.FlushedThrough() == 0 {
		components["audit_log"] = ComponentHealth{Status: StatusError, Detail: "no records durably flushed"}
	} else {
		components["audit_log"] = ComponentHealth{Status: StatusHealthy}
	}

	// Market data: every subscribed symbol should be fresh; a FeedDegraded
	// state on some symbols degrades, on all symbols errors.
	fresh, total := 0, len(o.deps.Config.Symbols)
	for _, sym := range o.deps.Config.Symbols {
		if o.deps.MarketData.Fresh(sym, now) {
			fresh++
		}
	}
	switch {
	case total == 0 || fresh == total:
		components["market_data"] = ComponentHealth{Status: StatusHealthy}
	case fresh > 0:
		components["market_data"] = ComponentHealth{Status: StatusDegraded, Detail: "some symbols stale"}
	default:
		components["market_data"] = ComponentHealth{Status: StatusError, Detail: "all symbols stale"}
	}

	// Execution: dispatcher backlog near capacity degrades; a working
	// order set with no broker events for over a minute degrades.
	execHealth := ComponentHealth{Status: StatusHealthy}
	if o.deps.Execution.QueueDepth() >= o.deps.Config.SubmissionQueueSize*9/10 {
		execHealth = ComponentHealth{Status: StatusDegraded, Detail: "submission queue near capacity"}
	}
	working := 0
	for _, order := range o.deps.Execution.Snapshot() {
		if order.Status == types.OrderStatusSubmitted || order.Status == types.OrderStatusPartiallyFilled {
			working++
		}
	}
	if working > 0 {
		if last := o.deps.Execution.LastEventAt(); !last.IsZero() && now.Sub(last) > time.Minute {
			execHealth = ComponentHealth{Status: StatusDegraded, Detail: "no broker events with orders working"}
		}
	}
	components["execution_engine"] = execHealth

	// Event bus and worker pool: backlog probes.
	if o.deps.Bus.QueueDepth() >= o.deps.Config.EventBusQueueSize*9/10 {
		components["event_bus"] = ComponentHealth{Status: StatusDegraded, Detail: "event queue near capacity"}
	} else {
		components["event_bus"] = ComponentHealth{Status: StatusHealthy}
	}
	if o.deps.Pool != nil {
		if o.deps.Pool.QueueDepth() >= o.deps.Config.WorkerQueueSize*9/10 {
			components["worker_pool"] = ComponentHealth{Status: StatusDegraded, Detail: "task queue near capacity"}
		} else {
			components["worker_pool"] = ComponentHealth{Status: StatusHealthy}
		}
	}

	// Protocol engine and account manager have no queues; their health is
	// their sticky-error state, applied below with everything else's.
	if _, ok := components["protocol_engine"]; !ok {
		components["protocol_engine"] = ComponentHealth{Status: StatusHealthy}
	}
	if _, ok := components["account_manager"]; !ok {
		components["account_manager"] = ComponentHealth{Status: StatusHealthy}
	}

	for component, detail := range sticky {
		components[component] = ComponentHealth{Status: StatusError, Detail: detail}
	}

	overall := StatusHealthy
	for _, h := range components {
		switch h.Status {
		case StatusError:
			overall = StatusError
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}

	return SystemStatus{
		Overall:    overall,
		Posture:    posture,
		StartedAt:  startedAt,
		CheckedAt:  now,
		Components: components,
	}
}

// sampleMetrics copies component snapshots into the Prometheus gauges.
func (o *Orchestrator) sampleMetrics() {
	m := o.deps.Metrics
	if m == nil {
		return
	}

	byStatus := make(map[types.OrderStatus]int)
	for _, order := range o.deps.Execution.Snapshot() {
		byStatus[order.Status]++
	}
	m.OrdersByStatus.Reset()
	for status, n := range byStatus {
		m.OrdersByStatus.WithLabelValues(string(status)).Set(float64(n))
	}

	byLevel := make(map[types.ProtocolLevel]int)
	for _, pos := range o.deps.Accounts.OpenPositions() {
		byLevel[pos.ProtocolLevel]++
	}
	m.PositionsByLevel.Reset()
	for level, n := range byLevel {
		m.PositionsByLevel.WithLabelValues(level.String()).Set(float64(n))
	}

	byState := make(map[types.AccountState]int)
	for _, acc := range o.deps.Accounts.Snapshot() {
		byState[acc.State]++
	}
	m.AccountsByState.Reset()
	for state, n := range byState {
		m.AccountsByState.WithLabelValues(string(state)).Set(float64(n))
	}

	m.QueueDepth.WithLabelValues("submission").Set(float64(o.deps.Execution.QueueDepth()))
	m.QueueDepth.WithLabelValues("event_bus").Set(float64(o.deps.Bus.QueueDepth()))
	if o.deps.Pool != nil {
		m.QueueDepth.WithLabelValues("worker_pool").Set(float64(o.deps.Pool.QueueDepth()))
	}
	m.AuditSeq.Set(float64(o.deps.AuditLog.FlushedThrough()))
	_, dropped, _ := o.deps.Bus.Stats()
	m.EventsDropped.Set(float64(dropped))

	status := o.Status()
	for name, h := range status.Components {
		v := 1.0
		switch h.Status {
		case StatusDegraded:
			v = 0.5
		case StatusError:
			v = 0
		}
		m.HealthStatus.WithLabelValues(name).Set(v)
	}
}
