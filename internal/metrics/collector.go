package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the engine's Prometheus instruments. A nil *Collector is
// safe to call everywhere, so metrics stay optional in tests and one-shot
// runs.
type Collector struct {
	registry *prometheus.Registry

	workflowsSeeded    prometheus.Counter
	workflowsFinished  *prometheus.CounterVec
	workflowDuration   prometheus.Histogram
	statesExecuted     *prometheus.CounterVec
	stateDuration      *prometheus.HistogramVec
	stateRetries       prometheus.Counter
	leaseAcquired      prometheus.Counter
	leaseConflicts     prometheus.Counter
	leasesReclaimed    prometheus.Counter
	fenceRejections    prometheus.Counter
	nudgesDispatched   *prometheus.CounterVec
	nudgesDropped      prometheus.Counter
	capabilityGaps     prometheus.Counter
	capabilityLoads    *prometheus.CounterVec
	capabilityEscalate prometheus.Counter
	toolCalls          *prometheus.CounterVec
	toolDuration       *prometheus.HistogramVec
	executorsActive    prometheus.Gauge
}

// NewCollector creates a collector backed by its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		workflowsSeeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_workflows_seeded_total",
			Help: "Total number of workflow runs seeded",
		}),
		workflowsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_workflows_finished_total",
			Help: "Total number of workflow runs finished",
		}, []string{"status"}),
		workflowDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "weft_workflow_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		statesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_states_executed_total",
			Help: "Total number of state executions",
		}, []string{"state_type", "status"}),
		stateDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weft_state_duration_seconds",
			Help:    "State execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"state_type"}),
		stateRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_state_retries_total",
			Help: "Total number of state retry cycles",
		}),
		leaseAcquired: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_leases_acquired_total",
			Help: "Total number of lease acquisitions",
		}),
		leaseConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_lease_conflicts_total",
			Help: "Total number of lease acquisition conflicts",
		}),
		leasesReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_leases_reclaimed_total",
			Help: "Total number of expired leases reclaimed by the sweeper",
		}),
		fenceRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_fence_rejections_total",
			Help: "Total number of stale-token writes rejected by the fence",
		}),
		nudgesDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_nudges_dispatched_total",
			Help: "Total number of notifications dispatched",
		}, []string{"reason"}),
		nudgesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_nudges_dropped_total",
			Help: "Total number of redundant or already-seen notifications dropped",
		}),
		capabilityGaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_capability_gaps_total",
			Help: "Total number of capability gaps declared",
		}),
		capabilityLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_capability_loads_total",
			Help: "Total number of capability load attempts",
		}, []string{"outcome"}),
		capabilityEscalate: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_capability_escalations_total",
			Help: "Total number of alternative-descriptor escalations",
		}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_tool_calls_total",
			Help: "Total number of tool invocations",
		}, []string{"tool", "outcome"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weft_tool_duration_seconds",
			Help:    "Tool invocation duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15},
		}, []string{"tool"}),
		executorsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "weft_executors_active",
			Help: "Number of executors currently in the fleet",
		}),
	}
}

// Registry exposes the backing registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) WorkflowSeeded() {
	if c == nil {
		return
	}
	c.workflowsSeeded.Inc()
}

func (c *Collector) WorkflowFinished(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.workflowsFinished.WithLabelValues(status).Inc()
	c.workflowDuration.Observe(duration.Seconds())
}

func (c *Collector) StateExecuted(stateType, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.statesExecuted.WithLabelValues(stateType, status).Inc()
	c.stateDuration.WithLabelValues(stateType).Observe(duration.Seconds())
}

func (c *Collector) StateRetried() {
	if c == nil {
		return
	}
	c.stateRetries.Inc()
}

func (c *Collector) LeaseAcquired() {
	if c == nil {
		return
	}
	c.leaseAcquired.Inc()
}

func (c *Collector) LeaseConflict() {
	if c == nil {
		return
	}
	c.leaseConflicts.Inc()
}

func (c *Collector) LeasesReclaimed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.leasesReclaimed.Add(float64(n))
}

func (c *Collector) FenceRejected() {
	if c == nil {
		return
	}
	c.fenceRejections.Inc()
}

func (c *Collector) NudgeDispatched(reason string) {
	if c == nil {
		return
	}
	c.nudgesDispatched.WithLabelValues(reason).Inc()
}

func (c *Collector) NudgeDropped() {
	if c == nil {
		return
	}
	c.nudgesDropped.Inc()
}

func (c *Collector) CapabilityGap() {
	if c == nil {
		return
	}
	c.capabilityGaps.Inc()
}

func (c *Collector) CapabilityLoaded(outcome string) {
	if c == nil {
		return
	}
	c.capabilityLoads.WithLabelValues(outcome).Inc()
}

func (c *Collector) CapabilityEscalated() {
	if c == nil {
		return
	}
	c.capabilityEscalate.Inc()
}

func (c *Collector) ToolCalled(tool, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.toolCalls.WithLabelValues(tool, outcome).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func (c *Collector) SetExecutorsActive(n int) {
	if c == nil {
		return
	}
	c.executorsActive.Set(float64(n))
}
