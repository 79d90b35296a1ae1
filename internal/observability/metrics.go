package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	laneQueueDepth *prometheus.GaugeVec
	laneCallsTotal *prometheus.CounterVec
	laneCallTime   *prometheus.HistogramVec
	activeLanes    prometheus.Gauge
	laneEvictions  prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolRejectionsTotal   *prometheus.CounterVec

	policyDecisionsTotal *prometheus.CounterVec

	guardLoopsTotal        prometheus.Counter
	guardCompressionsTotal prometheus.Counter
	guardHardStopsTotal    prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneQueueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "lane_queue_depth",
					Help: "Current number of queued calls by lane.",
				},
				[]string{"lane"},
			),
			laneCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lane_calls_total",
					Help: "Completed lane calls by mode (serial, parallel) and status.",
				},
				[]string{"mode", "status"},
			),
			laneCallTime: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lane_call_duration_seconds",
					Help:    "Lane call duration in seconds by mode.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"mode"},
			),
			activeLanes: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "lanes_active",
					Help: "Current number of lanes held by the lane manager.",
				},
			),
			laneEvictions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "lane_evictions_total",
					Help: "Idle lanes evicted by the lane manager.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool dispatches by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolRejectionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_rejections_total",
					Help: "Calls rejected before dispatch by tool and error kind.",
				},
				[]string{"tool", "kind"},
			),
			policyDecisionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "policy_decisions_total",
					Help: "Policy gate decisions by outcome.",
				},
				[]string{"outcome"},
			),
			guardLoopsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "guard_loops_detected_total",
					Help: "Action loops flagged by the resource guard.",
				},
			),
			guardCompressionsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "guard_compressions_total",
					Help: "Texts compressed by the resource guard.",
				},
			),
			guardHardStopsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "guard_hard_stops_total",
					Help: "Iteration or wall-clock hard stops issued by the resource guard.",
				},
			),
		}

		prometheus.MustRegister(
			m.laneQueueDepth,
			m.laneCallsTotal,
			m.laneCallTime,
			m.activeLanes,
			m.laneEvictions,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolRejectionsTotal,
			m.policyDecisionsTotal,
			m.guardLoopsTotal,
			m.guardCompressionsTotal,
			m.guardHardStopsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default prometheus registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func SetLaneQueueDepth(lane string, depth int) {
	getMetrics().laneQueueDepth.WithLabelValues(lane).Set(float64(depth))
}

// DeleteLane drops per-lane series once a lane is closed.
func DeleteLane(lane string) {
	getMetrics().laneQueueDepth.DeleteLabelValues(lane)
}

func RecordLaneCall(mode string, duration time.Duration, success bool) {
	m := getMetrics()
	m.laneCallsTotal.WithLabelValues(mode, statusLabel(success)).Inc()
	m.laneCallTime.WithLabelValues(mode).Observe(duration.Seconds())
}

func SetActiveLanes(count int) {
	getMetrics().activeLanes.Set(float64(count))
}

func RecordLaneEvictions(count int) {
	getMetrics().laneEvictions.Add(float64(count))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordToolRejection(tool, kind string) {
	getMetrics().toolRejectionsTotal.WithLabelValues(tool, kind).Inc()
}

func RecordPolicyDecision(allowed bool) {
	outcome := "blocked"
	if allowed {
		outcome = "allowed"
	}
	getMetrics().policyDecisionsTotal.WithLabelValues(outcome).Inc()
}

func RecordGuardLoop() {
	getMetrics().guardLoopsTotal.Inc()
}

func RecordGuardCompression() {
	getMetrics().guardCompressionsTotal.Inc()
}

func RecordGuardHardStop() {
	getMetrics().guardHardStopsTotal.Inc()
}
