package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions     prometheus.Gauge
	sessionsTotal      *prometheus.CounterVec
	outboundFrameTotal *prometheus.CounterVec
	correlationTotal   *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	stepsTotal        prometheus.Counter

	registryResolveTotal *prometheus.CounterVec
	registryCacheEntries prometheus.Gauge

	usageDeniedTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "agentgate_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_dequeue_total",
					Help: "Total dequeue/completion operations by status.",
				},
				[]string{"status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentgate_task_duration_seconds",
					Help:    "Lane task execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentgate_active_sessions",
					Help: "Current live session count.",
				},
			),
			sessionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_sessions_completed_total",
					Help: "Completed sessions by completion reason.",
				},
				[]string{"reason"},
			),
			outboundFrameTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_outbound_frames_total",
					Help: "Outbound frames by kind and delivery status.",
				},
				[]string{"kind", "status"},
			),
			correlationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_client_tool_calls_total",
					Help: "Out-of-band client tool calls by outcome.",
				},
				[]string{"outcome"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentgate_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_model_call_total",
					Help: "Model invocations by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentgate_model_call_duration_seconds",
					Help:    "Model invocation duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			stepsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agentgate_steps_total",
					Help: "Total agent steps consumed.",
				},
			),
			registryResolveTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_registry_resolve_total",
					Help: "Agent resolutions by origin (static, local, cache, source, miss).",
				},
				[]string{"origin"},
			),
			registryCacheEntries: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentgate_registry_cache_entries",
					Help: "Pinned agent definitions held in the process cache.",
				},
			),
			usageDeniedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agentgate_usage_denied_total",
					Help: "Steps denied by the usage meter.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.sessionsTotal,
			m.outboundFrameTotal,
			m.correlationTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.modelCallTotal,
			m.modelCallDuration,
			m.stepsTotal,
			m.registryResolveTotal,
			m.registryCacheEntries,
			m.usageDeniedTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(laneFamily(lane)).Inc()
	m.queueSize.WithLabelValues(laneFamily(lane)).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := statusLabel(success)
	m.dequeueTotal.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(laneFamily(lane)).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionComplete(reason string) {
	getMetrics().sessionsTotal.WithLabelValues(reason).Inc()
}

func RecordOutboundFrame(kind string, delivered bool) {
	status := "dropped"
	if delivered {
		status = "sent"
	}
	getMetrics().outboundFrameTotal.WithLabelValues(kind, status).Inc()
}

func RecordClientToolCall(outcome string) {
	getMetrics().correlationTotal.WithLabelValues(outcome).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordStep() {
	getMetrics().stepsTotal.Inc()
}

func RecordResolve(origin string) {
	getMetrics().registryResolveTotal.WithLabelValues(origin).Inc()
}

func SetRegistryCacheEntries(n int) {
	getMetrics().registryCacheEntries.Set(float64(n))
}

func RecordUsageDenied() {
	getMetrics().usageDeniedTotal.Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// laneFamily collapses per-session lanes into one label so the series count stays bounded.
func laneFamily(lane string) string {
	for i := 0; i < len(lane); i++ {
		if lane[i] == ':' {
			return lane[:i]
		}
	}
	return lane
}
