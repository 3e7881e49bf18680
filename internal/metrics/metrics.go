// Package metrics 汇总编排核心的 Prometheus 指标。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ava"

// Registry 是进程级指标注册表，/metrics 只暴露这里注册的指标。
var Registry = prometheus.NewRegistry()

var (
	busPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_published_total",
		Help:      "Events published on the bus by topic.",
	}, []string{"topic"})

	busHandlerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_handler_failures_total",
		Help:      "Handler errors and panics isolated by the bus.",
	}, []string{"topic"})

	taskTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_transitions_total",
		Help:      "Task status changes applied by the registry.",
	}, []string{"status"})

	transportConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transport_connections",
		Help:      "Currently connected websocket clients.",
	})

	recallRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recall_retries_total",
		Help:      "Durable store calls retried after a failure.",
	}, []string{"op"})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "REST requests by handler, method and status code.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "REST request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"handler", "method"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		busPublished,
		busHandlerFailures,
		taskTransitions,
		transportConnections,
		recallRetries,
		httpRequests,
		httpLatency,
	)
}

// EventPublished 记录一次事件发布。
func EventPublished(topic string) { busPublished.WithLabelValues(topic).Inc() }

// HandlerFailed 记录一次被隔离的处理器失败。
func HandlerFailed(topic string) { busHandlerFailures.WithLabelValues(topic).Inc() }

// TaskTransition 记录任务进入某个状态。
func TaskTransition(status string) { taskTransitions.WithLabelValues(status).Inc() }

// ConnectionOpened 与 ConnectionClosed 维护当前连接数。
func ConnectionOpened() { transportConnections.Inc() }

// ConnectionClosed 见 ConnectionOpened。
func ConnectionClosed() { transportConnections.Dec() }

// RecallRetried 记录一次存储重试。
func RecallRetried(op string) { recallRetries.WithLabelValues(op).Inc() }

// ObserveHTTPRequest 记录一次 REST 请求。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler 返回 /metrics 的 HTTP 处理器。
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
