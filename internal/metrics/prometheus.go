// Package metrics 暴露治理核心的 Prometheus 指标。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "genai_governor"

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	governedRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governed_requests_total",
			Help:      "Governed requests by use case and outcome",
		},
		[]string{"use_case", "outcome"},
	)

	governedRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "governed_request_duration_seconds",
			Help:      "End to end duration of governed requests",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"use_case"},
	)

	modelCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model invocation attempts by model and status",
		},
		[]string{"model", "status"},
	)

	modelTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_total",
			Help:      "Tokens consumed by model and direction",
		},
		[]string{"model", "type"},
	)

	modelCostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_cost_total",
			Help:      "Accumulated cost by model",
		},
		[]string{"model"},
	)

	guardrailActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_actions_total",
			Help:      "Guardrail hits by guardrail, stage and action",
		},
		[]string{"guardrail", "stage", "action"},
	)

	quotaDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_denials_total",
			Help:      "Quota denials by scope type and dimension",
		},
		[]string{"scope_type", "dimension"},
	)

	quotaResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_resets_total",
			Help:      "Applied quota period resets",
		},
		[]string{"period"},
	)

	recorderDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_dropped_total",
			Help:      "Request log entries dropped because the queue was full",
		},
	)

	recorderFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_failures_total",
			Help:      "Request log entries that failed to persist",
		},
	)

	recorderQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recorder_queue_depth",
			Help:      "Entries waiting in the usage recorder queue",
		},
	)
)

// RecordHTTPRequest 记录 HTTP 请求计数与耗时。
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordGovernedRequest 记录一次受治理请求的结果，outcome 为 success 或错误类别。
func RecordGovernedRequest(useCase, outcome string, duration time.Duration) {
	governedRequestsTotal.WithLabelValues(useCase, outcome).Inc()
	governedRequestDuration.WithLabelValues(useCase).Observe(duration.Seconds())
}

// RecordModelCall 记录一次模型调用尝试。
func RecordModelCall(model string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	modelCallsTotal.WithLabelValues(model, status).Inc()
}

// RecordModelUsage 记录模型的 token 与成本消耗。
func RecordModelUsage(model string, inputTokens, outputTokens int64, cost float64) {
	modelTokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	modelTokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	if cost > 0 {
		modelCostTotal.WithLabelValues(model).Add(cost)
	}
}

// RecordGuardrailAction 记录护栏命中。
func RecordGuardrailAction(guardrail, stage, action string) {
	guardrailActionsTotal.WithLabelValues(guardrail, stage, action).Inc()
}

// RecordQuotaDenial 记录配额拒绝。
func RecordQuotaDenial(scopeType, dimension string) {
	quotaDenialsTotal.WithLabelValues(scopeType, dimension).Inc()
}

// RecordQuotaReset 记录一次周期重置，period 为 daily 或 monthly。
func RecordQuotaReset(period string) {
	quotaResetsTotal.WithLabelValues(period).Inc()
}

// RecordRecorderDrop 记录因队列已满被丢弃的日志。
func RecordRecorderDrop() {
	recorderDroppedTotal.Inc()
}

// RecordRecorderFailure 记录持久化失败的日志。
func RecordRecorderFailure() {
	recorderFailuresTotal.Inc()
}

// SetRecorderQueueDepth 更新记录队列深度。
func SetRecorderQueueDepth(depth int) {
	recorderQueueDepth.Set(float64(depth))
}

// Handler 返回 /metrics 处理器。
func Handler() http.Handler {
	return promhttp.Handler()
}
