package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供网关与 agent 端点注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		ReviewRequestsTotal, ReviewWaitDuration,
		ResolveTotal, SessionsActive,
		BroadcastDroppedTotal, FallbackAckTimeoutTotal,
		ToolCallsTotal,
	)
}

// ReviewRequestsTotal 审阅请求总数（按通道）
var ReviewRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "review_gate_requests_total",
		Help: "审阅请求总数",
	},
	[]string{"channel"}, // gateway | fallback
)

// ReviewWaitDuration 从提交到拿到用户回复的耗时（秒）
var ReviewWaitDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "review_gate_wait_seconds",
		Help:    "审阅等待耗时（秒）",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	},
	[]string{"channel", "outcome"}, // outcome: replied | cancelled | failed | error
)

// ResolveTotal Resolve 调用结果
var ResolveTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "review_gate_resolve_total",
		Help: "Resolve 调用次数（按是否被接受）",
	},
	[]string{"result"}, // accepted | rejected
)

// SessionsActive 当前连接的浏览器会话数
var SessionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "review_gate_sessions_active",
		Help: "当前浏览器会话数",
	},
)

// BroadcastDroppedTotal 广播失败被移除的会话数
var BroadcastDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "review_gate_broadcast_dropped_total",
		Help: "广播失败被移除的会话数",
	},
)

// FallbackAckTimeoutTotal 文件兜底通道 ack 超时次数
var FallbackAckTimeoutTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "review_gate_fallback_ack_timeout_total",
		Help: "文件兜底通道 ack 等待超时次数",
	},
)

// ToolCallsTotal agent 工具调用（按工具与结果）
var ToolCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "review_gate_tool_calls_total",
		Help: "agent 工具调用次数",
	},
	[]string{"tool", "result"}, // ok | error | timeout
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
