package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tool call outcomes used as the "outcome" label.
const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeInvalid  = "invalid"
	outcomeDisabled = "disabled"
	outcomeUnknown  = "unknown"
)

// protocolMetrics holds the Prometheus metrics owned by the protocol layer.
// It is created once per Dispatcher so tests can inject a fresh registry.
type protocolMetrics struct {
	// messagesTotal counts decoded requests by method. Methods outside the
	// supported set are recorded as "unknown" to bound cardinality.
	messagesTotal *prometheus.CounterVec

	// framingErrorsTotal counts messages dropped by the framer, by kind.
	framingErrorsTotal *prometheus.CounterVec

	// toolCallsTotal counts tool invocations by tool and outcome.
	toolCallsTotal *prometheus.CounterVec

	// toolDurationSeconds records the wall-clock duration of tool calls.
	toolDurationSeconds *prometheus.HistogramVec
}

// newProtocolMetrics registers the protocol metrics against reg. A nil reg
// creates unregistered collectors.
func newProtocolMetrics(reg prometheus.Registerer) *protocolMetrics {
	factory := promauto.With(reg)

	return &protocolMetrics{
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memex",
			Subsystem: "protocol",
			Name:      "messages_total",
			Help:      "Total number of decoded protocol messages, partitioned by method.",
		}, []string{"method"}),

		framingErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memex",
			Subsystem: "protocol",
			Name:      "framing_errors_total",
			Help:      "Total number of inbound messages rejected by the framer, partitioned by kind.",
		}, []string{"kind"}),

		toolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memex",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total number of tool calls, partitioned by tool and outcome.",
		}, []string{"tool", "outcome"}),

		toolDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "memex",
			Subsystem: "tool",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of tool calls.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"tool"}),
	}
}

// methodLabel bounds the method label to known values.
func methodLabel(method string) string {
	switch method {
	case MethodInitialize, MethodToolsList, MethodToolsCall, MethodPing, MethodResourcesList:
		return method
	default:
		return "unknown"
	}
}

// toolLabel bounds the tool label to known values.
func toolLabel(name string) string {
	if _, ok := LookupTool(name); ok {
		return name
	}
	return "unknown"
}
