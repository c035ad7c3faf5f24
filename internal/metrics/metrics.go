package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Agent metrics
var (
	// Inbound fragments accepted from private chats
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lead_agent",
			Subsystem: "inbound",
			Name:      "messages_total",
			Help:      "Total inbound messages by kind",
		},
		[]string{"kind"},
	)

	// Outbound sends
	OutboundSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lead_agent",
			Subsystem: "delivery",
			Name:      "sends_total",
			Help:      "Total outbound sends by format and status",
		},
		[]string{"format", "status"},
	)

	UnreachableRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lead_agent",
			Subsystem: "delivery",
			Name:      "unreachable_total",
			Help:      "Recipients that became unreachable by reason",
		},
		[]string{"reason"},
	)

	Applications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lead_agent",
			Subsystem: "leads",
			Name:      "applications_total",
			Help:      "Captured applications by validity",
		},
		[]string{"valid"},
	)

	CallAgreements = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lead_agent",
			Subsystem: "leads",
			Name:      "call_agreements_total",
			Help:      "Conversations where the recipient agreed to a call",
		},
	)

	FollowUps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lead_agent",
			Subsystem: "followup",
			Name:      "sent_total",
			Help:      "Follow-up outcomes",
		},
		[]string{"outcome"},
	)

	GenerationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lead_agent",
			Subsystem: "generation",
			Name:      "failures_total",
			Help:      "Generation failures by kind",
		},
		[]string{"kind"},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lead_agent",
			Subsystem: "retry",
			Name:      "failed_attempts_total",
			Help:      "Failed upstream attempts by operation and kind",
		},
		[]string{"op", "kind"},
	)

	// Time from flush to delivered reply
	ResponseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "lead_agent",
			Subsystem: "conversation",
			Name:      "response_duration_seconds",
			Help:      "Time from batch flush to delivered reply",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60},
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
