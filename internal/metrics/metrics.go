// Package metrics provides Prometheus observability for OnboardPipe.
package metrics

import (
	"errors"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all OnboardPipe collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Step changes by source and target step
	StepTransitions *prometheus.CounterVec

	// Refused operations by action and reason
	ActionsRejected *prometheus.CounterVec

	// Document analysis outcomes: valid, invalid, failed
	Extractions *prometheus.CounterVec

	// Transcript messages by sender
	Messages *prometheus.CounterVec

	// Model calls by method and result
	GatewayRequests *prometheus.CounterVec
	GatewayLatency  *prometheus.HistogramVec

	// Chat-channel traffic by channel and direction
	ChannelMessages *prometheus.CounterVec

	ActiveSessions prometheus.Gauge
}

// New creates a Metrics instance registered with reg. A nil reg registers
// with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		StepTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_step_transitions_total",
			Help: "Total conversation step changes by source and target step",
		}, []string{"from", "to"}),

		ActionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_actions_rejected_total",
			Help: "Total refused engine operations by action and reason",
		}, []string{"action", "reason"}),

		Extractions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_extractions_total",
			Help: "Total document analysis attempts by outcome",
		}, []string{"outcome"}),

		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_messages_total",
			Help: "Total transcript messages appended by sender",
		}, []string{"sender"}),

		GatewayRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_gateway_requests_total",
			Help: "Total model gateway calls by method and result",
		}, []string{"method", "result"}),

		GatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onboard_gateway_duration_seconds",
			Help:    "Duration of model gateway calls, including the full stream",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method"}),

		ChannelMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onboard_channel_messages_total",
			Help: "Total chat-channel messages by channel and direction",
		}, []string{"channel", "direction"}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "onboard_active_sessions",
			Help: "Number of live conversation sessions",
		}),
	}
}

// IncrementTransition records a step change.
func (m *Metrics) IncrementTransition(from, to string) {
	if m != nil {
		m.StepTransitions.WithLabelValues(from, to).Inc()
	}
}

// IncrementRejected records a refused operation.
func (m *Metrics) IncrementRejected(action, reason string) {
	if m != nil {
		m.ActionsRejected.WithLabelValues(action, reason).Inc()
	}
}

// IncrementExtraction records a document analysis outcome.
func (m *Metrics) IncrementExtraction(outcome string) {
	if m != nil {
		m.Extractions.WithLabelValues(outcome).Inc()
	}
}

// IncrementMessage records an appended transcript message.
func (m *Metrics) IncrementMessage(sender string) {
	if m != nil {
		m.Messages.WithLabelValues(sender).Inc()
	}
}

// ObserveGatewayCall records one model call.
func (m *Metrics) ObserveGatewayCall(method, result string, d time.Duration) {
	if m != nil {
		m.GatewayRequests.WithLabelValues(method, result).Inc()
		m.GatewayLatency.WithLabelValues(method).Observe(d.Seconds())
	}
}

// IncrementChannelMessage records chat-channel traffic. direction is "in" or "out".
func (m *Metrics) IncrementChannelMessage(channel, direction string) {
	if m != nil {
		m.ChannelMessages.WithLabelValues(channel, direction).Inc()
	}
}

// SetActiveSessions sets the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.ActiveSessions.Set(float64(n))
	}
}

// Observer returns a flow observer that feeds the engine counters.
func (m *Metrics) Observer() flow.Observer {
	return flow.ObserverFunc(func(ev flow.Event) {
		switch ev.Type {
		case flow.EventStepChanged:
			m.IncrementTransition(string(ev.PreviousStep), string(ev.Step))
		case flow.EventActionRejected:
			m.IncrementRejected(string(ev.Action), RejectionReason(ev.Err))
		case flow.EventExtraction:
			m.IncrementExtraction(string(ev.Outcome))
		case flow.EventMessageAppended:
			if ev.Message != nil {
				m.IncrementMessage(string(ev.Message.Sender))
			}
		}
	})
}

// RejectionReason maps a rejection error to a low-cardinality label.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, flow.ErrBusy):
		return "busy"
	case errors.Is(err, flow.ErrActionNotAllowed):
		return "not_allowed"
	case errors.Is(err, flow.ErrNoLanguage):
		return "no_language"
	case errors.Is(err, flow.ErrGatewayUnavailable):
		return "gateway_unavailable"
	default:
		return "other"
	}
}
