// Package metrics exposes RPC traffic counters to prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "jabber_rpc"

// Inbound outcomes.
const (
	InboundResult     = "result"
	InboundFault      = "fault"
	InboundUnhandled  = "unhandled"
	InboundBadRequest = "bad_request"
)

// Outbound outcomes.
const (
	OutboundResult    = "result"
	OutboundFault     = "fault"
	OutboundTimeout   = "timeout"
	OutboundTransport = "transport"
	OutboundError     = "error"
)

// Collector is a prometheus.Collector for RPC traffic. A nil *Collector is
// valid and records nothing.
type Collector struct {
	inbound     *prometheus.CounterVec
	outbound    *prometheus.CounterVec
	callLatency *prometheus.HistogramVec
	pending     prometheus.Gauge
	lateAnswers prometheus.Counter
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		inbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "inbound_requests_total",
				Help:      "Inbound RPC requests by outcome.",
			}, []string{"outcome"},
		),
		outbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "outbound_calls_total",
				Help:      "Outbound RPC calls by outcome.",
			}, []string{"outcome"},
		),
		callLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "call_duration_seconds",
				Help:      "Time from sending an outbound call to its resolution.",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60},
			}, []string{"outcome"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "pending_calls",
				Help:      "Outbound calls waiting for an answer.",
			},
		),
		lateAnswers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "late_answers_total",
				Help:      "Answers dropped because no call was waiting for them.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.inbound.Describe(ch)
	c.outbound.Describe(ch)
	c.callLatency.Describe(ch)
	c.pending.Describe(ch)
	c.lateAnswers.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.inbound.Collect(ch)
	c.outbound.Collect(ch)
	c.callLatency.Collect(ch)
	c.pending.Collect(ch)
	c.lateAnswers.Collect(ch)
}

// Inbound counts one answered inbound request.
func (c *Collector) Inbound(outcome string) {
	if c == nil {
		return
	}
	c.inbound.WithLabelValues(outcome).Inc()
}

// CallStarted records a call entering the pending set.
func (c *Collector) CallStarted() {
	if c == nil {
		return
	}
	c.pending.Inc()
}

// CallFinished records a call leaving the pending set.
func (c *Collector) CallFinished(outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.pending.Dec()
	c.outbound.WithLabelValues(outcome).Inc()
	c.callLatency.WithLabelValues(outcome).Observe(took.Seconds())
}

// LateAnswer counts an answer that arrived after its call was resolved.
func (c *Collector) LateAnswer() {
	if c == nil {
		return
	}
	c.lateAnswers.Inc()
}
