// Package metrics exposes Prometheus collectors for the funnel engine.
//
// All metrics live in the "funnel" namespace:
//
//	calls_total{func,outcome}       wrapped calls by outcome (executed, replayed, failed)
//	call_duration_seconds{func}     duration of executed wrapped calls
//	stage_transitions_total{kind}   applied transitions (switch, loop, end)
//	timers_fired_total{resumed}     durable timers that fired, split by whether they resumed after a restart
//	asks_total{status}              resolved questions (SUCCESS, TIMEOUT, CANCELED)
//	conversations_active            runtimes currently loaded in this process
//	conversations_broken_total      conversations that became BROKEN
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "funnel"

// Call outcomes.
const (
	OutcomeExecuted = "executed"
	OutcomeReplayed = "replayed"
	OutcomeFailed   = "failed"
)

// Collector records engine metrics.
type Collector struct {
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	transitions  *prometheus.CounterVec
	timersFired  *prometheus.CounterVec
	asks         *prometheus.CounterVec
	active       prometheus.Gauge
	broken       prometheus.Counter
}

// New registers the engine collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Wrapped step calls by outcome",
		}, []string{"func", "outcome"}),
		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of executed wrapped step calls",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 300},
		}, []string{"func"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Applied stage transitions by kind",
		}, []string{"kind"}),
		timersFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_fired_total",
			Help:      "Durable timers that fired",
		}, []string{"resumed"}),
		asks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asks_total",
			Help:      "Resolved questions by outcome status",
		}, []string{"status"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversations_active",
			Help:      "Conversation runtimes loaded in this process",
		}),
		broken: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_broken_total",
			Help:      "Conversations that became BROKEN",
		}),
	}
}

// ObserveCall records one wrapped call. Duration is only observed for executed calls.
func (c *Collector) ObserveCall(fn, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(fn, outcome).Inc()
	if outcome == OutcomeExecuted {
		c.callDuration.WithLabelValues(fn).Observe(d.Seconds())
	}
}

// StageTransition records an applied transition of the given kind.
func (c *Collector) StageTransition(kind string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(kind).Inc()
}

// TimerFired records a fired durable timer.
func (c *Collector) TimerFired(resumed bool) {
	if c == nil {
		return
	}
	c.timersFired.WithLabelValues(strconv.FormatBool(resumed)).Inc()
}

// Ask records a resolved question.
func (c *Collector) Ask(status string) {
	if c == nil {
		return
	}
	c.asks.WithLabelValues(status).Inc()
}

// Asks exposes the asks_total vector.
func (c *Collector) Asks() *prometheus.CounterVec {
	return c.asks
}

// ConversationStarted increments the active runtime gauge.
func (c *Collector) ConversationStarted() {
	if c == nil {
		return
	}
	c.active.Inc()
}

// ConversationStopped decrements the active runtime gauge.
func (c *Collector) ConversationStopped() {
	if c == nil {
		return
	}
	c.active.Dec()
}

// ConversationBroken counts a conversation that became BROKEN.
func (c *Collector) ConversationBroken() {
	if c == nil {
		return
	}
	c.broken.Inc()
}

// Broken exposes the conversations_broken_total counter.
func (c *Collector) Broken() prometheus.Counter {
	return c.broken
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
