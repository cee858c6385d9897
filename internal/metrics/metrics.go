// Package metrics exposes Prometheus collectors for event propagation,
// retries, dead letters, broker connectivity and authorization rejections.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cachesync"

// Outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeIgnored = "ignored"
)

// Collector owns the cachesync Prometheus collectors.
type Collector struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	published       *prometheus.CounterVec
	consumed        *prometheus.CounterVec
	retries         *prometheus.CounterVec
	retryDelay      *prometheus.HistogramVec
	deadLetters     *prometheus.CounterVec
	authRejections  *prometheus.CounterVec
	brokerConnected prometheus.Gauge
}

// NewCollector creates the collectors; call Register to expose them.
func NewCollector(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Collector{
		registerer: registerer,
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published, by exchange, event type and outcome",
		}, []string{"exchange", "event_type", "outcome"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "consumed_total",
			Help:      "Events consumed, by queue, event type and outcome",
		}, []string{"queue", "event_type", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retries",
			Name:      "scheduled_total",
			Help:      "Delayed requeues scheduled after a handler failure",
		}, []string{"queue"}),
		retryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retries",
			Name:      "delay_seconds",
			Help:      "Delay before a failed message is requeued",
			Buckets:   []float64{1, 5, 10, 15, 30, 60},
		}, []string{"queue"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dead_letters",
			Name:      "total",
			Help:      "Messages dead-lettered after exhausting retries",
		}, []string{"queue"}),
		authRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "rejections_total",
			Help:      "Requests rejected by authentication or authorization, by stage and HTTP status",
		}, []string{"stage", "status"}),
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connected",
			Help:      "1 while the broker channel is open",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (c *Collector) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	for _, collector := range []prometheus.Collector{
		c.published,
		c.consumed,
		c.retries,
		c.retryDelay,
		c.deadLetters,
		c.authRejections,
		c.brokerConnected,
	} {
		if err := c.registerer.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	c.registered = true
	return nil
}

func (c *Collector) RecordPublish(exchange, eventType, outcome string) {
	c.published.WithLabelValues(exchange, eventType, outcome).Inc()
}

func (c *Collector) RecordConsume(queue, eventType, outcome string) {
	c.consumed.WithLabelValues(queue, eventType, outcome).Inc()
}

func (c *Collector) RecordRetryScheduled(queue string, delay time.Duration) {
	c.retries.WithLabelValues(queue).Inc()
	c.retryDelay.WithLabelValues(queue).Observe(delay.Seconds())
}

func (c *Collector) RecordDeadLetter(queue string) {
	c.deadLetters.WithLabelValues(queue).Inc()
}

func (c *Collector) RecordAuthRejection(stage string, status int) {
	c.authRejections.WithLabelValues(stage, strconv.Itoa(status)).Inc()
}

// OnConnected tracks broker connectivity.
func (c *Collector) OnConnected() {
	c.brokerConnected.Set(1)
}

// OnDisconnected tracks broker connectivity.
func (c *Collector) OnDisconnected(error) {
	c.brokerConnected.Set(0)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
