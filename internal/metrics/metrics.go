// Package metrics exposes Prometheus collectors for event delivery: pushes
// by outcome, push latency, connections and open channels.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mave_metrics"

// Delivery holds the collector metrics of one agent. A nil *Delivery
// records nothing.
type Delivery struct {
	// pushesTotal counts pushes by event and outcome status.
	pushesTotal *prometheus.CounterVec

	// pushLatency measures time from push to outcome.
	pushLatency *prometheus.HistogramVec

	// connectsTotal counts successful (re)connects.
	connectsTotal prometheus.Counter

	// connectFailures counts failed dial attempts.
	connectFailures prometheus.Counter

	// openChannels is the number of joined or joining session channels.
	openChannels prometheus.Gauge

	// degradedChannels is the number of channels over the timeout threshold.
	degradedChannels prometheus.Gauge
}

// New registers the delivery metrics on reg. Nil reg uses a private
// registry, so metrics are recorded but not exported.
func New(reg prometheus.Registerer) *Delivery {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Delivery{
		pushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Total number of event pushes by event and status",
		}, []string{"event", "status"}),
		pushLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_latency_seconds",
			Help:      "Time from push to acknowledgement, timeout or drop",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"status"}),
		connectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total number of successful collector connections",
		}),
		connectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Total number of failed collector connection attempts",
		}),
		openChannels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_channels",
			Help:      "Current number of open session channels",
		}),
		degradedChannels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded_channels",
			Help:      "Current number of channels with repeated push timeouts",
		}),
	}
}

func (d *Delivery) RecordPush(event, status string, elapsed time.Duration) {
	if d == nil {
		return
	}
	d.pushesTotal.WithLabelValues(event, status).Inc()
	d.pushLatency.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (d *Delivery) RecordConnect() {
	if d == nil {
		return
	}
	d.connectsTotal.Inc()
}

func (d *Delivery) RecordConnectFailure() {
	if d == nil {
		return
	}
	d.connectFailures.Inc()
}

func (d *Delivery) ChannelOpened() {
	if d == nil {
		return
	}
	d.openChannels.Inc()
}

func (d *Delivery) ChannelClosed() {
	if d == nil {
		return
	}
	d.openChannels.Dec()
}

func (d *Delivery) SetDegradedChannels(n int) {
	if d == nil {
		return
	}
	d.degradedChannels.Set(float64(n))
}
