package server

import "github.com/prometheus/client_golang/prometheus"

type noopMetrics struct{}

func (noopMetrics) incSTUNMessages() {}

type promMetrics struct {
	stunMessages  prometheus.Counter
	bandwidthDrop prometheus.Counter
}

func newPromMetrics(labels prometheus.Labels) *promMetrics {
	p := &promMetrics{
		stunMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turngate_stun_messages_count",
			Help:        "Received STUN messages count, excluding those dropped by filter rules.",
			ConstLabels: labels,
		}),
		bandwidthDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turngate_bandwidth_drop_total",
			Help:        "Relayed datagrams dropped because a session exceeded its per-second bandwidth cap.",
			ConstLabels: labels,
		}),
	}
	return p
}

func (m *promMetrics) Describe(d chan<- *prometheus.Desc) {
	d <- m.stunMessages.Desc()
	d <- m.bandwidthDrop.Desc()
}

func (m *promMetrics) Collect(c chan<- prometheus.Metric) {
	m.stunMessages.Collect(c)
	m.bandwidthDrop.Collect(c)
}

func (m *promMetrics) incSTUNMessages() { m.stunMessages.Inc() }
func (m *promMetrics) incBandwidthDrop() { m.bandwidthDrop.Inc() }
