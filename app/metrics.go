package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/javking07/toadrunner/model"
)

const metricsNamespace = "toadrunner"

// Metrics exposes run and stream counters on its own registry. It is the
// controller's runs.Observer.
type Metrics struct {
	registry     *prometheus.Registry
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsActive   prometheus.Gauge
	logLines     prometheus.Counter
	subscribers  *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_started_total",
			Help:      "Runs accepted for execution.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "runs_active",
			Help:      "Runs currently in the running status.",
		}),
		logLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "log_lines_total",
			Help:      "Lines appended to run logs.",
		}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "stream_subscribers",
			Help:      "Live log viewers attached, by transport.",
		}, []string{"transport"}),
	}
	m.registry.MustRegister(m.runsStarted, m.runsFinished, m.runsActive, m.logLines, m.subscribers)
	m.registry.MustRegister(prometheus.NewGoCollector())
	return m
}

func (m *Metrics) RunStarted() {
	m.runsStarted.Inc()
	m.runsActive.Inc()
}

func (m *Metrics) RunFinished(status model.Status) {
	m.runsFinished.WithLabelValues(string(status)).Inc()
	m.runsActive.Dec()
}

func (m *Metrics) LineAppended() {
	m.logLines.Inc()
}

func (m *Metrics) SubscriberAttached(transport string) {
	m.subscribers.WithLabelValues(transport).Inc()
}

func (m *Metrics) SubscriberDetached(transport string) {
	m.subscribers.WithLabelValues(transport).Dec()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
