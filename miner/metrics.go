package miner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the prometheus collectors updated by the controller
type Metrics struct {
	Events   *prometheus.CounterVec
	Commands *prometheus.CounterVec
	Pending  prometheus.Gauge
	Mining   prometheus.Gauge
}

// NewMetrics creates the controller collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minewatch",
			Name:      "events_total",
			Help:      "Node events handled by the mining controller.",
		}, []string{"event"}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minewatch",
			Name:      "commands_total",
			Help:      "Miner start/stop commands issued, by result.",
		}, []string{"command", "result"}),
		Pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "minewatch",
			Name:      "pending_transactions",
			Help:      "Pending transaction count last observed in the node's pool.",
		}),
		Mining: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "minewatch",
			Name:      "mining",
			Help:      "1 if the node was last observed mining, 0 otherwise.",
		}),
	}
}

func (m *Metrics) observeMining(mining bool) {
	if mining {
		m.Mining.Set(1)
	} else {
		m.Mining.Set(0)
	}
}

func (m *Metrics) observeCommand(command string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Commands.WithLabelValues(command, result).Inc()
}
