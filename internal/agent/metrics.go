package agent

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the probe listener's /metrics
// endpoint exposes: a counter of VM state transitions by target state,
// and a gauge of the number of VMs currently tracked by this daemon.
type Metrics struct {
	transitions    *prometheus.CounterVec
	trackedVMGauge prometheus.Gauge
}

// NewMetrics registers its collectors against reg. Passing a fresh
// prometheus.NewRegistry() in tests avoids collisions with the process
// default registry across parallel test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qemuhostd_vm_state_transitions_total",
			Help: "Count of VM lifecycle state transitions persisted by the status monitor, by target state.",
		}, []string{"state"}),
		trackedVMGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qemuhostd_tracked_vms",
			Help: "Number of VMs currently tracked by this daemon.",
		}),
	}
	reg.MustRegister(m.transitions, m.trackedVMGauge)
	return m
}

func (m *Metrics) ObserveTransition(state string) {
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) SetTrackedVMCount(n int) {
	m.trackedVMGauge.Set(float64(n))
}
