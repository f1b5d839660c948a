package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors holds the Prometheus instruments the monitor maintains.
type Collectors struct {
	SampledValue *prometheus.GaugeVec
	ActiveAlerts prometheus.Gauge
	AlertsFired  *prometheus.CounterVec
}

// NewCollectors creates and registers the monitor's collectors on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		SampledValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sitescore",
			Subsystem: "monitor",
			Name:      "sampled_value",
			Help:      "Most recent sampled value per monitored metric.",
		}, []string{"metric"}),
		ActiveAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sitescore",
			Subsystem: "monitor",
			Name:      "active_alerts",
			Help:      "Number of currently firing alerts.",
		}),
		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitescore",
			Subsystem: "monitor",
			Name:      "alerts_fired_total",
			Help:      "Total alerts fired, by severity.",
		}, []string{"severity"}),
	}
	reg.MustRegister(c.SampledValue, c.ActiveAlerts, c.AlertsFired)
	return c
}
