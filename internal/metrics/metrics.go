// Package metrics exposes fleet and poller figures to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborglow/hashlab/internal/storage"
)

const namespace = "hashlab"

// Metrics owns a private registry so tests and multiple servers don't
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	polls         prometheus.Counter
	pollDuration  prometheus.Histogram
	minersOnline  prometheus.Gauge
	minersTotal   prometheus.Gauge
	fleetHashrate prometheus.Gauge
	fleetPower    prometheus.Gauge
	minerHashrate *prometheus.GaugeVec
	minerTemp     *prometheus.GaugeVec
	minerUp       *prometheus.GaugeVec
	appends       prometheus.Counter
	appendErrors  prometheus.Counter
	alertsSent    *prometheus.CounterVec
	wsClients     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "polls_total",
			Help: "Completed fleet polls.",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "poll_duration_seconds",
			Help:    "Wall time of one fleet poll.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		minersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "miners_online",
			Help: "Miners that answered the last poll.",
		}),
		minersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "miners_total",
			Help: "Miners in the last poll.",
		}),
		fleetHashrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fleet_hashrate_terahashes",
			Help: "Summed 1m hashrate of online miners in TH/s.",
		}),
		fleetPower: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fleet_power_watts",
			Help: "Summed power draw of online miners.",
		}),
		minerHashrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "miner_hashrate_terahashes",
			Help: "1m hashrate per miner in TH/s.",
		}, []string{"miner"}),
		minerTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "miner_temperature_celsius",
			Help: "Board temperature per miner.",
		}, []string{"miner"}),
		minerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "miner_up",
			Help: "1 if the miner answered the last poll.",
		}, []string{"miner", "type"}),
		appends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "history_appends_total",
			Help: "History appends attempted by the sampler.",
		}),
		appendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "history_append_errors_total",
			Help: "History appends that failed.",
		}),
		alertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total",
			Help: "Alerts raised by type.",
		}, []string{"type"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "websocket_clients",
			Help: "Connected dashboard WebSocket clients.",
		}),
	}
	m.registry.MustRegister(
		m.polls, m.pollDuration, m.minersOnline, m.minersTotal,
		m.fleetHashrate, m.fleetPower, m.minerHashrate, m.minerTemp, m.minerUp,
		m.appends, m.appendErrors, m.alertsSent, m.wsClients,
	)
	return m
}

// ObservePoll records a completed poll.
func (m *Metrics) ObservePoll(d time.Duration, snap *storage.FleetSnapshot) {
	m.polls.Inc()
	m.pollDuration.Observe(d.Seconds())
	m.Observe(snap)
}

// Observe sets the fleet gauges from a snapshot. Miners missing from the
// snapshot are dropped from the per-miner vectors.
func (m *Metrics) Observe(snap *storage.FleetSnapshot) {
	if snap == nil {
		return
	}
	m.minerHashrate.Reset()
	m.minerTemp.Reset()
	m.minerUp.Reset()

	var hashrate, power float64
	online := 0
	for name, s := range snap.Miners {
		up := 0.0
		if s.Alive {
			up = 1
			online++
			hashrate += s.Hashrate1m
			power += s.Power
		}
		m.minerUp.WithLabelValues(name, string(s.Kind)).Set(up)
		m.minerHashrate.WithLabelValues(name).Set(s.Hashrate1m)
		m.minerTemp.WithLabelValues(name).Set(s.Temp)
	}
	m.minersOnline.Set(float64(online))
	m.minersTotal.Set(float64(len(snap.Miners)))
	m.fleetHashrate.Set(hashrate)
	m.fleetPower.Set(power)
}

// ObserveAppend counts a history append and whether it failed.
func (m *Metrics) ObserveAppend(err error) {
	m.appends.Inc()
	if err != nil {
		m.appendErrors.Inc()
	}
}

// AlertRaised counts one alert of the given type.
func (m *Metrics) AlertRaised(alertType string) {
	m.alertsSent.WithLabelValues(alertType).Inc()
}

// SetWebSocketClients records the current hub size.
func (m *Metrics) SetWebSocketClients(n int) {
	m.wsClients.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
