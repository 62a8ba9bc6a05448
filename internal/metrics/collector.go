// Package metrics exposes Prometheus metrics for a supervised run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// States lists every lifecycle state the state gauge reports on.
var States = []string{"setup", "starting", "running", "stopping", "stopped"}

// Collector records lifecycle events of one run. Methods are safe for
// concurrent use; the heartbeat goroutine reports through it too.
type Collector struct {
	state            *prometheus.GaugeVec
	childPID         prometheus.Gauge
	childExitCode    prometheus.Gauge
	heartbeats       *prometheus.CounterVec
	signalsForwarded *prometheus.CounterVec
	readiness        *prometheus.HistogramVec
}

// NewCollector creates a collector registered on the default registry.
func NewCollector() *Collector {
	return NewCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(registry prometheus.Registerer) *Collector {
	c := &Collector{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "slugrunner_state",
				Help: "Current lifecycle state (1 for the active state, 0 otherwise)",
			},
			[]string{"state"},
		),
		childPID: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "slugrunner_child_pid",
				Help: "Process id of the supervised workload (0 before launch)",
			},
		),
		childExitCode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "slugrunner_child_exit_code",
				Help: "Exit code of the workload, 128+signal when killed (-1 while running)",
			},
		),
		heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slugrunner_heartbeats_total",
				Help: "Heartbeat pings sent, by state and result",
			},
			[]string{"state", "result"},
		),
		signalsForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slugrunner_signals_forwarded_total",
				Help: "Signals relayed to the workload",
			},
			[]string{"signal"},
		),
		readiness: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "slugrunner_readiness_seconds",
				Help:    "Time until the workload accepted a connection or the grace period ran out",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		c.state,
		c.childPID,
		c.childExitCode,
		c.heartbeats,
		c.signalsForwarded,
		c.readiness,
	)

	c.childExitCode.Set(-1)
	c.StateChanged("setup")
	return c
}

// StateChanged marks state as the only active state.
func (c *Collector) StateChanged(state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		c.state.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) ChildStarted(pid int) {
	c.childPID.Set(float64(pid))
}

func (c *Collector) ChildExited(code int) {
	c.childExitCode.Set(float64(code))
}

func (c *Collector) SignalForwarded(signal string) {
	c.signalsForwarded.WithLabelValues(signal).Inc()
}

func (c *Collector) ReadinessChecked(elapsed time.Duration, ok bool) {
	c.readiness.WithLabelValues(result(ok)).Observe(elapsed.Seconds())
}

func (c *Collector) HeartbeatSent(state string, err error) {
	c.heartbeats.WithLabelValues(state, result(err == nil)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
