// Package metrics collects process-wide counters for the mux and
// exposes them both as an in-process snapshot and as Prometheus
// collectors.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the atomic counters updated on the hot paths
// (downstream reader, client-manager worker, notification fan-out).
type Collector struct {
	DownstreamConnected atomic.Bool
	ClientsActive       atomic.Int64

	CommandsSent      atomic.Uint64
	CommandsRetried   atomic.Uint64
	CommandsTimedOut  atomic.Uint64
	NotificationsSent atomic.Uint64
	ResetsTriggered   atomic.Uint64

	prom *prometheusCollectors
}

// NewCollector creates a Collector and registers its Prometheus
// collectors under namespace (empty means the default "serialmux").
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "serialmux"
	}
	return &Collector{prom: newPrometheusCollectors(namespace)}
}

func (c *Collector) SetDownstreamConnected(connected bool) {
	c.DownstreamConnected.Store(connected)
	c.prom.downstreamConnected.Set(boolToFloat(connected))
}

func (c *Collector) SetClientsActive(n int64) {
	c.ClientsActive.Store(n)
	c.prom.clientsActive.Set(float64(n))
}

func (c *Collector) IncClientsActive() {
	c.SetClientsActive(c.ClientsActive.Add(1))
}

func (c *Collector) DecClientsActive() {
	c.SetClientsActive(c.ClientsActive.Add(-1))
}

func (c *Collector) IncCommandsSent() {
	c.CommandsSent.Add(1)
	c.prom.commandsSent.Inc()
}

func (c *Collector) IncCommandsRetried() {
	c.CommandsRetried.Add(1)
	c.prom.commandsRetried.Inc()
}

func (c *Collector) IncCommandsTimedOut() {
	c.CommandsTimedOut.Add(1)
	c.prom.commandsTimedOut.Inc()
}

func (c *Collector) IncNotificationsSent() {
	c.NotificationsSent.Add(1)
	c.prom.notificationsSent.Inc()
}

func (c *Collector) IncResetsTriggered() {
	c.ResetsTriggered.Add(1)
	c.prom.resetsTriggered.Inc()
}

// Snapshot is a point-in-time view suitable for a JSON status
// endpoint.
type Snapshot struct {
	DownstreamConnected bool   `json:"downstream_connected"`
	ClientsActive       int64  `json:"clients_active"`
	CommandsSent        uint64 `json:"commands_sent"`
	CommandsRetried     uint64 `json:"commands_retried"`
	CommandsTimedOut    uint64 `json:"commands_timed_out"`
	NotificationsSent   uint64 `json:"notifications_sent"`
	ResetsTriggered     uint64 `json:"resets_triggered"`
}

func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		DownstreamConnected: c.DownstreamConnected.Load(),
		ClientsActive:       c.ClientsActive.Load(),
		CommandsSent:        c.CommandsSent.Load(),
		CommandsRetried:     c.CommandsRetried.Load(),
		CommandsTimedOut:    c.CommandsTimedOut.Load(),
		NotificationsSent:   c.NotificationsSent.Load(),
		ResetsTriggered:     c.ResetsTriggered.Load(),
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type prometheusCollectors struct {
	downstreamConnected prometheus.Gauge
	clientsActive       prometheus.Gauge
	commandsSent        prometheus.Counter
	commandsRetried     prometheus.Counter
	commandsTimedOut    prometheus.Counter
	notificationsSent   prometheus.Counter
	resetsTriggered     prometheus.Counter
}

func newPrometheusCollectors(namespace string) *prometheusCollectors {
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}

	p := &prometheusCollectors{}

	p.downstreamConnected = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "downstream_connected",
		Help:      "Whether the downstream peer session is connected (1) or not (0).",
	})).(prometheus.Gauge)

	p.clientsActive = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clients_active",
		Help:      "Number of authenticated upstream TCP clients.",
	})).(prometheus.Gauge)

	p.commandsSent = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_sent_total",
		Help:      "Total downstream commands sent (first attempts only; retransmits are counted in commands_retried_total).",
	})).(prometheus.Counter)

	p.commandsRetried = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_retried_total",
		Help:      "Total downstream command retransmits.",
	})).(prometheus.Counter)

	p.commandsTimedOut = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_timed_out_total",
		Help:      "Total downstream commands that exhausted all retries.",
	})).(prometheus.Counter)

	p.notificationsSent = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_sent_total",
		Help:      "Total notifications fanned out to clients.",
	})).(prometheus.Counter)

	p.resetsTriggered = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resets_triggered_total",
		Help:      "Total connection-reset events.",
	})).(prometheus.Counter)

	return p
}
