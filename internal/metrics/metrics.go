// Package metrics exposes Prometheus collectors for the collaboration
// gateway. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry    *prometheus.Registry
	rooms       prometheus.Gauge
	connections prometheus.Gauge
	updates     *prometheus.CounterVec
	sessions    *prometheus.CounterVec
	handshakes  *prometheus.CounterVec
	reaped      prometheus.Counter
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "rooms",
			Help:      "Rooms currently held in memory.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "connections",
			Help:      "Joined WebSocket connections.",
		}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "updates_total",
			Help:      "Document updates received from peers, by result.",
		}, []string{"result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "sessions_total",
			Help:      "Session issuance attempts, by result.",
		}, []string{"result"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "handshakes_total",
			Help:      "WebSocket handshakes, by result.",
		}, []string{"result"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "rooms_reaped_total",
			Help:      "Idle rooms evicted by the reaper.",
		}),
	}
	c.registry.MustRegister(
		c.rooms,
		c.connections,
		c.updates,
		c.sessions,
		c.handshakes,
		c.reaped,
		collectors.NewGoCollector(),
	)
	return c
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}


func (c *Collector) RoomOpened() {
	if c != nil {
		c.rooms.Inc()
	}
}

func (c *Collector) RoomClosed() {
	if c != nil {
		c.rooms.Dec()
	}
}

func (c *Collector) ConnectionJoined() {
	if c != nil {
		c.connections.Inc()
	}
}

func (c *Collector) ConnectionLeft() {
	if c != nil {
		c.connections.Dec()
	}
}

func (c *Collector) UpdateApplied() {
	if c != nil {
		c.updates.WithLabelValues("applied").Inc()
	}
}

func (c *Collector) UpdateFailed() {
	if c != nil {
		c.updates.WithLabelValues("failed").Inc()
	}
}

func (c *Collector) SessionIssued() {
	if c != nil {
		c.sessions.WithLabelValues("issued").Inc()
	}
}

func (c *Collector) SessionRejected(reason string) {
	if c != nil {
		c.sessions.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) Handshake(result string) {
	if c != nil {
		c.handshakes.WithLabelValues(result).Inc()
	}
}

func (c *Collector) RoomsReaped(n int) {
	if c != nil && n > 0 {
		c.reaped.Add(float64(n))
	}
}
