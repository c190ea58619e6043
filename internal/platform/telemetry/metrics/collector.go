package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Orphan outcomes and reasons used as label values.
const (
	OrphanFinished  = "finished"
	OrphanDiscarded = "discarded"

	ReasonDisconnect = "disconnect"
	ReasonIdle       = "idle"
)

// Collector holds all Prometheus metrics for an inkroom server.
type Collector struct {
	registry *prometheus.Registry

	connections       prometheus.Gauge
	rooms             prometheus.Gauge
	frames            *prometheus.CounterVec
	frameErrors       *prometheus.CounterVec
	strokesCommitted  prometheus.Counter
	historyActions    *prometheus.CounterVec
	orphanedStrokes   *prometheus.CounterVec
	droppedDeliveries prometheus.Counter
}

// NewCollector creates a collector with a private registry under namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of live websocket sessions",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of rooms created since process start",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound websocket frames by type",
		}, []string{"type"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Rejected inbound frames by error code",
		}, []string{"code"}),
		strokesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strokes_committed_total",
			Help:      "Strokes moved into room history",
		}),
		historyActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_actions_total",
			Help:      "Applied undo, redo and clear actions",
		}, []string{"action"}),
		orphanedStrokes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_strokes_total",
			Help:      "Active strokes resolved without an end_stroke",
		}, []string{"outcome", "reason"}),
		droppedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_deliveries_total",
			Help:      "Room broadcasts dropped because a subscriber fell behind",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.connections,
		c.rooms,
		c.frames,
		c.frameErrors,
		c.strokesCommitted,
		c.historyActions,
		c.orphanedStrokes,
		c.droppedDeliveries,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ConnectionOpened increments the live connection gauge.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connections.Dec()
}

// RoomCreated counts a newly referenced room.
func (c *Collector) RoomCreated() {
	if c == nil {
		return
	}
	c.rooms.Inc()
}

// Frame counts an inbound frame of the given type.
func (c *Collector) Frame(frameType string) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(frameType).Inc()
}

// FrameError counts a rejected frame.
func (c *Collector) FrameError(code string) {
	if c == nil {
		return
	}
	c.frameErrors.WithLabelValues(code).Inc()
}

// StrokeCommitted counts a stroke entering history.
func (c *Collector) StrokeCommitted() {
	if c == nil {
		return
	}
	c.strokesCommitted.Inc()
}

// HistoryAction counts an applied undo, redo or clear.
func (c *Collector) HistoryAction(action string) {
	if c == nil {
		return
	}
	c.historyActions.WithLabelValues(action).Inc()
}

// OrphanResolved counts an orphaned stroke by outcome and reason.
func (c *Collector) OrphanResolved(outcome string, reason string) {
	if c == nil {
		return
	}
	c.orphanedStrokes.WithLabelValues(outcome, reason).Inc()
}

// DeliveryDropped counts a broadcast that a subscriber could not accept.
func (c *Collector) DeliveryDropped() {
	if c == nil {
		return
	}
	c.droppedDeliveries.Inc()
}
