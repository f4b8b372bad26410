// Package metrics holds the Prometheus collectors for the relay. A nil
// *Metrics is valid and records nothing, which keeps tests free of
// registry plumbing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensorrelay"

type Metrics struct {
	registry *prometheus.Registry

	eventsEmitted   *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	rowsSkipped     *prometheus.CounterVec
	metadataUpdates prometheus.Counter
	deliveries      prometheus.Counter
	deliveryFails   prometheus.Counter
	subscribers     prometheus.Gauge
	streamRestarts  *prometheus.CounterVec
	giveUps         prometheus.Counter
	serverID        prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Accepted state changes emitted by the stream consumer.",
		}, []string{"entity_id"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "State changes not forwarded, by reason.",
		}, []string{"reason"}),
		rowsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_skipped_total",
			Help:      "Rows skipped because they could not be decoded.",
		}, []string{"table"}),
		metadataUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_updates_total",
			Help:      "Metadata registrations observed on the stream.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Messages queued to subscribers.",
		}),
		deliveryFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Failed deliveries; each one removes a subscriber.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Currently registered live subscribers.",
		}),
		streamRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_restarts_total",
			Help:      "Change stream reopenings, by cause.",
		}, []string{"cause"}),
		giveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_give_ups_total",
			Help:      "Times the stream supervisor exhausted its retry budget.",
		}),
		serverID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_id",
			Help:      "Replication server id currently presented to the database.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsEmitted,
		m.eventsDropped,
		m.rowsSkipped,
		m.metadataUpdates,
		m.deliveries,
		m.deliveryFails,
		m.subscribers,
		m.streamRestarts,
		m.giveUps,
		m.serverID,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EventEmitted(entityID string) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(entityID).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RowSkipped(table string) {
	if m == nil {
		return
	}
	m.rowsSkipped.WithLabelValues(table).Inc()
}

func (m *Metrics) MetadataUpdated() {
	if m == nil {
		return
	}
	m.metadataUpdates.Inc()
}

func (m *Metrics) Delivered(n int) {
	if m == nil {
		return
	}
	m.deliveries.Add(float64(n))
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFails.Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) StreamRestarted(cause string) {
	if m == nil {
		return
	}
	m.streamRestarts.WithLabelValues(cause).Inc()
}

func (m *Metrics) GaveUp() {
	if m == nil {
		return
	}
	m.giveUps.Inc()
}

func (m *Metrics) SetServerID(id uint32) {
	if m == nil {
		return
	}
	m.serverID.Set(float64(id))
}
