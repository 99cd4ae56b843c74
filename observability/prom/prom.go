// Package prom exports the SFU observability surfaces to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/meshcall/sfu/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observer implements every observability surface on one registry.
type Observer struct {
	connGauge       prometheus.Gauge
	channelGauge    prometheus.Gauge
	attachTotal     *prometheus.CounterVec
	sessionJoins    prometheus.Counter
	sessionCloses   *prometheus.CounterVec
	workerRespawns  prometheus.Counter
	incomingBitrate prometheus.Gauge
	requestLatency  *prometheus.HistogramVec
	batchSize       prometheus.Histogram
}

// NewObserver registers the SFU metrics on the registry.
func NewObserver(reg *prometheus.Registry) *Observer {
	o := &Observer{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sfu_connections",
			Help: "Current websocket connection count.",
		}),
		channelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sfu_channels",
			Help: "Current active channel count.",
		}),
		attachTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sfu_attach_total",
			Help: "Gateway attach attempts by result and reason.",
		}, []string{"result", "reason"}),
		sessionJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sfu_session_joins_total",
			Help: "Sessions admitted into a channel.",
		}),
		sessionCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sfu_session_closes_total",
			Help: "Session close reasons.",
		}, []string{"reason"}),
		workerRespawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sfu_worker_respawns_total",
			Help: "Media workers respawned after death.",
		}),
		incomingBitrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sfu_incoming_bitrate_bps",
			Help: "Aggregated producer bitrate across all channels.",
		}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sfu_bus_request_latency_seconds",
			Help:    "Bus request latency by message name and result.",
			Buckets: prometheus.DefBuckets,
		}, []string{"name", "result"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sfu_bus_batch_size",
			Help:    "Payload count per flushed bus batch.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}),
	}
	reg.MustRegister(
		o.connGauge,
		o.channelGauge,
		o.attachTotal,
		o.sessionJoins,
		o.sessionCloses,
		o.workerRespawns,
		o.incomingBitrate,
		o.requestLatency,
		o.batchSize,
	)
	return o
}

func (o *Observer) ConnCount(n int64) { o.connGauge.Set(float64(n)) }

func (o *Observer) Attach(result observability.AttachResult, reason observability.AttachReason) {
	o.attachTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *Observer) ChannelCount(n int) { o.channelGauge.Set(float64(n)) }

func (o *Observer) SessionJoin() { o.sessionJoins.Inc() }

func (o *Observer) SessionClose(reason string) {
	o.sessionCloses.WithLabelValues(reason).Inc()
}

func (o *Observer) WorkerRespawn() { o.workerRespawns.Inc() }

func (o *Observer) IncomingBitrate(bps float64) { o.incomingBitrate.Set(bps) }

func (o *Observer) RequestLatency(name string, result string, d time.Duration) {
	o.requestLatency.WithLabelValues(name, result).Observe(d.Seconds())
}

func (o *Observer) BatchFlush(size int) { o.batchSize.Observe(float64(size)) }
