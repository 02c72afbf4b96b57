package monitoring

import (
	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	apperrors "rillcall/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records both the relay's connection metrics and the
// client's call metrics.
type PrometheusCollector struct {
	// Relay
	peersConnected   prometheus.Gauge
	connectionsTotal prometheus.Counter
	messagesTotal    *prometheus.CounterVec

	// Client
	callTransitions    *prometheus.CounterVec
	callsEnded         *prometheus.CounterVec
	negotiationSeconds *prometheus.HistogramVec
	resourcesOpen      *prometheus.GaugeVec
	recordingsTotal    *prometheus.CounterVec
}

var _ ports.CallMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the metrics with reg. A nil reg means
// the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_peers_connected",
			Help: "Number of peers connected to the signaling relay",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rillcall_connections_total",
			Help: "Total number of signaling connections accepted",
		}),

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_signal_messages_total",
			Help: "Signaling messages handled by the relay, by method and result code",
		}, []string{"method", "code"}),

		callTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_call_transitions_total",
			Help: "Call state machine transitions",
		}, []string{"from", "to"}),

		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_calls_ended_total",
			Help: "Calls ended, by reason",
		}, []string{"reason"}),

		negotiationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rillcall_negotiation_duration_seconds",
			Help:    "Time from call start to media flowing",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"mode", "result"}),

		resourcesOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillcall_media_resources_open",
			Help: "Open media resources, by kind",
		}, []string{"kind"}),

		recordingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_recording_requests_total",
			Help: "Recording start/stop requests, by result code",
		}, []string{"op", "code"}),
	}
}

// RegisterRoomGauges exports room and recording counts read from stats on
// every scrape.
func RegisterRoomGauges(reg prometheus.Registerer, stats func() (rooms, recordings int)) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "rillcall_rooms_active",
		Help: "Rooms with at least one member",
	}, func() float64 {
		rooms, _ := stats()
		return float64(rooms)
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "rillcall_recordings_active",
		Help: "Recordings in progress",
	}, func() float64 {
		_, recordings := stats()
		return float64(recordings)
	})
}

func resultCode(err error) string {
	if err == nil {
		return "OK"
	}
	return string(apperrors.CodeOf(err))
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.peersConnected.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.peersConnected.Dec()
}

func (p *PrometheusCollector) MessageHandled(method string, err error) {
	p.messagesTotal.WithLabelValues(method, resultCode(err)).Inc()
}

func (p *PrometheusCollector) CallStateChanged(from, to domain.CallState) {
	p.callTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (p *PrometheusCollector) CallEnded(reason domain.EndReason) {
	p.callsEnded.WithLabelValues(string(reason)).Inc()
}

func (p *PrometheusCollector) NegotiationObserved(mode domain.CallMode, seconds float64, err error) {
	p.negotiationSeconds.WithLabelValues(string(mode), resultCode(err)).Observe(seconds)
}

func (p *PrometheusCollector) ResourceOpened(kind string) {
	p.resourcesOpen.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) ResourceClosed(kind string) {
	p.resourcesOpen.WithLabelValues(kind).Dec()
}

func (p *PrometheusCollector) RecordingOutcome(op string, err error) {
	p.recordingsTotal.WithLabelValues(op, resultCode(err)).Inc()
}
