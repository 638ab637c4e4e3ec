package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector holds the relay and peer counters. It satisfies the
// metrics ports of the relay hub, the session and the link adapter.
type PrometheusCollector struct {
	// Relay
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	framesTotal       *prometheus.CounterVec
	relayedMessages   prometheus.Counter
	relayFanout       prometheus.Histogram

	// Peer session
	offersTotal      *prometheus.CounterVec
	answersTotal     prometheus.Counter
	candidateBatches prometheus.Histogram
	connectionStates *prometheus.CounterVec
	pluginMessages   *prometheus.CounterVec

	// RTCP feedback on outgoing media
	keyframeRequests prometheus.Counter
	nackedPackets    prometheus.Counter
}

// NewPrometheusCollector registers every metric with reg. Passing
// prometheus.DefaultRegisterer exposes them on promhttp.Handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_relay_connections_active",
			Help: "Number of open relay websocket connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_relay_connections_total",
			Help: "Total number of relay websocket connections accepted",
		}),

		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_relay_frames_total",
			Help: "Relay frames handled by type and response status",
		}, []string{"type", "status"}),

		relayedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_relay_messages_delivered_total",
			Help: "Relay message deliveries handed to receivers",
		}),

		relayFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "huddle_relay_message_fanout",
			Help:    "Receivers reached per relay message",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		}),

		offersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_session_offers_total",
			Help: "Offers sent to peers",
		}, []string{"ice_restart"}),

		answersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_session_answers_total",
			Help: "Answers sent to peers",
		}),

		candidateBatches: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "huddle_session_candidate_batch_size",
			Help:    "ICE candidates per relayed batch",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		}),

		connectionStates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_session_connection_states_total",
			Help: "Peer connection state transitions",
		}, []string{"state"}),

		pluginMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_session_plugin_messages_total",
			Help: "Extension messages routed by kind",
		}, []string{"kind"}),

		keyframeRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_media_keyframe_requests_total",
			Help: "PLI and FIR packets received from peers",
		}),

		nackedPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_media_nacked_packets_total",
			Help: "Packets peers reported missing",
		}),
	}
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) FrameHandled(frameType string, status int) {
	p.framesTotal.WithLabelValues(frameType, strconv.Itoa(status)).Inc()
}

func (p *PrometheusCollector) MessageRelayed(receivers int) {
	p.relayedMessages.Add(float64(receivers))
	p.relayFanout.Observe(float64(receivers))
}

func (p *PrometheusCollector) OfferSent(restart bool) {
	p.offersTotal.WithLabelValues(strconv.FormatBool(restart)).Inc()
}

func (p *PrometheusCollector) AnswerSent() {
	p.answersTotal.Inc()
}

func (p *PrometheusCollector) CandidateBatchSent(size int) {
	p.candidateBatches.Observe(float64(size))
}

func (p *PrometheusCollector) ConnectionStateChanged(state string) {
	p.connectionStates.WithLabelValues(state).Inc()
}

func (p *PrometheusCollector) PluginMessage(kind string) {
	p.pluginMessages.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) KeyframeRequested() {
	p.keyframeRequests.Inc()
}

func (p *PrometheusCollector) PacketsNacked(n int) {
	p.nackedPackets.Add(float64(n))
}
