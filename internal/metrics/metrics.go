// Package metrics holds the Prometheus collectors of the widget client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexva_ws_frames_received_total",
			Help: "Server frames received by channel and frame type",
		},
		[]string{"channel", "type"},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexva_ws_messages_sent_total",
			Help: "Client frames written by channel",
		},
		[]string{"channel"},
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexva_ws_send_failures_total",
			Help: "Client frames that could not be written",
		},
		[]string{"channel"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexva_ws_active_connections",
			Help: "Open WebSocket connections by channel",
		},
		[]string{"channel"},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexva_api_requests_total",
			Help: "REST requests to the chat backend",
		},
		[]string{"endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "nexva_api_request_duration_seconds",
			Help: "REST request duration in seconds",
		},
		[]string{"endpoint"},
	)

	VoiceFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nexva_voice_utterances_flushed_total",
			Help: "Utterances sent after a silence timeout",
		},
	)

	VoiceInterrupts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nexva_voice_interrupts_total",
			Help: "Barge-in interruptions raised by user speech",
		},
	)

	EchoSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nexva_voice_echo_suppressed_total",
			Help: "Recognition results discarded as assistant self-echo",
		},
	)

	AudioSegments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexva_audio_segments_total",
			Help: "Audio segments by outcome (played, failed, discarded)",
		},
		[]string{"result"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
