package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "decisra",
		Name:      "sessions_active",
		Help:      "Number of live sessions.",
	})

	joinRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "decisra",
		Name:      "join_requests_total",
		Help:      "Join requests by outcome.",
	}, []string{"outcome"})

	assistantTurnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "decisra",
		Name:      "assistant_turns_total",
		Help:      "Charged assistant turns across all sessions.",
	})

	// AssistantStreamsActive tracks open assistant websockets. Exported
	// for the stream handler.
	AssistantStreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "decisra",
		Name:      "assistant_streams_active",
		Help:      "Open assistant websocket connections.",
	})
)
