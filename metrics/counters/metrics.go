package counters

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "proxy",
	Name:      "sessions_active",
	Help:      "Number of active charge point sessions",
})

var upstreamGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "proxy",
	Name:      "upstream_connected",
	Help:      "Connection state per upstream link",
}, []string{"upstream"})

var framesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "proxy",
	Name:      "frames_total",
	Help:      "Total number of routed frames by direction.",
}, []string{"direction"})

var reconnectCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "proxy",
	Name:      "upstream_reconnects_total",
	Help:      "Total number of scheduled upstream reconnect attempts.",
}, []string{"upstream"})

var filteredCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "proxy",
	Name:      "replies_filtered_total",
	Help:      "Total number of secondary replies withheld from clients.",
}, []string{"upstream"})

func ObserveSessions(count int) {
	sessionsGauge.Set(float64(count))
}

func ObserveUpstreamState(upstream string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	upstreamGauge.With(prometheus.Labels{"upstream": upstream}).Set(value)
}

func CountFrame(direction string) {
	framesCounter.With(prometheus.Labels{"direction": direction}).Inc()
}

func CountReconnect(upstream string) {
	reconnectCounter.With(prometheus.Labels{"upstream": upstream}).Inc()
}

func CountFilteredReply(upstream string) {
	filteredCounter.With(prometheus.Labels{"upstream": upstream}).Inc()
}
