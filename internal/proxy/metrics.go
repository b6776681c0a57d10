package proxy

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gander",
		Name:      "exchanges_total",
		Help:      "Captured exchanges by status class.",
	}, []string{"class"})

	metricActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gander",
		Name:      "active_connections",
		Help:      "Live client-facing and upstream sockets.",
	})

	metricBytesProxied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gander",
		Name:      "bytes_proxied_total",
		Help:      "Response bytes forwarded to clients.",
	}, []string{"scheme"})

	metricMockHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gander",
		Name:      "mock_hits_total",
		Help:      "Requests answered by a mock rule.",
	})

	metricBreakpointHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gander",
		Name:      "breakpoint_hits_total",
		Help:      "Messages paused at a breakpoint.",
	})
)

// statusClass buckets a status code for the exchanges metric.
func statusClass(status int) string {
	if status < 100 || status > 999 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
