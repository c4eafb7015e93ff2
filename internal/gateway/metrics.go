package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for message direction.
const (
	directionIn  = "in"
	directionOut = "out"
)

var (
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hydra_gateway_active_connections",
			Help: "Number of currently connected worker nodes.",
		},
	)

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_gateway_messages_total",
			Help: "Total number of node channel messages by direction and type.",
		},
		[]string{"direction", "type"},
	)

	authFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hydra_gateway_auth_failures_total",
			Help: "Total number of rejected node connections.",
		},
	)
)

func init() {
	prometheus.MustRegister(activeConnections)
	prometheus.MustRegister(messagesTotal)
	prometheus.MustRegister(authFailuresTotal)
}
