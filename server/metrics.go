package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chuantou/chuantou/protocol"
)

const (
	namespace = "chuantou"
	subsystem = "server"
)

var (
	authenticatedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "authenticated_clients",
		Help:      "Concurrent count of authenticated client sessions",
	})
	registeredPorts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "registered_ports",
		Help:      "Concurrent count of registered public ports",
	})
	activeConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "active_connections",
		Help:      "Concurrent count of logical connections by protocol",
	}, []string{"protocol"})
	totalConnections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "total_connections",
		Help:      "Total count of logical connections by protocol",
	}, []string{"protocol"})
	activeUDPSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "udp",
		Name:      "active_sessions",
		Help:      "Concurrent count of UDP sessions on public proxy ports",
	})
	totalUDPSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "udp",
		Name:      "total_sessions",
		Help:      "Total count of UDP sessions on public proxy ports",
	})
	controlMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "control_messages",
		Help:      "Control messages received from clients by type",
	}, []string{"type"})
	registrationRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "registration_rejections",
		Help:      "Port registrations rejected for range, occupancy or bind failures",
	})
	expiredSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "expired_sessions",
		Help:      "Sessions removed by the heartbeat janitor",
	})
)

func init() {
	prometheus.MustRegister(
		authenticatedClients,
		registeredPorts,
		activeConnections,
		totalConnections,
		activeUDPSessions,
		totalUDPSessions,
		controlMessages,
		registrationRejections,
		expiredSessions,
	)
}

func incrementConnections(proto protocol.Protocol) {
	totalConnections.WithLabelValues(string(proto)).Inc()
	activeConnections.WithLabelValues(string(proto)).Inc()
}

func decrementActiveConnections(proto protocol.Protocol) {
	activeConnections.WithLabelValues(string(proto)).Dec()
}

func incrementUDPSessions() {
	totalUDPSessions.Inc()
	activeUDPSessions.Inc()
}

func decrementActiveUDPSessions() {
	activeUDPSessions.Dec()
}

func countControlMessage(t protocol.MessageType) {
	controlMessages.WithLabelValues(string(t)).Inc()
}
