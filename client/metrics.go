package client

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "chuantou"
	subsystem = "client"
)

var (
	reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "reconnects",
		Help:      "Control link redials after a session drop or failed dial",
	})
	heartbeatsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "heartbeats_sent",
		Help:      "Heartbeats written to the control link",
	})
	requestTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "request_timeouts",
		Help:      "Control requests that never saw a response",
	})
	registrationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "registration_failures",
		Help:      "Port registrations the server rejected",
	})
	activeProxyConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "active_proxy_connections",
		Help:      "Concurrent logical connections proxied to local services",
	})
	localDialFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "local_dial_failures",
		Help:      "Local service dials that failed",
	})
	dataLinkRedials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "data_link_redials",
		Help:      "Data channel redials under a live control session",
	})
)

func init() {
	prometheus.MustRegister(
		reconnects,
		heartbeatsSent,
		requestTimeouts,
		registrationFailures,
		activeProxyConns,
		localDialFailures,
		dataLinkRedials,
	)
}
