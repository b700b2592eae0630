package datachannel

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "chuantou"
	subsystem = "datachannel"
)

var (
	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sent_bytes",
		Help:      "Total bytes written to data channel transports, framing included",
	})
	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "received_bytes",
		Help:      "Total bytes read from data channel transports, framing included",
	})
	activeRoutes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "active_routes",
		Help:      "Concurrent count of logical connections attached to data channels",
	})
	totalRoutes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "total_routes",
		Help:      "Total count of logical connections attached to data channels",
	})
	droppedUnrouted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "unrouted_frames",
		Help:      "Frames dropped because no route was open for their connection",
	})
	writeStalls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "write_stalls",
		Help:      "Data channels dropped because a transport write blocked past the grace period",
	})
)

func init() {
	prometheus.MustRegister(
		bytesSent,
		bytesReceived,
		activeRoutes,
		totalRoutes,
		droppedUnrouted,
		writeStalls,
	)
}

func incrementFramesSent(bytes int64) {
	bytesSent.Add(float64(bytes))
}

func incrementFramesReceived(bytes int64) {
	bytesReceived.Add(float64(bytes))
}

func incrementRoutesOpened() {
	totalRoutes.Inc()
	activeRoutes.Inc()
}

func decrementActiveRoutes() {
	activeRoutes.Dec()
}
