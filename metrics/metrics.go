// Package metrics serves the prometheus scrape endpoint and the status API
// over a dedicated listener, away from tunnel traffic.
package metrics

import (
	"context"
	"net"
	"net/http"
	_ "net/http/pprof"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/trace"
)

const (
	shutdownTimeout = time.Second * 15
	startupTime     = time.Millisecond * 500
)

// Broker surfaces the in-memory registry snapshots for the status API. The
// server's session manager implements it; the client runs without one.
type Broker interface {
	StatsJSON() ([]byte, error)
	SessionsJSON() ([]byte, error)
}

// Config selects which endpoints the metrics server exposes beyond
// /metrics and /healthz.
type Config struct {
	ReadyServer *ReadyServer
	Broker      Broker
}

func newMetricsHandler(cfg Config) http.Handler {
	router := chi.NewRouter()
	router.Get("/debug/pprof/*", http.DefaultServeMux.ServeHTTP)
	router.Get("/metrics", promhttp.Handler().ServeHTTP)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	})
	if cfg.ReadyServer != nil {
		router.Get("/ready", cfg.ReadyServer.ServeHTTP)
	}
	if cfg.Broker != nil {
		router.Get("/api/stats", serveJSON(cfg.Broker.StatsJSON))
		router.Get("/api/sessions", serveJSON(cfg.Broker.SessionsJSON))
	}
	return router
}

func serveJSON(source func() ([]byte, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := source()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}

// ServeMetrics runs the metrics server on l until ctx is done.
func ServeMetrics(l net.Listener, ctx context.Context, cfg Config, log *zerolog.Logger) (err error) {
	var wg sync.WaitGroup
	// Metrics port is privileged, so no need for further access control.
	trace.AuthRequest = func(*http.Request) (bool, bool) { return true, true }
	// TODO: parameterize ReadTimeout and WriteTimeout. The maximum time we can
	// profile CPU usage depends on WriteTimeout.
	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      newMetricsHandler(cfg),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err = server.Serve(l)
	}()
	log.Info().Msgf("Starting metrics server on %s", metricsURL(l.Addr()))
	// server.Serve will hang if server.Shutdown is called before the server is
	// fully started up. So add artificial delay.
	time.Sleep(startupTime)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	_ = server.Shutdown(shutdownCtx)
	cancel()

	wg.Wait()
	if err == http.ErrServerClosed {
		log.Info().Msg("Metrics server stopped")
		return nil
	}
	log.Err(err).Msg("Metrics server quit with error")
	return err
}

func metricsURL(addr net.Addr) string {
	return "http://" + addr.String() + "/metrics"
}

// RegisterBuildInfo publishes the build metadata gauge every binary exports.
func RegisterBuildInfo(buildTime string, version string) {
	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build and version information",
		},
		[]string{"goversion", "buildtime", "version"},
	)
	prometheus.MustRegister(buildInfo)
	buildInfo.WithLabelValues(runtime.Version(), buildTime, version).Set(1)
}
