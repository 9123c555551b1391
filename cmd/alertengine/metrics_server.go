package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// metricsServer exposes the engine's prometheus collectors (evaluations,
// verdict errors, delivery outcomes, scheduler overruns) on the listener
// named by METRICS_LISTEN_ADDR, kept separate from the
// Management API so a dashboard scraper and an operator hitting the
// rules/history endpoints never contend on the same listener.
//
// Unlike a background watcher that tears itself down on ctx.Done(), this
// server exposes an explicit Start/Stop pair: runServer sequences its
// shutdown the same way it already sequences the Management API
// server's, instead of racing the run context's cancellation.
type metricsServer struct {
	addr       string
	httpServer *http.Server
}

func newMetricsServer(addr string) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &metricsServer{
		addr: addr,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		},
	}
}

// Start begins serving /metrics in the background.
func (m *metricsServer) Start() {
	go func() {
		log.Info().
			Str("component", "metrics_server").
			Str("action", "listening").
			Str("addr", m.addr).
			Msg("alert engine metrics endpoint listening")
		if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().
				Err(err).
				Str("component", "metrics_server").
				Str("action", "stopped_unexpectedly").
				Str("addr", m.addr).
				Msg("metrics server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts the metrics listener down. Called from the same
// shutdown sequence that stops the Management API server, bounded by the
// caller's context rather than a package-private timeout.
func (m *metricsServer) Stop(ctx context.Context) error {
	return m.httpServer.Shutdown(ctx)
}
