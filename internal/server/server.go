package server

import (
	"io"
	"net/http"
	"time"

	"http-tarpit/internal/config"
	"http-tarpit/internal/metrics"
)

// New returns the tarpit listener with h as its root handler, so every
// method and path reaches it.
//
// Timeouts:
//   - WriteTimeout stays 0: any write deadline would cut the drip short
//   - ReadHeaderTimeout bounds slowloris-style header trickling from the
//     other side
//   - IdleTimeout reaps keep-alive connections after the body is done
func New(cfg config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// NewOps returns the operator listener serving /metrics and /health, or
// nil when METRICS_ADDR is empty.
func NewOps(cfg config.Config, m *metrics.Metrics) *http.Server {
	if cfg.MetricsAddr == "" {
		return nil
	}
	return &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           OpsHandler(m),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// OpsHandler
//
//   - /metrics : counters as "name=value" lines
//   - /health  : "ok"
func OpsHandler(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, m.String())
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
