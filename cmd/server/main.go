package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"http-tarpit/internal/config"
	"http-tarpit/internal/geoip"
	"http-tarpit/internal/logger"
	"http-tarpit/internal/metrics"
	"http-tarpit/internal/report"
	"http-tarpit/internal/server"
	"http-tarpit/internal/store"
	"http-tarpit/internal/worker"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("tarpit: fatal")
	}
}

func run() error {

	// ====================================================================
	// CPU
	// ====================================================================
	// The tarpit is I/O bound: thousands of goroutines asleep between two
	// one-byte writes. GOMAXPROCS from the environment wins, default 1.
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else {
		runtime.GOMAXPROCS(1)
	}

	// ====================================================================
	// Config & logging
	// ====================================================================
	cfg, err := config.Load()
	if err != nil {
		// logger not set up yet
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logCloser := logger.Init(cfg)
	defer logCloser.Close()

	m := metrics.New()

	// cancelled first on shutdown: wakes every sleeping tarpit handler
	life, stopLife := context.WithCancel(context.Background())
	defer stopLife()

	// ====================================================================
	// Storage & enrichment
	// ====================================================================
	db, err := store.Open(cfg.SQLiteDBFile)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer db.Close()

	geo := geoip.Open(cfg.GeoCityDBPath, cfg.GeoASNDBPath)
	defer geo.Close()

	// ====================================================================
	// Abuse reporting
	// ====================================================================
	var dispatcher *report.Dispatcher
	var sink report.Sink
	if cfg.ReportingActive() {
		client := report.NewClient(cfg.AbuseIPDBAPIURL, cfg.AbuseIPDBAPIKey, cfg.AbuseIPDBTimeout)
		dispatcher = report.NewDispatcher(client, report.DispatcherConfig{
			Workers:       cfg.AbuseIPDBWorkers,
			QueueSize:     cfg.AbuseIPDBQueueSize,
			RatePerMinute: cfg.AbuseIPDBRatePerMinute,
			Timeout:       cfg.AbuseIPDBTimeout,
		}, m)
		sink = dispatcher
	}
	cache := report.NewCache(cfg.AbuseIPDBReportInterval, cfg.ReportCacheMax)
	gate := report.NewGate(cfg, cache, db, sink, m)

	// ====================================================================
	// Event archive (optional)
	// ====================================================================
	deps := server.Deps{
		Recorder: db,
		Gate:     gate,
		Metrics:  m,
	}
	if geo.Enabled() {
		deps.Geo = geo
	}

	var mgr *worker.Manager
	if cfg.ArchiveEnabled() {
		uploader, err := worker.NewS3Uploader(life, cfg, m)
		if err != nil {
			return err
		}
		mgr, err = worker.NewManager(cfg, m, uploader)
		if err != nil {
			return err
		}
		mgr.Start()
		deps.Archive = mgr
	}

	// ====================================================================
	// Listeners
	// ====================================================================
	tarpit := server.NewTarpit(life, cfg, deps)
	srv := server.New(cfg, tarpit)
	ops := server.NewOps(cfg, m)

	n, _ := db.Count(context.Background())
	log.Info().
		Str("listen", cfg.ListenAddr()).
		Dur("response_delay", cfg.ResponseDelay).
		Str("response_chunk", string(cfg.ResponseChunk)).
		Int64("max_response_bytes", cfg.MaxResponseBytes).
		Str("target_port_header", cfg.TargetPortHeader).
		Bool("abuseipdb", gate.Enabled()).
		Dur("report_interval", cfg.AbuseIPDBReportInterval).
		Bool("geoip", geo.Enabled()).
		Bool("archive", cfg.ArchiveEnabled()).
		Str("metrics_addr", cfg.MetricsAddr).
		Str("sqlite", cfg.SQLiteDBFile).
		Int64("stored_events", n).
		Msg("tarpit: starting")

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("tarpit listener: %w", err)
		}
	}()
	if ops != nil {
		go func() {
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics listener: %w", err)
			}
		}()
	}

	// ====================================================================
	// Graceful shutdown
	// ====================================================================
	//  1. stop accepting, wake sleeping handlers so they persist their events
	//  2. wait for handlers (SHUTDOWN_TIMEOUT)
	//  3. drain the report queue, then the archive, then close the store
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("tarpit: shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("tarpit: listener failed, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	stopLife()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("tarpit: http shutdown")
	}
	if ops != nil {
		_ = ops.Shutdown(ctx)
	}

	if dispatcher != nil {
		if err := dispatcher.Close(ctx); err != nil {
			log.Warn().Err(err).Int("pending", dispatcher.Pending()).Msg("tarpit: report queue not drained")
		}
	}

	if mgr != nil {
		// the archive gets its own budget: S3 retries can take a while
		actx, acancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+cfg.S3Timeout)
		if err := mgr.Shutdown(actx); err != nil {
			log.Warn().Err(err).Msg("tarpit: archive not fully flushed")
		}
		acancel()
	}

	log.Info().Msg("tarpit: shutdown complete")
	return runErr
}
