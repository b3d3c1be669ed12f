package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-callbridge/pkg/gateway/report"
	gatewayserver "github.com/vango-go/vai-callbridge/pkg/gateway/server"
)

// Calls canceled after the grace period still need a moment to tear down and report.
const cancelSettle = 2 * time.Second

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// buildReporter wires one sink per configured destination; with none
// configured the reporter logs events. The returned cleanup closes any client
// the reporter owns.
func buildReporter(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, deps bridgeDeps) (*report.Reporter, func()) {
	var sinks []report.Sink
	cleanup := func() {}

	if cfg.ReportURL != "" {
		sinks = append(sinks, report.NewHTTPSink(cfg.ReportURL, &http.Client{Timeout: cfg.ReportTimeout}))
	}
	if cfg.ReportRedisAddr != "" && deps.newRedis != nil {
		client := deps.newRedis(cfg.ReportRedisAddr)
		sinks = append(sinks, report.NewRedisSink(client, cfg.ReportRedisStream))
		cleanup = func() {
			if err := client.Close(); err != nil {
				logger.Warn("close report redis client", "error", err)
			}
		}
	}

	rep := report.New(report.Options{
		Sinks:     sinks,
		QueueSize: cfg.ReportQueueSize,
		Timeout:   cfg.ReportTimeout,
		Metrics:   m,
		Logger:    logger,
	})
	return rep, cleanup
}

func serve(ctx context.Context, stderr io.Writer, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return runBridge(ctx, cfg, newLogger(cfg, stderr), deps)
}

func runBridge(ctx context.Context, cfg config.Config, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadProfile == nil {
		return errors.New("missing loadProfile dependency")
	}
	if deps.newServer == nil {
		return errors.New("missing newServer dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	prof, err := deps.loadProfile(cfg.ProfilePath)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New("")
	}
	rep, closeReporterClients := buildReporter(cfg, logger, m, deps)
	defer closeReporterClients()

	gw := deps.newServer(cfg, logger, gatewayserver.Options{
		Profile:  prof,
		Reporter: rep,
		Metrics:  m,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting callbridge",
		"addr", cfg.Addr,
		"backend_model", cfg.BackendModel,
		"profile", prof.Name,
		"tools", len(prof.Tools),
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		closeReporter(rep, cfg.ReportTimeout, logger)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	gw.LogLiveCalls()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Shutdown does not track hijacked websocket connections.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveCalls(waitCtx) {
		n := gw.CancelLiveCalls()
		logger.Warn("grace period elapsed, canceling live calls", "calls", n)
		settleCtx, settleCancel := context.WithTimeout(context.Background(), cancelSettle)
		gw.WaitLiveCalls(settleCtx)
		settleCancel()
	}

	closeReporter(rep, cfg.ReportTimeout, logger)

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("callbridge stopped")
	return nil
}

func closeReporter(rep *report.Reporter, timeout time.Duration, logger *slog.Logger) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rep.Close(ctx); err != nil {
		logger.Warn("report queue not drained", "error", err)
	}
}
