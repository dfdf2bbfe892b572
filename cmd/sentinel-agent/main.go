// Command sentinel-agent is the host correlator binary. It loads a YAML
// configuration file, opens the fanotify channel on the configured mount,
// opens the local backup store, durable report queue, and tamper-evident
// audit log, builds the response engine from the configured patterns, and
// drives the correlator loop until SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentinelfs/sentinel/internal/audit"
	"github.com/sentinelfs/sentinel/internal/backup"
	"github.com/sentinelfs/sentinel/internal/config"
	"github.com/sentinelfs/sentinel/internal/daemon"
	"github.com/sentinelfs/sentinel/internal/fanotify"
	"github.com/sentinelfs/sentinel/internal/procinfo"
	"github.com/sentinelfs/sentinel/internal/queue"
	"github.com/sentinelfs/sentinel/internal/response"
	"github.com/sentinelfs/sentinel/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/sentinel/agent.yaml", "path to the sentinel agent YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinel-agent: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("mount", cfg.Mount),
		slog.String("collector_addr", cfg.CollectorAddr),
		slog.String("response_mode", cfg.ResponseMode),
	)

	patterns, err := config.CompilePatterns(cfg.Patterns)
	if err != nil {
		logger.Error("failed to compile patterns", slog.Any("error", err))
		os.Exit(1)
	}

	channel, err := fanotify.Open(cfg.Mount)
	if err != nil {
		logger.Error("failed to open fanotify channel", slog.String("mount", cfg.Mount), slog.Any("error", err))
		os.Exit(1)
	}
	defer channel.Close()

	store, err := backup.Open(cfg.BackupPath)
	if err != nil {
		logger.Error("failed to open backup store", slog.String("path", cfg.BackupPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.String("path", cfg.AuditLogPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLog.Close()

	reportQueue, err := queue.New(cfg.QueuePath)
	if err != nil {
		logger.Error("failed to open report queue", slog.String("path", cfg.QueuePath), slog.Any("error", err))
		os.Exit(1)
	}
	defer reportQueue.Close()

	verdict := response.Kill
	if cfg.ResponseMode == "stop" {
		verdict = response.Stop
	}

	engine := response.New(response.Config{
		Patterns:        patterns,
		Verdict:         verdict,
		Channel:         channel,
		WatchedMask:     fanotify.WatchedMask,
		Store:           store,
		ProcessInfo:     procinfo.DefaultProcessInfo{},
		Signaler:        response.OSSignaler{},
		Audit:           auditLog,
		Queue:           reportQueue,
		HistoryCapacity: cfg.HistoryCapacity,
		Logger:          logger,
	})

	transportClient := transport.New(
		transport.ClientConfig{
			Addr:         cfg.CollectorAddr,
			CertPath:     cfg.TLS.CertPath,
			KeyPath:      cfg.TLS.KeyPath,
			CAPath:       cfg.TLS.CAPath,
			AgentVersion: cfg.AgentVersion,
		},
		reportQueue,
		logger,
	)

	loop := daemon.New(daemon.Config{
		Channel:        channel,
		Engine:         engine,
		FatalThreshold: cfg.FatalThreshold,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := transportClient.Start(ctx); err != nil {
		logger.Error("failed to start transport", slog.Any("error", err))
		os.Exit(1)
	}

	loopErrCh := make(chan error, 1)
	go func() {
		loopErrCh <- loop.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-loopErrCh:
		if err != nil {
			logger.Error("correlator loop exited", slog.Any("error", err))
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	transportClient.Stop()
	logger.Info("sentinel agent exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
