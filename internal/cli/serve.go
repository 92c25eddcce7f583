package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/warden/internal/config"
	"github.com/iambrandonn/warden/internal/eventlog"
	"github.com/iambrandonn/warden/internal/metrics"
	"github.com/iambrandonn/warden/internal/operation"
	"github.com/iambrandonn/warden/internal/server"
	"github.com/iambrandonn/warden/internal/supervisor"
	"github.com/iambrandonn/warden/internal/transcript"
	"github.com/iambrandonn/warden/internal/transport"
	"github.com/iambrandonn/warden/internal/work/procworker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the warden protocol on stdin/stdout",
	Long: `Serve one client session over stdin/stdout. Each request launches the
configured worker command as a child process; warden relays progress,
enforces timeouts, propagates cancellation, and responds exactly once
per operation. The session ends when the client closes stdin.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// stdout carries the protocol, so diagnostics go to stderr
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadOrCreateConfig(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Trace {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	logger.Info("loaded configuration", "path", cfgPath)

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	conn := transport.NewConn(os.Stdout, logger)
	starter := procworker.New(cfg.Worker.Cmd, cfg.Worker.Env, logger)

	sup := supervisor.New(operation.NewRegistry(), starter, conn, logger, supervisor.Options{
		GracePeriod:    time.Duration(cfg.Policy.GraceMs) * time.Millisecond,
		DefaultTimeout: time.Duration(cfg.Policy.DefaultTimeoutMs) * time.Millisecond,
		Metrics:        m,
	})

	srv := server.New(sup, os.Stdin, conn, logger, server.Options{
		DrainTimeout:    time.Duration(cfg.Policy.DrainMs) * time.Millisecond,
		MaxMessageBytes: cfg.Policy.MessageMaxBytes,
	})

	if cfg.EventLog != "" {
		logPath := cfg.EventLog
		if !filepath.IsAbs(logPath) {
			logPath = filepath.Join(filepath.Dir(cfgPath), logPath)
		}
		evtLog, err := eventlog.NewEventLog(logPath, logger)
		if err != nil {
			return fmt.Errorf("failed to create event log: %w", err)
		}
		defer evtLog.Close()
		sup.SetEventLog(evtLog)
		srv.SetEventLog(evtLog)
		logger.Info("event log enabled", "path", logPath)
	}

	if cfg.Trace {
		formatter := transcript.NewFormatter()
		sup.SetTranscriptFormatter(formatter)
		srv.SetTranscriptFormatter(formatter)
	}

	g, gctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		g.Go(func() error {
			logger.Info("metrics listener started", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer stop() // session over: unwind the metrics listener too
		return srv.Serve(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("session ended")
	return nil
}

// loadOrCreateConfig finds an existing config or creates a default in the
// current directory, mirroring how the config search walks up the tree.
func loadOrCreateConfig(configPath string) (*config.Config, string, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", err
		}
		return cfg, configPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}

	if foundPath, err := config.Find(cwd); err == nil {
		cfg, err := config.LoadFromFile(foundPath)
		if err != nil {
			return nil, "", err
		}
		return cfg, foundPath, nil
	}

	// No config found, create default in current directory
	defaultPath := filepath.Join(cwd, config.DefaultFileName)
	cfg := config.GenerateDefault()
	if err := cfg.SaveToFile(defaultPath); err != nil {
		return nil, "", fmt.Errorf("failed to save default config: %w", err)
	}

	return cfg, defaultPath, nil
}
