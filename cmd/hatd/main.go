// Command hatd runs a HAT reputation node.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"hat_reputation/pkg/config"
	"hat_reputation/pkg/engine"
	"hat_reputation/pkg/utils"
)

const (
	startTimeout    = 2 * time.Minute
	shutdownTimeout = 30 * time.Second
)

var (
	configFile  = flag.String("config", "config.yaml", "Path to configuration file")
	dataDir     = flag.String("data-dir", "./data", "Data directory path")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	metricsAddr = flag.String("metrics-addr", "", "Serve prometheus metrics on this address, e.g. :9100")
	execCommand = flag.String("exec", "", "Run one engine command, print its JSON result and exit")
	execParams  = flag.String("params", "{}", "JSON parameters for -exec")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration %s: %v\n", *configFile, err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Node exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, startTimeout)
	node, err := newNode(initCtx, cfg, *dataDir, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("initializing node: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := node.stop(shutdownCtx); err != nil {
			logger.Error("Shutdown error", zap.Error(err))
		}
		logger.Info("All services stopped")
	}()

	if *execCommand != "" {
		return execute(ctx, node.engine, engine.Command(*execCommand), *execParams)
	}

	if err := node.start(ctx); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(node.reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		logger.Info("Serving metrics", zap.String("addr", *metricsAddr))
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	return nil
}

func execute(ctx context.Context, e *engine.Engine, cmd engine.Command, params string) error {
	result, err := e.Dispatch(ctx, cmd, json.RawMessage(params))
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func initLogger(cfg *config.Config, debug bool) (*zap.Logger, error) {
	lc := utils.DefaultLogConfig()
	lc.Level = cfg.GetLogLevel()
	if debug {
		lc.Level.SetLevel(zap.DebugLevel)
	}
	lc.Debug = debug || cfg.IsDevelopment()
	if cfg.Log.File != "" {
		lc.OutputPath = cfg.Log.File
	}
	if cfg.Log.MaxSizeMB > 0 {
		lc.MaxSize = cfg.Log.MaxSizeMB
	}
	if cfg.Log.MaxAgeDays > 0 {
		lc.MaxAge = cfg.Log.MaxAgeDays
	}
	if cfg.Log.MaxBackups > 0 {
		lc.MaxBackups = cfg.Log.MaxBackups
	}
	lc.Compress = cfg.Log.Compress
	lc.Console = cfg.Log.Console
	return utils.NewLogger(lc)
}
