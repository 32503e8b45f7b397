package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/portcullis/gateway/internal/auth"
	"github.com/portcullis/gateway/internal/config"
	"github.com/portcullis/gateway/internal/gateway"
	"github.com/portcullis/gateway/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("API Gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := watcher.Config()

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting API Gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("listen", cfg.Server.Listen),
		zap.String("controlPlane", cfg.ControlPlane.URL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jwks, err := auth.NewJWKSProvider(ctx, auth.JWKSURL(cfg.JWT.IssuerURI, cfg.JWT.JWKSPath), cfg.JWT.Refresh)
	if err != nil {
		logging.Error("Failed to initialize JWKS", zap.Error(err))
		os.Exit(1)
	}

	server := gateway.New(cfg, jwks.KeyFunc())

	// Hot reload covers the logging level and the pipeline's tunable settings;
	// routing and policy state comes from the control plane, not this file.
	watcher.OnChange(func(next *config.Config) {
		reloaded, err := logging.New(next.Logging.Level)
		if err != nil {
			logging.Error("Ignoring reloaded logging config", zap.Error(err))
			return
		}
		logging.SetGlobal(reloaded)
		server.ApplyConfig(next)
		logging.Info("Configuration reloaded", zap.String("config", *configPath))
	})
	if err := watcher.Start(); err != nil {
		logging.Error("Failed to watch configuration", zap.Error(err))
		os.Exit(1)
	}
	defer watcher.Stop()

	if err := server.Bootstrap(ctx); err != nil {
		logging.Error("Bootstrap failed", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(ctx); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
	logging.Info("Gateway stopped")
}
