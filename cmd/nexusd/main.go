package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"NexusAgent/internal/api"
	"NexusAgent/internal/app"
	"NexusAgent/internal/config"
	"NexusAgent/pkg/logger"
)

// main 是协调器守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("nexusd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	components, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer components.Close()

	// 指标始终记录，仅在开启时对外暴露。
	metricsPath := ""
	if cfg.Observability.MetricsEnabled {
		metricsPath = cfg.Observability.MetricsPath
	}
	server := api.NewServer(cfg.Server.Address, components.Settlement, components.Wallets, components.Audit,
		api.WithShutdownTimeout(time.Duration(cfg.Server.ShutdownSeconds)*time.Second),
		api.WithMetrics(components.Metrics, components.Registry, metricsPath),
		api.WithAPIToken(os.Getenv(cfg.Server.APITokenEnv)),
		api.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
	)

	logger.L().Info("nexusd starting",
		slog.String("addr", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.L().Info("nexusd stopped")
	return nil
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.Audit.Enabled,
			Path:    cfg.Logging.Audit.Path,
			Rotation: logger.Rotation{
				MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
				MaxBackups: cfg.Logging.Audit.MaxBackups,
				MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			},
		},
	})
}
