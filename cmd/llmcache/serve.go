package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/llmcache/pkg/cache"
	"github.com/pario-ai/llmcache/pkg/cache/backend"
	"github.com/pario-ai/llmcache/pkg/logging"
	"github.com/pario-ai/llmcache/pkg/proxy"
	"github.com/pario-ai/llmcache/pkg/telemetry"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the caching proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			logger, err := logging.New(cfg.Log, version)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			var store cache.Store
			if cfg.Cache.Enabled {
				store, err = backend.Open(cfg.Cache)
				if err != nil {
					return fmt.Errorf("init cache: %w", err)
				}
				defer func() { _ = store.Close() }()
			}

			tp, err := telemetry.New()
			if err != nil {
				return fmt.Errorf("init metrics: %w", err)
			}
			defer func() { _ = tp.Shutdown(context.Background()) }()

			metrics, err := proxy.NewMetrics(tp.Meter("github.com/pario-ai/llmcache/pkg/proxy"))
			if err != nil {
				return fmt.Errorf("init metrics: %w", err)
			}

			srv := proxy.New(cfg, store, metrics,
				proxy.WithLogger(logger),
				proxy.WithMetricsHandler(tp.Handler()),
			)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			names := make([]string, 0, len(cfg.Providers))
			for _, p := range cfg.Providers {
				names = append(names, p.Name)
			}
			logger.Info("starting llmcache",
				zap.String("config", configPath),
				zap.Bool("cache", cfg.Cache.Enabled),
				zap.String("backend", cfg.Cache.Backend),
				zap.Bool("coalesce", cfg.Cache.Coalesce),
				zap.Strings("providers", names),
			)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}
