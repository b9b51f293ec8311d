// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/GitThaisen/tv-automation-media-management/internal/config"
	"github.com/GitThaisen/tv-automation-media-management/internal/database"
	"github.com/GitThaisen/tv-automation-media-management/internal/generator"
	"github.com/GitThaisen/tv-automation-media-management/internal/logger"
	"github.com/GitThaisen/tv-automation-media-management/internal/mediascanner"
	"github.com/GitThaisen/tv-automation-media-management/internal/metrics"
	"github.com/GitThaisen/tv-automation-media-management/internal/models"
	"github.com/GitThaisen/tv-automation-media-management/internal/storage"
	"github.com/GitThaisen/tv-automation-media-management/internal/worker"
)

func RunServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the synchronisation daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(configPath, version)
			if err != nil {
				return err
			}

			logger.Setup(cfg.Config)
			cfg.WatchConfig()

			log.Info().Str("version", version).Msg("starting mediamgr")

			db, err := database.New(cfg.Config.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			storages, err := storage.BuildSet(cfg.Config.Storages)
			if err != nil {
				return err
			}
			defer storages.Close()

			store := models.NewTrackedMediaStore(db)
			scanner := mediascanner.New(cfg.Config.MediaScanner)

			var mm *metrics.Manager
			var metricsSrv *metrics.Server
			if cfg.Config.MetricsEnabled {
				mm = metrics.NewManager()
				metricsSrv = metrics.NewServer(mm, cfg.Config.MetricsHost, cfg.Config.MetricsPort)
				metricsSrv.Start()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			gen := generator.NewWatchFolder(store, storages, mm)

			dispatcher := worker.NewDispatcher(store, scanner, mm, cfg.Config.Workers)
			dispatcher.Start(ctx, gen.Workflows())

			if err := gen.Init(ctx); err != nil {
				dispatcher.Stop()
				return err
			}

			log.Info().Int("storages", len(storages)).Int("workers", cfg.Config.Workers).Msg("mediamgr running")

			<-ctx.Done()
			log.Info().Msg("shutting down")

			gen.Destroy()
			dispatcher.Stop()

			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := metricsSrv.Stop(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("metrics server shutdown failed")
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath(), "Path to config file or directory")

	return cmd
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/mediamgr/config.toml"
	}
	return "config.toml"
}
