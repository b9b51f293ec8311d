// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/GitThaisen/tv-automation-media-management/internal/domain"
)

const envPrefix = "MEDIAMGR__"

// AppConfig wraps the parsed configuration and the viper instance that
// produced it, so the config file can be watched for live changes.
type AppConfig struct {
	Config *domain.Config
	viper  *viper.Viper
}

// New loads configuration from configPath (a file or a directory that
// contains config.toml). A missing file is not an error; defaults and
// environment overrides still apply.
func New(configPath string, version string) (*AppConfig, error) {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults(version)

	if err := c.load(configPath); err != nil {
		return nil, err
	}

	if err := c.Config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return c, nil
}

func (c *AppConfig) defaults(version string) {
	c.Config = &domain.Config{
		Version:       version,
		LogLevel:      "DEBUG",
		LogMaxSize:    50,
		LogMaxBackups: 3,
		Workers:       3,
		MetricsHost:   "127.0.0.1",
		MetricsPort:   9074,
	}

	c.viper.SetDefault("logLevel", c.Config.LogLevel)
	c.viper.SetDefault("logMaxSize", c.Config.LogMaxSize)
	c.viper.SetDefault("logMaxBackups", c.Config.LogMaxBackups)
	c.viper.SetDefault("workers", c.Config.Workers)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", c.Config.MetricsHost)
	c.viper.SetDefault("metricsPort", c.Config.MetricsPort)
}

func (c *AppConfig) load(configPath string) error {
	c.viper.SetConfigType("toml")

	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil && info.IsDir() {
			configPath = filepath.Join(configPath, "config.toml")
		}
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return fmt.Errorf("read config %s: %w", configPath, err)
				}
			}
		}
	}

	c.bindEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if c.Config.DataDir == "" && configPath != "" {
		c.Config.DataDir = filepath.Dir(configPath)
	}
	if c.Config.DatabasePath == "" {
		c.Config.DatabasePath = filepath.Join(c.Config.DataDir, "mediamgr.db")
	}

	return nil
}

// bindEnv maps MEDIAMGR__ environment variables onto config keys.
// Nested keys use double underscores: MEDIAMGR__MEDIA_SCANNER__HOST.
func (c *AppConfig) bindEnv() {
	for env, key := range map[string]string{
		envPrefix + "LOG_LEVEL":           "logLevel",
		envPrefix + "LOG_PATH":            "logPath",
		envPrefix + "DATA_DIR":            "dataDir",
		envPrefix + "DATABASE_PATH":       "databasePath",
		envPrefix + "WORKERS":             "workers",
		envPrefix + "METRICS_ENABLED":     "metricsEnabled",
		envPrefix + "METRICS_HOST":        "metricsHost",
		envPrefix + "METRICS_PORT":        "metricsPort",
		envPrefix + "MEDIA_SCANNER__HOST": "mediaScanner.host",
		envPrefix + "MEDIA_SCANNER__PORT": "mediaScanner.port",
	} {
		if v, ok := os.LookupEnv(env); ok {
			c.viper.Set(key, v)
		}
	}
}

// WatchConfig re-reads the config file on change and applies the settings
// that are safe to change at runtime (currently only logLevel).
func (c *AppConfig) WatchConfig() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Debug().Msgf("config file changed: %s", e.Name)

		level := c.viper.GetString("logLevel")
		if level == "" {
			return
		}
		if lvl, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			zerolog.SetGlobalLevel(lvl)
			c.Config.LogLevel = level
			log.Info().Msgf("log level changed to %s", level)
		}
	})
	c.viper.WatchConfig()
}
