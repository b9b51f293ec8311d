// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "config.toml")
	err := os.WriteFile(configPath, []byte(content), 0644)
	require.NoError(t, err)
	return configPath
}

func TestNewLoadsStorages(t *testing.T) {
	configPath := writeConfig(t, `
logLevel = "INFO"
workers = 2

[mediaScanner]
host = "scanner.local"
port = 8000

[[storages]]
id = "ingest"
kind = "local"
path = "/mnt/ingest"
watchFolder = true
watchFolderTargetId = "archive"
mediaPath = "media"

[[storages]]
id = "archive"
kind = "local"
path = "/mnt/archive"
`)

	c, err := New(configPath, "test")
	require.NoError(t, err)

	assert.Equal(t, "INFO", c.Config.LogLevel)
	assert.Equal(t, 2, c.Config.Workers)
	assert.Equal(t, "scanner.local", c.Config.MediaScanner.Host)
	assert.Equal(t, 8000, c.Config.MediaScanner.Port)

	require.Len(t, c.Config.Storages, 2)
	assert.True(t, c.Config.Storages[0].WatchFolder)
	assert.Equal(t, "archive", c.Config.Storages[0].WatchFolderTargetID)
	assert.Equal(t, "media", c.Config.Storages[0].MediaPath)
}

func TestNewDatabasePathNextToConfig(t *testing.T) {
	configPath := writeConfig(t, `workers = 1`)

	c, err := New(configPath, "test")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(filepath.Dir(configPath), "mediamgr.db"), c.Config.DatabasePath)
}

func TestNewEnvOverrides(t *testing.T) {
	configPath := writeConfig(t, `
workers = 1

[mediaScanner]
host = "scanner.local"
port = 8000
`)

	t.Setenv("MEDIAMGR__WORKERS", "5")
	t.Setenv("MEDIAMGR__MEDIA_SCANNER__HOST", "other.local")

	c, err := New(configPath, "test")
	require.NoError(t, err)

	assert.Equal(t, 5, c.Config.Workers)
	assert.Equal(t, "other.local", c.Config.MediaScanner.Host)
}

func TestNewMissingConfigFileUsesDefaults(t *testing.T) {
	c, err := New(filepath.Join(t.TempDir(), "config.toml"), "test")
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", c.Config.LogLevel)
	assert.Equal(t, 3, c.Config.Workers)
	assert.False(t, c.Config.MetricsEnabled)
}

func TestNewRejectsInvalidStorages(t *testing.T) {
	configPath := writeConfig(t, `
workers = 1

[[storages]]
id = "ingest"
kind = "local"
path = "/mnt/ingest"
watchFolder = true
watchFolderTargetId = "missing"
`)

	_, err := New(configPath, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "targets unknown storage")
}
