package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutPath(t *testing.T) {
	w, err := Load("")
	require.NoError(t, err)

	cfg := w.Current()
	require.Equal(t, 1, cfg.Queues["default"])
	require.Equal(t, 24*time.Hour, cfg.JobTimeout)
	require.Equal(t, "mem", cfg.Store.Backend)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "queues:\n  default: 4\n  io: 2\njob_timeout: 1h\nstore:\n  backend: bolt\n  path: /tmp/fp.db\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	w, err := Load(path)
	require.NoError(t, err)

	cfg := w.Current()
	require.Equal(t, 4, cfg.Queues["default"])
	require.Equal(t, 2, cfg.Queues["io"])
	require.Equal(t, time.Hour, cfg.JobTimeout)
	require.Equal(t, "bolt", cfg.Store.Backend)
	require.Equal(t, "/tmp/fp.db", cfg.Store.Path)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	require.Error(t, err)
}
