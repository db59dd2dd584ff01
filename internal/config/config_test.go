package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults().PingPort, cfg.PingPort)
	require.Equal(t, "127.0.0.1:9050", cfg.SocksAddr)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pingpong.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ping_port: 7000\nsocks_addr: \"127.0.0.1:9150\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.PingPort)
	require.Equal(t, "127.0.0.1:9150", cfg.SocksAddr)
}

func TestValidateRejectsDuplicatePorts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pingpong.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ping_port: 8080\ntap_port: 8080\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
