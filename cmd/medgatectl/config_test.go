package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MEDGATE_CLI_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("MEDGATE_ADDR", "")
	t.Setenv("MEDGATE_TOKEN", "")
	t.Setenv("MEDGATE_CACERT", "")

	loadConfig()
	assert.Equal(t, defaultAddress, cfg.Address)
	assert.Empty(t, cfg.Token)
}

func TestEnvironmentOverridesAreNotSaved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli", "config.yaml")
	t.Setenv("MEDGATE_CLI_CONFIG", path)
	t.Setenv("MEDGATE_ADDR", "")
	t.Setenv("MEDGATE_TOKEN", "")
	t.Setenv("MEDGATE_CACERT", "")

	loadConfig()
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, rememberToken("tok-saved", "alice", exp))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	t.Setenv("MEDGATE_ADDR", "https://gate.ward.example")
	t.Setenv("MEDGATE_CACERT", "/etc/medgate/ca.pem")
	loadConfig()
	assert.Equal(t, "https://gate.ward.example", cfg.Address)
	assert.Equal(t, "tok-saved", cfg.Token)
	assert.Equal(t, "alice", cfg.Login)
	assert.True(t, exp.Equal(cfg.ExpiresAt))

	forgetToken()
	onDisk := readConfig(path)
	assert.Equal(t, defaultAddress, onDisk.Address)
	assert.Empty(t, onDisk.TLSCACert)
	assert.Empty(t, onDisk.Token)
	assert.Empty(t, onDisk.Login)
}

func TestTokenFromEnvironmentHasNoKnownExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("MEDGATE_CLI_CONFIG", path)
	t.Setenv("MEDGATE_ADDR", "")
	t.Setenv("MEDGATE_TOKEN", "")
	t.Setenv("MEDGATE_CACERT", "")

	loadConfig()
	now := time.Now()
	require.NoError(t, rememberToken("tok-old", "bob", now.Add(-time.Minute)))
	loadConfig()
	assert.True(t, tokenExpired(now))

	t.Setenv("MEDGATE_TOKEN", "tok-env")
	loadConfig()
	assert.Equal(t, "tok-env", cfg.Token)
	assert.False(t, tokenExpired(now))
}

func TestUnreadableConfigFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("address: [unterminated"), 0o600))

	c := readConfig(path)
	assert.Equal(t, defaultAddress, c.Address)
	assert.Empty(t, c.Token)
}
