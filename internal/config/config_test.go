package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MEDGATE_TOKEN_PEPPER", "0123456789abcdef0123")
	t.Setenv("MEDGATE_DB_DRIVER", "memory")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Security.LockoutThreshold != 5 {
		t.Errorf("expected default threshold 5, got %d", cfg.Security.LockoutThreshold)
	}
	if cfg.Security.LockoutWindow != 15*time.Minute || cfg.Security.LockoutDuration != 30*time.Minute {
		t.Errorf("unexpected lockout window/duration: %v/%v", cfg.Security.LockoutWindow, cfg.Security.LockoutDuration)
	}
	if cfg.Database.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.Database.MaxRetries)
	}
}

func TestLoadYAMLThenEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, `
server:
  listen_addr: ":9000"
  request_timeout: 3s
database:
  driver: postgres
  url: postgres://localhost/medgate
security:
  token_pepper: "a-pepper-from-yaml-file"
  lockout_threshold: 7
  lockout_window: 10m
`)
	t.Setenv("MEDGATE_LISTEN_ADDR", ":9100")
	t.Setenv("MEDGATE_LOCKOUT_THRESHOLD", "4")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.ListenAddr != ":9100" {
		t.Errorf("env should override listen addr, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.RequestTimeout != 3*time.Second {
		t.Errorf("expected 3s timeout, got %v", cfg.Server.RequestTimeout)
	}
	p := cfg.LockoutPolicy()
	if p.Threshold != 4 || p.Window != 10*time.Minute || p.Duration != 30*time.Minute {
		t.Errorf("unexpected lockout policy %+v", p)
	}
}

func TestValidate(t *testing.T) {
	base := Default()
	base.Security.TokenPepper = "0123456789abcdef"
	base.Database.Driver = "memory"
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := map[string]func(c *Config){
		"short pepper":      func(c *Config) { c.Security.TokenPepper = "short" },
		"postgres no url":   func(c *Config) { c.Database.Driver = "postgres" },
		"unknown driver":    func(c *Config) { c.Database.Driver = "sqlite" },
		"zero threshold":    func(c *Config) { c.Security.LockoutThreshold = 0 },
		"admin no secret":   func(c *Config) { c.Bootstrap.AdminLogin = "admin" },
		"zero hash timeout": func(c *Config) { c.Security.HashTimeout = 0 },
		"bad proxy":         func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/33"} },
	}
	for name, mutate := range cases {
		c := base
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MEDGATE_TOKEN_PEPPER", "0123456789abcdef0123")
	t.Setenv("MEDGATE_DB_DRIVER", "memory")
	t.Setenv("MEDGATE_REQUEST_TIMEOUT", "soon")
	if _, err := Load("nope.yaml"); err == nil {
		t.Error("expected error for malformed duration")
	}
}

func TestServerProxies(t *testing.T) {
	s := ServerConfig{TrustedProxies: []string{"10.0.0.7", " 192.168.0.0/16", "::ffff:172.16.0.1"}}
	got, err := s.Proxies()
	if err != nil {
		t.Fatalf("Proxies: %v", err)
	}
	want := []string{"10.0.0.7/32", "192.168.0.0/16", "172.16.0.1/32"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("prefix %d: got %s, want %s", i, got[i], want[i])
		}
	}
}
