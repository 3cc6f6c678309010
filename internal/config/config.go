// Package config builds the immutable configuration value handed to every component at start-up.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/org/medgate/internal/crypto"
	"github.com/org/medgate/pkg/models"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Security  SecurityConfig  `yaml:"security"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	TLSCertFile     string        `yaml:"tls_cert"`
	TLSKeyFile      string        `yaml:"tls_key"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Global per-source request rate; 0 disables the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// TrustedProxies lists proxy addresses or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type DatabaseConfig struct {
	Driver        string `yaml:"driver"` // memory | postgres
	URL           string `yaml:"url"`
	MigrationsDir string `yaml:"migrations_dir"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	MaxRetries    uint64 `yaml:"max_retries"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type SecurityConfig struct {
	TokenPepper           string              `yaml:"token_pepper"`
	LockoutThreshold      int                 `yaml:"lockout_threshold"`
	LockoutWindow         time.Duration       `yaml:"lockout_window"`
	LockoutDuration       time.Duration       `yaml:"lockout_duration"`
	SessionTimeoutMinutes int                 `yaml:"session_timeout_minutes"`
	MaxConcurrentSessions int                 `yaml:"max_concurrent_sessions"`
	SecretMinLength       int                 `yaml:"secret_min_length"`
	SecretMaxAge          time.Duration       `yaml:"secret_max_age"`
	HashTimeout           time.Duration       `yaml:"hash_timeout"`
	Argon2                crypto.Argon2Params `yaml:"argon2"`
	LoginAttemptsPerMin   int                 `yaml:"login_attempts_per_minute"`
	RoleDepthLimit        int                 `yaml:"role_depth_limit"`
	PermissionCacheTTL    time.Duration       `yaml:"permission_cache_ttl"`
}

// BootstrapConfig names the first administrator. An empty login skips creation.
type BootstrapConfig struct {
	AdminLogin  string `yaml:"admin_login"`
	AdminEmail  string `yaml:"admin_email"`
	AdminSecret string `yaml:"admin_secret"`
}

type SweeperConfig struct {
	Schedule string `yaml:"schedule"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:        ":8300",
			RequestTimeout:    10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Database: DatabaseConfig{
			Driver:        "postgres",
			MigrationsDir: "migrations",
			MaxOpenConns:  20,
			MaxRetries:    3,
		},
		Security: SecurityConfig{
			LockoutThreshold:      5,
			LockoutWindow:         15 * time.Minute,
			LockoutDuration:       30 * time.Minute,
			SessionTimeoutMinutes: 480,
			MaxConcurrentSessions: 3,
			SecretMinLength:       10,
			HashTimeout:           5 * time.Second,
			Argon2:                crypto.DefaultArgon2,
			LoginAttemptsPerMin:   20,
			RoleDepthLimit:        8,
			PermissionCacheTTL:    5 * time.Minute,
		},
		Sweeper: SweeperConfig{Schedule: "@every 1m"},
		Log:     LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path (if present), then .env, then MEDGATE_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		log.Warn().Str("file", path).Msg("config file not found, using defaults")
	default:
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	// .env never overrides variables already set in the process environment.
	_ = godotenv.Load()

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"MEDGATE_LISTEN_ADDR":    &cfg.Server.ListenAddr,
		"MEDGATE_DB_DRIVER":      &cfg.Database.Driver,
		"DATABASE_URL":           &cfg.Database.URL,
		"MEDGATE_MIGRATIONS_DIR": &cfg.Database.MigrationsDir,
		"MEDGATE_REDIS_URL":      &cfg.Redis.URL,
		"MEDGATE_TOKEN_PEPPER":   &cfg.Security.TokenPepper,
		"MEDGATE_ADMIN_LOGIN":    &cfg.Bootstrap.AdminLogin,
		"MEDGATE_ADMIN_EMAIL":    &cfg.Bootstrap.AdminEmail,
		"MEDGATE_ADMIN_SECRET":   &cfg.Bootstrap.AdminSecret,
		"MEDGATE_LOG_LEVEL":      &cfg.Log.Level,
		"MEDGATE_LOG_FORMAT":     &cfg.Log.Format,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("MEDGATE_TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = strings.Split(v, ",")
	}
	if v := os.Getenv("MEDGATE_LOCKOUT_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MEDGATE_LOCKOUT_THRESHOLD: %w", err)
		}
		cfg.Security.LockoutThreshold = n
	}
	if v := os.Getenv("MEDGATE_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MEDGATE_REQUEST_TIMEOUT: %w", err)
		}
		cfg.Server.RequestTimeout = d
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if len(c.Security.TokenPepper) < 16 {
		return errors.New("security.token_pepper must be at least 16 bytes (or MEDGATE_TOKEN_PEPPER)")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url must be configured (or DATABASE_URL env var)")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	s := c.Security
	if s.LockoutThreshold <= 0 || s.LockoutWindow <= 0 || s.LockoutDuration <= 0 {
		return errors.New("lockout threshold, window and duration must be positive")
	}
	if s.SessionTimeoutMinutes <= 0 || s.MaxConcurrentSessions <= 0 {
		return errors.New("session timeout and max concurrent sessions must be positive")
	}
	if s.HashTimeout <= 0 {
		return errors.New("security.hash_timeout must be positive")
	}
	if s.RoleDepthLimit <= 0 {
		return errors.New("security.role_depth_limit must be positive")
	}
	if _, err := c.Server.Proxies(); err != nil {
		return err
	}
	if c.Bootstrap.AdminLogin != "" && c.Bootstrap.AdminSecret == "" {
		return errors.New("bootstrap.admin_secret is required when admin_login is set")
	}
	return nil
}

// Proxies parses TrustedProxies. A bare address is a single-host prefix.
func (s ServerConfig) Proxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, v := range s.TrustedProxies {
		v = strings.TrimSpace(v)
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %w", err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// LockoutPolicy returns the failed-login policy.
func (c Config) LockoutPolicy() models.LockoutPolicy {
	return models.LockoutPolicy{
		Threshold: c.Security.LockoutThreshold,
		Window:    c.Security.LockoutWindow,
		Duration:  c.Security.LockoutDuration,
	}
}
