package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultAddress = "http://127.0.0.1:8300"

// CLIConfig is what medgatectl remembers between runs. The saved token is a
// live credential, so the file is written owner-only.
type CLIConfig struct {
	Address   string `yaml:"address"`
	TLSCACert string `yaml:"tls_ca_cert,omitempty"`
	Token     string `yaml:"token,omitempty"`
	// Login and ExpiresAt describe the saved token.
	Login     string    `yaml:"login,omitempty"`
	ExpiresAt time.Time `yaml:"expires_at,omitempty"`
}

var cfg CLIConfig

// configPath is $MEDGATE_CLI_CONFIG, or ~/.medgate/config.yaml.
func configPath() string {
	if v := os.Getenv("MEDGATE_CLI_CONFIG"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".medgate", "config.yaml")
}

// loadConfig reads the saved config, then applies MEDGATE_ADDR, MEDGATE_TOKEN
// and MEDGATE_CACERT. Environment values are never written back.
func loadConfig() {
	cfg = readConfig(configPath())
	if v := os.Getenv("MEDGATE_ADDR"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("MEDGATE_TOKEN"); v != "" {
		cfg.Token, cfg.Login, cfg.ExpiresAt = v, "", time.Time{}
	}
	if v := os.Getenv("MEDGATE_CACERT"); v != "" {
		cfg.TLSCACert = v
	}
}

func readConfig(path string) CLIConfig {
	c := CLIConfig{Address: defaultAddress}
	data, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: ignoring unreadable %s: %v\n", path, err)
		return CLIConfig{Address: defaultAddress}
	}
	if c.Address == "" {
		c.Address = defaultAddress
	}
	return c
}

// saveConfig writes the on-disk config, keeping environment overrides out of it.
func saveConfig() error {
	path := configPath()
	onDisk := readConfig(path)
	onDisk.Token, onDisk.Login, onDisk.ExpiresAt = cfg.Token, cfg.Login, cfg.ExpiresAt
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&onDisk)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// rememberToken saves the credential returned by a login.
func rememberToken(token, login string, expiresAt time.Time) error {
	cfg.Token, cfg.Login, cfg.ExpiresAt = token, login, expiresAt
	return saveConfig()
}

// forgetToken drops the saved credential after it was revoked.
func forgetToken() {
	cfg.Token, cfg.Login, cfg.ExpiresAt = "", "", time.Time{}
	if err := saveConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not update %s: %v\n", configPath(), err)
	}
}

// tokenExpired reports whether the saved token is known to be past its expiry.
func tokenExpired(now time.Time) bool {
	return cfg.Token != "" && !cfg.ExpiresAt.IsZero() && !now.Before(cfg.ExpiresAt)
}
