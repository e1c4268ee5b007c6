// Package config parses and validates microsocks' configuration: CLI
// flags per spec §6, with environment-variable fallbacks for credentials
// and an optional YAML overlay for defaults.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the fully resolved configuration for one proxy instance.
type Config struct {
	// ListenAddr is the SOCKS5 control listener address ("ip:port").
	ListenAddr string `yaml:"listen_addr"`

	// BindAddr is the local address used for outbound CONNECT dials
	// (spec §6 `-b`). Empty means let the OS choose. UDP relay sockets do
	// not use it.
	BindAddr string `yaml:"bind_addr"`

	// Quiet silences informational logging (spec §6 `-q`).
	Quiet bool `yaml:"quiet"`

	// AuthOnce enables the authenticate-once-per-IP whitelist (spec §6
	// `-1`). Requires Username/Password to be set.
	AuthOnce bool `yaml:"auth_once"`

	// Username/Password configure RFC 1929 credential authentication.
	// Both must be set together, or neither.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// MaxConnections limits concurrent control connections (0 = unlimited).
	MaxConnections int `yaml:"max_connections"`

	// UDPEnabled controls whether UDP ASSOCIATE is served.
	UDPEnabled bool `yaml:"udp_enabled"`

	// LogLevel/LogFormat configure internal/logging's slog handler.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MetricsAddr, if non-empty, serves Prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics_addr"`

	// WhitelistSeed pre-populates the auth-once whitelist at startup,
	// e.g. for operators migrating from a known set of trusted IPs.
	WhitelistSeed []string `yaml:"whitelist_seed"`

	// DNSServers, if set, are used instead of the system resolver.
	DNSServers     []string      `yaml:"dns_servers"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
}

// Default returns the out-of-the-box configuration matching spec §6's
// defaults: listen on 0.0.0.0:1080, no auth, logging enabled.
func Default() Config {
	return Config{
		ListenAddr:     "0.0.0.0:1080",
		MaxConnections: 1000,
		UDPEnabled:     true,
		LogLevel:       "info",
		LogFormat:      "text",
		ResolveTimeout: 5 * time.Second,
	}
}

// LoadOverlay reads an optional YAML file and merges it onto Default(),
// returning the merged config. A missing path is not an error — the
// overlay is purely additive to the flag-driven CLI.
func LoadOverlay(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config overlay: %w", err)
	}

	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config overlay: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns in an overlay file, letting
// operators keep credentials out of the file itself.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// EnvUsername/EnvPassword are the environment variables config falls back
// to when -u/-P are not given, so credentials need not appear in argv
// (spec §6's process-listing concern).
const (
	EnvUsername = "MICROSOCKS_USERNAME"
	EnvPassword = "MICROSOCKS_PASSWORD"
)

// ApplyEnvCredentials fills Username/Password from the environment if the
// flags didn't set them.
func (c *Config) ApplyEnvCredentials() {
	if c.Username == "" {
		c.Username = os.Getenv(EnvUsername)
	}
	if c.Password == "" {
		c.Password = os.Getenv(EnvPassword)
	}
}

// Validate enforces spec §6's fatal configuration errors:
//   - `-u` without `-P` (or vice versa)
//   - `-1` without both `-u` and `-P`
func (c *Config) Validate() error {
	hasUser := c.Username != ""
	hasPass := c.Password != ""

	if hasUser != hasPass {
		return fmt.Errorf("username and password must be set together")
	}
	if c.AuthOnce && !(hasUser && hasPass) {
		return fmt.Errorf("auth-once requires both username and password")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	return nil
}

// HasCredentials reports whether username/password authentication is
// configured.
func (c *Config) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// Redacted returns a copy of c with Password cleared, safe for logging.
func (c Config) Redacted() Config {
	if c.Password != "" {
		c.Password = "********"
	}
	return c
}
