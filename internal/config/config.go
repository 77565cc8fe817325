// Package config handles TOML configuration parsing for OpenGuild. It loads
// configuration from a TOML file, applies environment variable overrides
// under the single prefix OPENGUILD_SERVER, validates required fields, and
// provides sane defaults.
//
// Every override follows <PREFIX>__field__subfield: the literal prefix
// OPENGUILD_SERVER, then the config section, then the field within it, each
// separated by a double underscore. A single underscore can't serve as the
// separator because the field names themselves contain underscores
// (active_signing_key, trusted_servers), so
// OPENGUILD_SERVER__SESSION__ACTIVE_SIGNING_KEY splits unambiguously as
// section="session", field="active_signing_key".
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const envPrefix = "OPENGUILD_SERVER__"

const (
	sectionServer  = "SERVER__"
	sectionSession = "SESSION__"
	sectionStorage = "STORAGE__"
)

// Config is the top-level configuration for an OpenGuild instance.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Session    SessionConfig    `toml:"session"`
	Federation FederationConfig `toml:"federation"`
	Storage    StorageConfig    `toml:"storage"`
}

// StorageConfig selects the storage.Port backing the messaging core and
// session authority. An empty DatabaseURL keeps the server on the
// in-memory Port, which is fine for local development and tests but does
// not survive a restart.
type StorageConfig struct {
	DatabaseURL    string `toml:"database_url"`
	MaxConnections int    `toml:"max_connections"`
}

// ServerConfig defines listen addresses, logging, metrics, and the
// server's own federation identity (the origin it stamps on outbound
// canonical events).
type ServerConfig struct {
	BindAddr        string `toml:"bind_addr"`
	ServerName      string `toml:"server_name"`
	LogFormat       string `toml:"log_format"`
	MetricsEnabled  bool   `toml:"metrics_enabled"`
	MetricsBindAddr string `toml:"metrics_bind_addr"`
	NATSURL         string `toml:"nats_url"`
}

// SessionConfig defines the key ring backing signed access tokens.
// ActiveSigningKey is base64url-nopad, 32 raw bytes (an Ed25519 seed); if
// absent, the session authority generates an ephemeral key ring at
// startup, which means access tokens do not survive a restart.
type SessionConfig struct {
	ActiveSigningKey      string   `toml:"active_signing_key"`
	FallbackVerifyingKeys []string `toml:"fallback_verifying_keys"`
}

// TrustedServer is one entry of the federation trust set: a peer server
// name, its current key id, and the Ed25519 verifying key (base64url,
// no padding) used to check PDUs it signs.
type TrustedServer struct {
	ServerName   string `toml:"server_name"`
	KeyID        string `toml:"key_id"`
	VerifyingKey string `toml:"verifying_key"`
}

// FederationConfig defines the trust set of peer servers whose signed
// PDUs this instance will accept.
type FederationConfig struct {
	TrustedServers []TrustedServer `toml:"trusted_servers"`
}

// defaults returns a Config with sane default values for all fields.
func defaults() Config {
	return Config{
		Server: ServerConfig{
			BindAddr:   "0.0.0.0:8080",
			ServerName: "localhost",
			LogFormat:  "json",
		},
	}
}

// Load reads the configuration from the given TOML file path, applies
// defaults for missing values, then applies environment variable
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	} else if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides overrides config fields with environment variables when
// set. Every variable nests under the single prefix OPENGUILD_SERVER__,
// then the section name, then the field name in uppercase, e.g.
// OPENGUILD_SERVER__SERVER__BIND_ADDR,
// OPENGUILD_SERVER__SESSION__ACTIVE_SIGNING_KEY.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + sectionServer + "BIND_ADDR"); v != "" {
		cfg.Server.BindAddr = v
	}
	if v := os.Getenv(envPrefix + sectionServer + "SERVER_NAME"); v != "" {
		cfg.Server.ServerName = v
	}
	if v := os.Getenv(envPrefix + sectionServer + "LOG_FORMAT"); v != "" {
		cfg.Server.LogFormat = v
	}
	if v := os.Getenv(envPrefix + sectionServer + "METRICS_ENABLED"); v != "" {
		cfg.Server.MetricsEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv(envPrefix + sectionServer + "METRICS_BIND_ADDR"); v != "" {
		cfg.Server.MetricsBindAddr = v
	}
	if v := os.Getenv(envPrefix + sectionServer + "NATS_URL"); v != "" {
		cfg.Server.NATSURL = v
	}

	if v := os.Getenv(envPrefix + sectionSession + "ACTIVE_SIGNING_KEY"); v != "" {
		cfg.Session.ActiveSigningKey = v
	}
	if v := os.Getenv(envPrefix + sectionSession + "FALLBACK_VERIFYING_KEYS"); v != "" {
		cfg.Session.FallbackVerifyingKeys = strings.Split(v, ",")
	}

	if v := os.Getenv(envPrefix + sectionStorage + "DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
}

// validate checks that required configuration fields are present and
// valid, and that every encoded key decodes to the expected length.
func validate(cfg *Config) error {
	if cfg.Server.BindAddr == "" {
		return fmt.Errorf("config: server.bind_addr is required")
	}
	if cfg.Server.ServerName == "" {
		return fmt.Errorf("config: server.server_name is required")
	}

	validLogFormats := map[string]bool{"json": true, "compact": true}
	if !validLogFormats[cfg.Server.LogFormat] {
		return fmt.Errorf("config: server.log_format must be one of: json, compact (got %q)", cfg.Server.LogFormat)
	}
	if cfg.Server.MetricsEnabled && cfg.Server.MetricsBindAddr == "" {
		return fmt.Errorf("config: server.metrics_bind_addr is required when metrics_enabled is true")
	}

	if cfg.Session.ActiveSigningKey != "" {
		if _, err := decodeKey32(cfg.Session.ActiveSigningKey); err != nil {
			return fmt.Errorf("config: session.active_signing_key: %w", err)
		}
	}
	for _, k := range cfg.Session.FallbackVerifyingKeys {
		if _, err := decodeKey32(k); err != nil {
			return fmt.Errorf("config: session.fallback_verifying_keys: %w", err)
		}
	}

	seen := make(map[string]bool, len(cfg.Federation.TrustedServers))
	for _, p := range cfg.Federation.TrustedServers {
		if p.ServerName == "" {
			return fmt.Errorf("config: federation.trusted_servers: server_name is required")
		}
		if p.KeyID == "" {
			return fmt.Errorf("config: federation.trusted_servers[%s]: key_id is required", p.ServerName)
		}
		if seen[p.ServerName] {
			return fmt.Errorf("config: federation.trusted_servers: duplicate server_name %q", p.ServerName)
		}
		seen[p.ServerName] = true
		if _, err := decodeKey32(p.VerifyingKey); err != nil {
			return fmt.Errorf("config: federation.trusted_servers[%s]: verifying_key: %w", p.ServerName, err)
		}
	}

	return nil
}

func decodeKey32(encoded string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64url: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("must decode to 32 bytes, got %d", len(b))
	}
	return b, nil
}

// HostPort splits bind_addr into host and numeric port, for callers that
// need them separately (e.g. constructing a metrics listener address).
func HostPort(bindAddr string) (host string, port int, err error) {
	idx := strings.LastIndex(bindAddr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("bind address %q missing port", bindAddr)
	}
	host = bindAddr[:idx]
	port, err = strconv.Atoi(bindAddr[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("bind address %q has invalid port: %w", bindAddr, err)
	}
	return host, port, nil
}
