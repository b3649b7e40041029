// Package config loads the proxy's process-wide configuration. It is read once
// at startup and treated as immutable afterwards.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/polyglot-llm/inference-relay/internal/translate"
)

// EnvPrefix prefixes every environment variable; "__" separates nested keys,
// e.g. RELAY_BACKEND__BASE_URL.
const EnvPrefix = "RELAY_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Backend   BackendConfig   `koanf:"backend"`
	Relay     RelayConfig     `koanf:"relay"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Storage   StorageConfig   `koanf:"storage"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// APIKey is the shared secret callers present as a bearer token.
	APIKey string `koanf:"api_key"`
}

type BackendConfig struct {
	BaseURL    string `koanf:"base_url"`
	APIKey     string `koanf:"api_key"`
	Translator string `koanf:"translator"`
}

type RelayConfig struct {
	ModelsTimeout     time.Duration `koanf:"models_timeout"`
	GenerationTimeout time.Duration `koanf:"generation_timeout"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type TelemetryConfig struct {
	Tracing     bool   `koanf:"tracing"`
	ServiceName string `koanf:"service_name"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	// Path enables the relay log when set.
	Path string `koanf:"path"`
}

// legacyEnv maps the variable names used by earlier deployments onto config keys.
var legacyEnv = map[string]string{
	"NVIDIA_NIM_BASE_URL": "backend.base_url",
	"NVIDIA_NIM_API_KEY":  "backend.api_key",
	"PROXY_API_KEY":       "server.api_key",
	"HOST":                "server.host",
	"PORT":                "server.port",
}

var defaults = map[string]any{
	"server.host":              "0.0.0.0",
	"server.port":              8080,
	"backend.base_url":         "http://localhost:8000",
	"backend.translator":       "identity",
	"relay.models_timeout":     30 * time.Second,
	"relay.generation_timeout": 60 * time.Second,
	"log.level":                "info",
	"telemetry.service_name":   "inference-relay",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the optional YAML file at path, then legacy environment
// variables, then RELAY_* variables; later sources win. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		mapped, ok := legacyEnv[key]
		if !ok || value == "" {
			return "", nil
		}
		return mapped, value
	}), nil); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Server.APIKey = substituteEnvVars(cfg.Server.APIKey)
	cfg.Backend.APIKey = substituteEnvVars(cfg.Backend.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.APIKey == "" {
		errs = append(errs, errors.New("server.api_key is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url %q must be an absolute http(s) URL", c.Backend.BaseURL))
	}

	if _, err := translate.Lookup(c.Backend.Translator); err != nil {
		errs = append(errs, fmt.Errorf("backend.translator: %w (available: %s)",
			err, strings.Join(translate.Names(), ", ")))
	}

	if c.Relay.ModelsTimeout <= 0 {
		errs = append(errs, errors.New("relay.models_timeout must be positive"))
	}
	if c.Relay.GenerationTimeout <= 0 {
		errs = append(errs, errors.New("relay.generation_timeout must be positive"))
	}

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
