// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigFile             = "PROXY_CONFIG_FILE"
	envListenAddr             = "PROXY_LISTEN_ADDR"
	envUpstreamURL            = "PROXY_UPSTREAM_URL"
	envBetaFlags              = "PROXY_BETA_FLAGS"
	envCodeExecution          = "PROXY_CODE_EXECUTION"
	envMaxBodyBytes           = "PROXY_MAX_BODY_BYTES"
	envRequestTimeout         = "PROXY_REQUEST_TIMEOUT"
	envInsecureSkipVerify     = "PROXY_UPSTREAM_INSECURE"
	envLogLevel               = "PROXY_LOG_LEVEL"
	envServerReadTimeout      = "PROXY_SERVER_READ_TIMEOUT"
	envServerWriteTimeout     = "PROXY_SERVER_WRITE_TIMEOUT"
	envServerIdleTimeout      = "PROXY_SERVER_IDLE_TIMEOUT"
	envGracefulShutdown       = "PROXY_GRACEFUL_SHUTDOWN"
	defaultListenAddr         = ":3456"
	defaultUpstreamURL        = "https://api.anthropic.com"
	defaultBetaFlags          = "advanced-tool-use-2025-11-20,mcp-client-2025-11-20"
	defaultMaxBodyBytes       = 50 * 1024 * 1024
	defaultLogLevel           = "info"
	defaultServerReadTimeout  = 0 // disabled
	defaultServerWriteTimeout = 0 // disabled
	defaultServerIdleTimeout  = 120 * time.Second
	defaultGracefulShutdown   = 10 * time.Second
)

// Config captures runtime settings for the proxy.
type Config struct {
	ListenAddr string
	Upstream   *url.URL
	// BetaFlags is merged into the anthropic-beta header of every request.
	BetaFlags string
	// CodeExecution injects the code execution tool and tags every tool as
	// callable from it.
	CodeExecution bool
	MaxBodyBytes  int64
	// RequestTimeout bounds the whole upstream exchange; zero disables it.
	RequestTimeout          time.Duration
	InsecureSkipVerify      bool
	LogLevel                string
	// ServerReadTimeout and ServerWriteTimeout are passed to http.Server;
	// zero disables them.
	ServerReadTimeout       time.Duration
	ServerWriteTimeout      time.Duration
	ServerIdleTimeout       time.Duration
	GracefulShutdownTimeout time.Duration
}

// fileConfig mirrors Config for the optional YAML file. Unset keys keep the
// defaults.
type fileConfig struct {
	ListenAddr              string `yaml:"listen_addr"`
	UpstreamURL             string `yaml:"upstream_url"`
	BetaFlags               string `yaml:"beta_flags"`
	CodeExecution           *bool  `yaml:"code_execution"`
	MaxBodyBytes            int64  `yaml:"max_body_bytes"`
	RequestTimeout          string `yaml:"request_timeout"`
	InsecureSkipVerify      *bool  `yaml:"upstream_insecure"`
	LogLevel                string `yaml:"log_level"`
	ServerReadTimeout       string `yaml:"server_read_timeout"`
	ServerWriteTimeout      string `yaml:"server_write_timeout"`
	ServerIdleTimeout       string `yaml:"server_idle_timeout"`
	GracefulShutdownTimeout string `yaml:"graceful_shutdown"`
}

// Default returns the built-in configuration: listen on :3456 and forward to
// the public Anthropic API.
func Default() Config {
	upstream, _ := url.Parse(defaultUpstreamURL)
	return Config{
		ListenAddr:              defaultListenAddr,
		Upstream:                upstream,
		BetaFlags:               defaultBetaFlags,
		CodeExecution:           true,
		MaxBodyBytes:            defaultMaxBodyBytes,
		LogLevel:                defaultLogLevel,
		ServerReadTimeout:       defaultServerReadTimeout,
		ServerWriteTimeout:      defaultServerWriteTimeout,
		ServerIdleTimeout:       defaultServerIdleTimeout,
		GracefulShutdownTimeout: defaultGracefulShutdown,
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// PROXY_CONFIG_FILE and environment overrides, in that order.
func Load() (Config, error) {
	cfg := Default()
	upstreamRaw := defaultUpstreamURL

	if path := strings.TrimSpace(os.Getenv(envConfigFile)); path != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := fc.apply(&cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		if fc.UpstreamURL != "" {
			upstreamRaw = fc.UpstreamURL
		}
	}

	upstreamRaw = getString(envUpstreamURL, upstreamRaw)
	upstream, err := parseUpstream(upstreamRaw)
	if err != nil {
		return Config{}, err
	}
	cfg.Upstream = upstream

	cfg.ListenAddr = getString(envListenAddr, cfg.ListenAddr)
	cfg.BetaFlags = getString(envBetaFlags, cfg.BetaFlags)
	cfg.CodeExecution = getBool(envCodeExecution, cfg.CodeExecution)
	cfg.MaxBodyBytes = getInt64(envMaxBodyBytes, cfg.MaxBodyBytes)
	cfg.RequestTimeout = getDuration(envRequestTimeout, cfg.RequestTimeout)
	cfg.InsecureSkipVerify = getBool(envInsecureSkipVerify, cfg.InsecureSkipVerify)
	cfg.LogLevel = strings.ToLower(getString(envLogLevel, cfg.LogLevel))
	cfg.ServerReadTimeout = getDuration(envServerReadTimeout, cfg.ServerReadTimeout)
	cfg.ServerWriteTimeout = getDuration(envServerWriteTimeout, cfg.ServerWriteTimeout)
	cfg.ServerIdleTimeout = getDuration(envServerIdleTimeout, cfg.ServerIdleTimeout)
	cfg.GracefulShutdownTimeout = getDuration(envGracefulShutdown, cfg.GracefulShutdownTimeout)

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, errors.New("max body bytes must be positive")
	}

	return cfg, nil
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

func (fc fileConfig) apply(cfg *Config) error {
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.BetaFlags != "" {
		cfg.BetaFlags = fc.BetaFlags
	}
	if fc.CodeExecution != nil {
		cfg.CodeExecution = *fc.CodeExecution
	}
	if fc.MaxBodyBytes != 0 {
		cfg.MaxBodyBytes = fc.MaxBodyBytes
	}
	if fc.InsecureSkipVerify != nil {
		cfg.InsecureSkipVerify = *fc.InsecureSkipVerify
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(fc.LogLevel)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"request_timeout", fc.RequestTimeout, &cfg.RequestTimeout},
		{"server_read_timeout", fc.ServerReadTimeout, &cfg.ServerReadTimeout},
		{"server_write_timeout", fc.ServerWriteTimeout, &cfg.ServerWriteTimeout},
		{"server_idle_timeout", fc.ServerIdleTimeout, &cfg.ServerIdleTimeout},
		{"graceful_shutdown", fc.GracefulShutdownTimeout, &cfg.GracefulShutdownTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func parseUpstream(raw string) (*url.URL, error) {
	upstream, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if !upstream.IsAbs() || upstream.Host == "" {
		return nil, errors.New("upstream url must be absolute (scheme://host)")
	}
	return upstream, nil
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt64(key string, fallback int64) int64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
