// Package config loads the control service configuration from config.yaml
// in the run directory, with sane loopback-only defaults when the file is
// absent.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig covers the HTTP listener and its trust boundary.
type ServerConfig struct {
	// BindAddr must stay loopback; the service is not meant to be reachable
	// off-host. Port 0 picks an ephemeral port recorded in
	// control_endpoint.json.
	BindAddr string `yaml:"bind_addr"`

	// AllowedHosts is the Host/Origin allow-list for session bootstrap.
	AllowedHosts []string `yaml:"allowed_hosts"`

	// MaxBodyBytes caps request bodies; larger requests get a 413.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// ConfirmConfig tunes the confirmation store.
type ConfirmConfig struct {
	ExpiresSeconds int `yaml:"expires_seconds"`
	MaxPending     int `yaml:"max_pending"`
}

// SessionConfig tunes UI session tokens.
type SessionConfig struct {
	TTLMinutes int `yaml:"ttl_minutes"`
}

// SweepConfig controls the background expiry sweeps. Schedule takes a cron
// expression (descriptors like "@every 30s" included).
type SweepConfig struct {
	Schedule string `yaml:"schedule"`
}

// ForwardConfig bounds outbound calls to child control services.
type ForwardConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// AllowedRunRoots lists directories a child manifest path may resolve
	// into. Empty means "the parent of this run's own run directory".
	AllowedRunRoots []string `yaml:"allowed_run_roots"`

	// AllowedEndpointHosts lists hostnames a child base_url may name.
	AllowedEndpointHosts []string `yaml:"allowed_endpoint_hosts"`
}

// QuestionConfig tunes the question queue.
type QuestionConfig struct {
	DefaultExpiresSeconds int `yaml:"default_expires_seconds"`
}

// TelemetryConfig selects tracing export.
type TelemetryConfig struct {
	// Exporter is "none", "stdout", or "otlp".
	Exporter     string `yaml:"exporter"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type Config struct {
	RunDir string `yaml:"-"`

	RunID    string `yaml:"run_id"`
	LogLevel string `yaml:"log_level"`

	// FeatureToggles are default toggles applied at startup for keys a
	// persisted control snapshot does not already set.
	FeatureToggles map[string]any `yaml:"feature_toggles"`

	Server    ServerConfig    `yaml:"server"`
	Confirm   ConfirmConfig   `yaml:"confirm"`
	Session   SessionConfig   `yaml:"session"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Forward   ForwardConfig   `yaml:"forward"`
	Question  QuestionConfig  `yaml:"question"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LoopbackHosts are always trusted for Host/Origin checks, on top of any
// configured allow-list.
var LoopbackHosts = []string{"127.0.0.1", "localhost", "::1", "[::1]"}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			BindAddr:     "127.0.0.1:0",
			MaxBodyBytes: 1 << 20,
		},
		Confirm: ConfirmConfig{
			ExpiresSeconds: int((10 * time.Minute).Seconds()),
			MaxPending:     32,
		},
		Session: SessionConfig{TTLMinutes: 12 * 60},
		Sweep:   SweepConfig{Schedule: "@every 30s"},
		Forward: ForwardConfig{TimeoutSeconds: 15},
		Question: QuestionConfig{
			DefaultExpiresSeconds: int((30 * time.Minute).Seconds()),
		},
		Telemetry: TelemetryConfig{Exporter: "none"},
	}
}

// ConfigPath returns the config.yaml location for a run directory.
func ConfigPath(runDir string) string {
	return filepath.Join(runDir, "config.yaml")
}

// Load reads config.yaml from runDir, filling defaults for anything the
// file leaves unset. A missing file yields pure defaults.
func Load(runDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.RunDir = runDir

	data, err := os.ReadFile(ConfigPath(runDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyFallbacks()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config.yaml: %w", err)
	}
	cfg.RunDir = runDir
	cfg.applyFallbacks()
	return cfg, nil
}

func (c *Config) applyFallbacks() {
	def := defaultConfig()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Server.BindAddr == "" {
		c.Server.BindAddr = def.Server.BindAddr
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = def.Server.MaxBodyBytes
	}
	if c.Confirm.ExpiresSeconds <= 0 {
		c.Confirm.ExpiresSeconds = def.Confirm.ExpiresSeconds
	}
	if c.Confirm.MaxPending <= 0 {
		c.Confirm.MaxPending = def.Confirm.MaxPending
	}
	if c.Session.TTLMinutes <= 0 {
		c.Session.TTLMinutes = def.Session.TTLMinutes
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = def.Sweep.Schedule
	}
	if c.Forward.TimeoutSeconds <= 0 {
		c.Forward.TimeoutSeconds = def.Forward.TimeoutSeconds
	}
	if c.Question.DefaultExpiresSeconds <= 0 {
		c.Question.DefaultExpiresSeconds = def.Question.DefaultExpiresSeconds
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = def.Telemetry.Exporter
	}
	if c.RunID == "" {
		c.RunID = filepath.Base(c.RunDir)
	}
	if len(c.Forward.AllowedRunRoots) == 0 && c.RunDir != "" {
		c.Forward.AllowedRunRoots = []string{filepath.Dir(c.RunDir)}
	}
}

// AllowedHostSet returns the effective Host/Origin allow-list, loopback
// plus configured extras.
func (c Config) AllowedHostSet() map[string]struct{} {
	set := make(map[string]struct{}, len(LoopbackHosts)+len(c.Server.AllowedHosts))
	for _, host := range LoopbackHosts {
		set[host] = struct{}{}
	}
	for _, host := range c.Server.AllowedHosts {
		set[host] = struct{}{}
	}
	return set
}

// EndpointHostSet returns the effective allow-list for child base_url
// hostnames.
func (c Config) EndpointHostSet() map[string]struct{} {
	set := make(map[string]struct{}, len(LoopbackHosts)+len(c.Forward.AllowedEndpointHosts))
	for _, host := range LoopbackHosts {
		set[host] = struct{}{}
	}
	for _, host := range c.Forward.AllowedEndpointHosts {
		set[host] = struct{}{}
	}
	return set
}

// ConfirmExpiry returns the confirmation TTL as a duration.
func (c Config) ConfirmExpiry() time.Duration {
	return time.Duration(c.Confirm.ExpiresSeconds) * time.Second
}

// SessionTTL returns the session token TTL as a duration.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMinutes) * time.Minute
}

// ForwardTimeout returns the child-call timeout as a duration.
func (c Config) ForwardTimeout() time.Duration {
	return time.Duration(c.Forward.TimeoutSeconds) * time.Second
}

// QuestionDefaultExpiry returns the default question TTL.
func (c Config) QuestionDefaultExpiry() time.Duration {
	return time.Duration(c.Question.DefaultExpiresSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that change service
// behavior, logged at startup and on reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|hosts=%v|body=%d|confirm=%d/%d|session=%d|sweep=%s|forward=%d/%v|log=%s",
		c.Server.BindAddr, c.Server.AllowedHosts, c.Server.MaxBodyBytes,
		c.Confirm.ExpiresSeconds, c.Confirm.MaxPending,
		c.Session.TTLMinutes, c.Sweep.Schedule,
		c.Forward.TimeoutSeconds, c.Forward.AllowedRunRoots, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
