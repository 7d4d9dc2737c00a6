// Package config provides configuration management for the Ploinky fleet
// supervisor. It layers programmatic defaults, an optional config file, and
// environment variables using viper, exactly as the rest of this lineage does.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the supervisor process.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Docker     DockerConfig     `mapstructure:"docker"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Health     HealthConfig     `mapstructure:"health"`
	Session    SessionConfig    `mapstructure:"session"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the Router/Proxy's single HTTP listener configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
	IdleTimeout  int    `mapstructure:"idleTimeout"`  // seconds; non-SSE requests only, §5
}

// WorkspaceConfig locates the workspace directory and selects the profile.
type WorkspaceConfig struct {
	// Dir is the workspace root containing .ploinky/, shared/, agents/, blobs/.
	Dir string `mapstructure:"dir"`
	// Profile selects mount read/write semantics: dev, qa, or prod (§4.C).
	Profile string `mapstructure:"profile"`
	// ConfigCacheTTLMs is PLOINKY_CONFIG_CACHE_TTL; 0 means instant (no cache).
	ConfigCacheTTLMs int `mapstructure:"configCacheTtlMs"`
	// PIDFile is the router PID file path, PLOINKY_ROUTER_PID_FILE.
	PIDFile string `mapstructure:"pidFile"`
}

// DockerConfig holds the Runtime Adapter's container-engine client settings.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	// Podman is passed on to the Lifecycle Engine's mount composition, which
	// does not read it: no ":z"/":ro,z" relabel option is applied to mounts.
	Podman bool `mapstructure:"podman"`
}

// NATSConfig selects and configures the NATS event bus backend. An empty
// URL means the in-memory bus is used instead (§9 design note).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SupervisorConfig holds the §4.F watchdog parameters, all configurable.
type SupervisorConfig struct {
	InitialBackoffMs int `mapstructure:"initialBackoffMs"`
	MaxBackoffMs     int `mapstructure:"maxBackoffMs"`
	Multiplier       int `mapstructure:"multiplier"`
	CircuitThreshold int `mapstructure:"circuitThreshold"`
	CircuitWindowMs  int `mapstructure:"circuitWindowMs"`
	HealthIntervalMs int `mapstructure:"healthIntervalMs"`
	HealthTimeoutMs  int `mapstructure:"healthTimeoutMs"`
	HealthThreshold  int `mapstructure:"healthThreshold"`
}

// HealthConfig holds the §4.D crash-loop backoff parameters.
type HealthConfig struct {
	CrashLoopBaseMs   int `mapstructure:"crashLoopBaseMs"`
	CrashLoopMaxMs    int `mapstructure:"crashLoopMaxMs"`
	ResetWindowMs     int `mapstructure:"resetWindowMs"`
	DefaultTimeoutSec int `mapstructure:"defaultTimeoutSec"`
	ReconcileEveryMs  int `mapstructure:"reconcileEveryMs"`
	ProbeIntervalMs   int `mapstructure:"probeIntervalMs"`
}

// SessionConfig holds the §4.H Session Multiplexer resource caps.
type SessionConfig struct {
	MaxGlobalTTYs      int `mapstructure:"maxGlobalTtys"`
	MaxConcurrentTTYs  int `mapstructure:"maxConcurrentTtys"`
	ReconnectDebounceMs int `mapstructure:"reconnectDebounceMs"`
	PTYForceKillGraceMs int `mapstructure:"ptyForceKillGraceMs"`
	DrainDeadlineMs     int `mapstructure:"drainDeadlineMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
func (s *ServerConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" in container/production environments
// and "text" for interactive terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if profile := os.Getenv("PLOINKY_PROFILE"); profile == "prod" || profile == "qa" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.idleTimeout", 30)

	v.SetDefault("workspace.dir", ".")
	v.SetDefault("workspace.profile", "dev")
	v.SetDefault("workspace.configCacheTtlMs", 0)
	v.SetDefault("workspace.pidFile", "")

	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.podman", false)

	// NATS defaults — empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ploinky-router")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("supervisor.initialBackoffMs", 1000)
	v.SetDefault("supervisor.maxBackoffMs", 30000)
	v.SetDefault("supervisor.multiplier", 2)
	v.SetDefault("supervisor.circuitThreshold", 5)
	v.SetDefault("supervisor.circuitWindowMs", 60000)
	v.SetDefault("supervisor.healthIntervalMs", 30000)
	v.SetDefault("supervisor.healthTimeoutMs", 5000)
	v.SetDefault("supervisor.healthThreshold", 3)

	v.SetDefault("health.crashLoopBaseMs", 10000)
	v.SetDefault("health.crashLoopMaxMs", 300000)
	v.SetDefault("health.resetWindowMs", 600000)
	v.SetDefault("health.defaultTimeoutSec", 5)
	v.SetDefault("health.reconcileEveryMs", 10000)
	v.SetDefault("health.probeIntervalMs", 15000)

	v.SetDefault("session.maxGlobalTtys", 20)
	v.SetDefault("session.maxConcurrentTtys", 3)
	v.SetDefault("session.reconnectDebounceMs", 1000)
	v.SetDefault("session.ptyForceKillGraceMs", 2000)
	v.SetDefault("session.drainDeadlineMs", 10000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST as an override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix PLOINKY_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PLOINKY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv cannot infer camelCase -> SNAKE_CASE; bind the spec's own
	// named environment variables explicitly (§6).
	_ = v.BindEnv("workspace.pidFile", "PLOINKY_ROUTER_PID_FILE")
	_ = v.BindEnv("server.port", "PLOINKY_ROUTER_PORT")
	_ = v.BindEnv("workspace.configCacheTtlMs", "PLOINKY_CONFIG_CACHE_TTL")
	_ = v.BindEnv("workspace.profile", "PLOINKY_PROFILE")
	_ = v.BindEnv("logging.level", "PLOINKY_LOG_LEVEL")
	_ = v.BindEnv("logging.format", "PLOINKY_LOG_FORMAT")

	v.SetConfigName("ploinky")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ploinky/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that configuration values are within sane bounds.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Workspace.Profile {
	case "dev", "qa", "prod":
	default:
		errs = append(errs, "workspace.profile must be one of: dev, qa, prod")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Supervisor.CircuitThreshold <= 0 {
		errs = append(errs, "supervisor.circuitThreshold must be positive")
	}
	if cfg.Session.MaxGlobalTTYs <= 0 || cfg.Session.MaxConcurrentTTYs <= 0 {
		errs = append(errs, "session tty caps must be positive")
	}
	if cfg.Session.MaxConcurrentTTYs > cfg.Session.MaxGlobalTTYs {
		errs = append(errs, "session.maxConcurrentTtys must not exceed session.maxGlobalTtys")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// WorkspaceSubPath joins a path relative to the configured workspace directory.
func (c *Config) WorkspaceSubPath(parts ...string) string {
	return filepath.Join(append([]string{c.Workspace.Dir}, parts...)...)
}
