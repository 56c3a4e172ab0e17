// Package config loads orchestrator configuration from environment
// variables, an optional config.yaml, and built-in defaults, following
// the teacher's viper-based internal/common/config.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section the orchestrator process reads.
type Config struct {
	Router   RouterConfig   `mapstructure:"router"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Docker   EngineConfig   `mapstructure:"docker"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	State    StateConfig    `mapstructure:"state"`
	Events   EventsConfig   `mapstructure:"events"`
}

// RouterConfig holds HTTP front-end configuration (§4.8, §6.4 ROUTER_PORT).
type RouterConfig struct {
	Port            int   `mapstructure:"port"`
	ReadTimeoutSec  int   `mapstructure:"readTimeoutSec"`
	WriteTimeoutSec int   `mapstructure:"writeTimeoutSec"`
	MaxBodyBytes    int64 `mapstructure:"maxBodyBytes"`
	HealthEnabled   bool  `mapstructure:"healthEnabled"`
}

func (r RouterConfig) ReadTimeout() time.Duration {
	return time.Duration(r.ReadTimeoutSec) * time.Second
}

func (r RouterConfig) WriteTimeout() time.Duration {
	return time.Duration(r.WriteTimeoutSec) * time.Second
}

// WatchdogConfig holds Watchdog backoff/circuit-breaker tuning (§4.9).
type WatchdogConfig struct {
	InitialBackoffSec int     `mapstructure:"initialBackoffSec"`
	MaxBackoffSec     int     `mapstructure:"maxBackoffSec"`
	Multiplier        float64 `mapstructure:"multiplier"`
	WindowSec         int     `mapstructure:"windowSec"`
	RestartLimit      int     `mapstructure:"restartLimit"`
	HealthCheckEvery  int     `mapstructure:"healthCheckEverySec"`
	HealthLimit       int     `mapstructure:"healthLimit"`
	GracefulWaitSec   int     `mapstructure:"gracefulWaitSec"`
}

// EngineConfig holds container runtime selection/connection configuration.
type EngineConfig struct {
	Runtime    string `mapstructure:"runtime"` // "docker" | "podman" | "" (auto)
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	PodmanBin  string `mapstructure:"podmanBin"`
}

// MonitorConfig holds Container Monitor tick/backoff tuning (§4.10).
type MonitorConfig struct {
	TickIntervalSec int `mapstructure:"tickIntervalSec"`
	ProbeBackoffMin int `mapstructure:"probeBackoffMinSec"`
	ProbeBackoffMax int `mapstructure:"probeBackoffMaxSec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// StateConfig names the persisted-state backend for the routing table
// and agent registry. Only validation reads it: "file" (default) and
// "postgres" (with postgresDSN) are accepted, and the on-disk JSON store
// from §3.1 is used in either case; no Postgres-backed store exists.
type StateConfig struct {
	Driver   string `mapstructure:"driver"`
	Postgres string `mapstructure:"postgresDSN"`
}

// EventsConfig configures optional NATS fan-out of routing/monitor events.
type EventsConfig struct {
	NATSURL string `mapstructure:"natsURL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("router.port", 8080)
	v.SetDefault("router.readTimeoutSec", 30)
	v.SetDefault("router.writeTimeoutSec", 30)
	v.SetDefault("router.maxBodyBytes", int64(10*1024*1024))
	v.SetDefault("router.healthEnabled", true)

	v.SetDefault("watchdog.initialBackoffSec", 1)
	v.SetDefault("watchdog.maxBackoffSec", 30)
	v.SetDefault("watchdog.multiplier", 2.0)
	v.SetDefault("watchdog.windowSec", 60)
	v.SetDefault("watchdog.restartLimit", 5)
	v.SetDefault("watchdog.healthCheckEverySec", 30)
	v.SetDefault("watchdog.healthLimit", 3)
	v.SetDefault("watchdog.gracefulWaitSec", 15)

	v.SetDefault("docker.runtime", "")
	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.podmanBin", "podman")

	v.SetDefault("monitor.tickIntervalSec", 5)
	v.SetDefault("monitor.probeBackoffMinSec", 10)
	v.SetDefault("monitor.probeBackoffMaxSec", 300)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("state.driver", "file")
	v.SetDefault("state.postgresDSN", "")

	v.SetDefault("events.natsURL", "")
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("ORCH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from ORCH_-prefixed environment variables, an
// optional config.yaml, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an extra config-file search directory.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the environment variables named verbatim in
	// spec.md §6.4, which don't follow the ORCH_<SECTION>_<KEY> pattern.
	_ = v.BindEnv("router.port", "ROUTER_PORT")
	_ = v.BindEnv("docker.runtime", "CONTAINER_RUNTIME")
	_ = v.BindEnv("router.healthEnabled", "HEALTH_CHECK_ENABLED")
	_ = v.BindEnv("logging.level", "ORCH_LOG_LEVEL")
	// The key replacer alone would map events.natsURL to ORCH_EVENTS_NATSURL.
	_ = v.BindEnv("events.natsURL", "ORCH_EVENTS_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orch/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Router.Port <= 0 || cfg.Router.Port > 65535 {
		errs = append(errs, "router.port must be between 1 and 65535")
	}
	if cfg.Watchdog.RestartLimit <= 0 {
		errs = append(errs, "watchdog.restartLimit must be positive")
	}
	if cfg.Watchdog.Multiplier <= 1.0 {
		errs = append(errs, "watchdog.multiplier must be > 1.0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	validDrivers := map[string]bool{"file": true, "postgres": true}
	if !validDrivers[cfg.State.Driver] {
		errs = append(errs, "state.driver must be one of: file, postgres")
	}
	if cfg.State.Driver == "postgres" && cfg.State.Postgres == "" {
		errs = append(errs, "state.postgresDSN is required when state.driver=postgres")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
