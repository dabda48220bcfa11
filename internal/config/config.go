// Package config loads the core's YAML configuration with MELLEA_-prefixed
// environment overrides, grounded on the teacher's internal/config.Load
// shape and the Python original's Settings field names.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir" validate:"required"`
}

type RedisConfig struct {
	URL string `yaml:"url" validate:"required"`
}

type RegistryConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Insecure bool   `yaml:"insecure"`
}

type BuildConfig struct {
	Backend          string `yaml:"backend" validate:"required,oneof=local cluster"`
	Namespace        string `yaml:"namespace"`
	CPULimit         string `yaml:"cpu_limit"`
	MemoryLimit      string `yaml:"memory_limit"`
	TimeoutSeconds   int    `yaml:"timeout_seconds" validate:"min=1"`
}

type IdleControllerConfig struct {
	Enabled                       bool `yaml:"enabled"`
	IntervalSeconds               int  `yaml:"interval_seconds" validate:"min=1"`
	EnvironmentIdleTimeoutMinutes int  `yaml:"environment_idle_timeout_minutes" validate:"min=1"`
	RunRetentionDays              int  `yaml:"run_retention_days" validate:"min=0"`
	StaleJobTimeoutMinutes        int  `yaml:"stale_job_timeout_minutes" validate:"min=1"`
}

type WarmupConfig struct {
	Enabled          bool `yaml:"enabled"`
	IntervalSeconds  int  `yaml:"interval_seconds" validate:"min=1"`
	PoolSize         int  `yaml:"pool_size" validate:"min=0"`
	MaxAgeMinutes    int  `yaml:"max_age_minutes" validate:"min=1"`
	PopularDepsCount int  `yaml:"popular_deps_count" validate:"min=0"`
}

type RunExecutorConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds" validate:"min=1"`
}

type ArtifactConfig struct {
	RetentionDays          int `yaml:"retention_days" validate:"min=0"`
	MaxSingleSizeMB        int `yaml:"max_single_size_mb" validate:"min=1"`
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds" validate:"min=1"`
}

type RetentionPolicyConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds" validate:"min=1"`
}

type LLMMetricsConfig struct {
	RetentionDays int `yaml:"retention_days" validate:"min=0"`
}

type CredentialsConfig struct {
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Config is the full set of core configuration, one sub-struct per
// component as named in spec.md §6.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Storage         StorageConfig         `yaml:"storage"`
	Redis           RedisConfig           `yaml:"redis"`
	Registry        RegistryConfig        `yaml:"registry"`
	Build           BuildConfig           `yaml:"build"`
	IdleController  IdleControllerConfig  `yaml:"idle_controller"`
	Warmup          WarmupConfig          `yaml:"warmup"`
	RunExecutor     RunExecutorConfig     `yaml:"run_executor"`
	Artifact        ArtifactConfig        `yaml:"artifact"`
	RetentionPolicy RetentionPolicyConfig `yaml:"retention_policy"`
	LLMMetrics      LLMMetricsConfig      `yaml:"llm_metrics"`
	Credentials     CredentialsConfig     `yaml:"credentials"`
	Logging         LoggingConfig         `yaml:"logging"`
}

// Defaults returns a Config seeded with the same defaults as the Python
// original's Settings class.
func Defaults() *Config {
	return &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8000},
		Storage: StorageConfig{DataDir: "data"},
		Redis:   RedisConfig{URL: "redis://localhost:6379"},
		Registry: RegistryConfig{
			Insecure: false,
		},
		Build: BuildConfig{
			Backend:        "local",
			Namespace:      "mellea-builds",
			CPULimit:       "2",
			MemoryLimit:    "2Gi",
			TimeoutSeconds: 1800,
		},
		IdleController: IdleControllerConfig{
			Enabled:                       true,
			IntervalSeconds:               300,
			EnvironmentIdleTimeoutMinutes: 60,
			RunRetentionDays:              7,
			StaleJobTimeoutMinutes:        30,
		},
		Warmup: WarmupConfig{
			Enabled:          true,
			IntervalSeconds:  60,
			PoolSize:         3,
			MaxAgeMinutes:    30,
			PopularDepsCount: 5,
		},
		RunExecutor: RunExecutorConfig{
			Enabled:         true,
			IntervalSeconds: 5,
		},
		Artifact: ArtifactConfig{
			RetentionDays:          30,
			MaxSingleSizeMB:        100,
			CleanupIntervalSeconds: 3600,
		},
		RetentionPolicy: RetentionPolicyConfig{
			Enabled:         true,
			IntervalSeconds: 3600,
		},
		LLMMetrics:  LLMMetricsConfig{RetentionDays: 90},
		Credentials: CredentialsConfig{Namespace: "mellea-credentials"},
		Logging:     LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML config file, applies MELLEA_-prefixed environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "reading config file %s", path)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parsing config file %s", path)
		}
	}

	applyEnvOverrides(cfg)

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid configuration").WithDetails(err.Error())
	}

	return cfg, nil
}

const envPrefix = "MELLEA_"

// applyEnvOverrides mirrors pydantic-settings' env_prefix behaviour for the
// handful of values operators most commonly override at deploy time.
func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("DATA_DIR", &cfg.Storage.DataDir)
	str("REDIS_URL", &cfg.Redis.URL)
	str("REGISTRY_URL", &cfg.Registry.URL)
	str("REGISTRY_USERNAME", &cfg.Registry.Username)
	str("REGISTRY_PASSWORD", &cfg.Registry.Password)
	boolean("REGISTRY_INSECURE", &cfg.Registry.Insecure)
	str("BUILD_BACKEND", &cfg.Build.Backend)
	str("BUILD_NAMESPACE", &cfg.Build.Namespace)
	integer("BUILD_TIMEOUT_SECONDS", &cfg.Build.TimeoutSeconds)
	boolean("IDLE_CONTROLLER_ENABLED", &cfg.IdleController.Enabled)
	integer("IDLE_CONTROLLER_INTERVAL_SECONDS", &cfg.IdleController.IntervalSeconds)
	boolean("WARMUP_ENABLED", &cfg.Warmup.Enabled)
	integer("WARMUP_POOL_SIZE", &cfg.Warmup.PoolSize)
	boolean("RUN_EXECUTOR_ENABLED", &cfg.RunExecutor.Enabled)
	integer("RUN_EXECUTOR_INTERVAL_SECONDS", &cfg.RunExecutor.IntervalSeconds)
	boolean("RETENTION_POLICY_ENABLED", &cfg.RetentionPolicy.Enabled)
	str("CREDENTIALS_NAMESPACE", &cfg.Credentials.Namespace)
	str("LOGGING_LEVEL", &cfg.Logging.Level)
}

// EnsureDataDirs creates the data directory structure the store and
// artifact collector expect.
func EnsureDataDirs(cfg *Config) error {
	for _, sub := range []string{"metadata", "workspaces", "artifacts"} {
		if err := os.MkdirAll(fmt.Sprintf("%s/%s", cfg.Storage.DataDir, sub), 0o755); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "creating data dir %s", sub)
		}
	}
	return nil
}
