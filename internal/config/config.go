// Package config loads engine configuration from a config file, env vars,
// and flags, in that increasing order of precedence, via
// github.com/spf13/viper — the same layering the teacher's cmd/main.go and
// internal/admin/config.go apply over YAML + env.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the engine's resolved configuration (§9 Open Question
// defaults, worker pool sizing, cron cadence).
type Config struct {
	// StoreURL selects and configures the DAL backend: "sqlite://<path>" or
	// "postgres://<dsn>".
	StoreURL string `mapstructure:"store_url"`
	// Tenant is the namespace this engine instance is scoped to (§4.7).
	Tenant string `mapstructure:"tenant"`

	// WorkerPoolSize bounds the built-in in-process backend's concurrent
	// task executions (§5's "max_concurrent_tasks").
	WorkerPoolSize int64 `mapstructure:"worker_pool_size"`
	// TaskTimeout is the default per-task execution timeout; a task's own
	// registry.TaskDefinition.Timeout overrides it.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// CompletionPolicy is "Strict" or "Lenient" (§9 Open Question 1).
	CompletionPolicy string `mapstructure:"completion_policy"`
	// OrphanAfter is how long a task can stay Running after its claim
	// (claimed_at) before the recovery loop treats it as orphaned and sends
	// it through the retry-or-fail decision.
	OrphanAfter time.Duration `mapstructure:"orphan_after"`

	// CronTickInterval is how often the cron scheduler polls for due
	// schedules.
	CronTickInterval time.Duration `mapstructure:"cron_tick_interval"`
	// CronRecoveryInterval is how often the cron recovery loop runs.
	CronRecoveryInterval time.Duration `mapstructure:"cron_recovery_interval"`
	// CronRecoveryAgeThreshold is how old an unlinked cron execution must be
	// before it's considered lost.
	CronRecoveryAgeThreshold time.Duration `mapstructure:"cron_recovery_age_threshold"`
	// CronMaxRecoveryAge bounds how long recovery keeps retrying a lost
	// execution before abandoning it.
	CronMaxRecoveryAge time.Duration `mapstructure:"cron_max_recovery_age"`
	// CronMaxRecoveryAttempts bounds how many times recovery retries a lost
	// execution before abandoning it.
	CronMaxRecoveryAttempts int `mapstructure:"cron_max_recovery_attempts"`

	// LogFormat is "text" or "json".
	LogFormat string `mapstructure:"log_format"`
	// LogDebug enables debug-level logging.
	LogDebug bool `mapstructure:"log_debug"`
}

const envPrefix = "FLOWENGINE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("store_url", "sqlite://flowengine.db")
	v.SetDefault("tenant", "default")
	v.SetDefault("worker_pool_size", int64(10))
	v.SetDefault("task_timeout", 5*time.Minute)
	v.SetDefault("completion_policy", "Strict")
	v.SetDefault("orphan_after", 5*time.Minute)
	v.SetDefault("cron_tick_interval", 30*time.Second)
	v.SetDefault("cron_recovery_interval", time.Minute)
	v.SetDefault("cron_recovery_age_threshold", time.Minute)
	v.SetDefault("cron_max_recovery_age", time.Hour)
	v.SetDefault("cron_max_recovery_attempts", 5)
	v.SetDefault("log_format", "text")
	v.SetDefault("log_debug", false)
}

// Load resolves a Config from, in increasing precedence: built-in defaults,
// an optional config file (cfgFile, or "flowengine.yaml" discovered on the
// usual search path if cfgFile is empty), and FLOWENGINE_-prefixed env
// vars. A missing optional config file is not an error; a malformed one is.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("flowengine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/flowengine")
	}

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
