package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/acto-org/acto/internal/common/fileutil"
)

// envPrefix is the prefix for environment variable overrides, e.g.
// ACTO_SERVER_PORT=9090.
const envPrefix = "ACTO"

// LoadOption customises config loading.
type LoadOption func(*loadOptions)

type loadOptions struct {
	configFile string
}

// WithConfigFile loads the given file instead of searching the default paths.
func WithConfigFile(file string) LoadOption {
	return func(o *loadOptions) {
		o.configFile = file
	}
}

// Load reads configuration from acto.yaml, environment variables, and an
// optional .env file, layered over built-in defaults.
func Load(opts ...LoadOption) (*Config, error) {
	var options loadOptions
	for _, opt := range opts {
		opt(&options)
	}

	// Best effort; a missing .env file is not an error.
	_ = godotenv.Load()

	paths := DefaultPaths()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if options.configFile != "" {
		v.SetConfigFile(options.configFile)
	} else {
		v.SetConfigName(AppSlug)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(paths.ConfigDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if options.configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Paths = paths
	applyFallbacks(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowedOrigins", []string{"*"})

	v.SetDefault("database.driver", "memory")

	v.SetDefault("artifacts.driver", "fs")

	v.SetDefault("planner.model", "openai/gpt-4o")
	v.SetDefault("planner.maxTasks", 8)
	v.SetDefault("planner.maxRetries", 2)
	v.SetDefault("planner.cacheSize", 128)
	v.SetDefault("planner.cacheTTL", "10m")

	v.SetDefault("runtime.maxConcurrentTasksPerAction", 8)
	v.SetDefault("runtime.taskRetryMaxAttempts", 3)
	v.SetDefault("runtime.taskRetryBaseBackoff", "500ms")
	v.SetDefault("runtime.taskTimeout", "300s")
	v.SetDefault("runtime.cancelGrace", "5s")

	v.SetDefault("events.queueCapacity", 256)
	v.SetDefault("events.pingInterval", "15s")

	v.SetDefault("logs.retentionPerTask", 1000)

	v.SetDefault("agents.watch", false)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.schedule", "@every 10m")

	v.SetDefault("otel.timeout", "10s")

	v.SetDefault("logFormat", "text")
}

// applyFallbacks fills derived values that depend on resolved paths and
// expands user-supplied ones. The postgres DSN is a URL, not a path, so
// only the sqlite DSN is resolved.
func applyFallbacks(cfg *Config) {
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.Join(cfg.Paths.DataDir, "acto.db")
	}
	if cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = fileutil.ResolvePathOrBlank(cfg.Database.DSN)
	}
	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = filepath.Join(cfg.Paths.DataDir, "artifacts")
	}
	cfg.Artifacts.Dir = fileutil.ResolvePathOrBlank(cfg.Artifacts.Dir)
	cfg.Agents.Dir = fileutil.ResolvePathOrBlank(cfg.Agents.Dir)
	if cfg.Events.PingInterval <= 0 {
		cfg.Events.PingInterval = 15 * time.Second
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Artifacts.Driver {
	case "fs", "s3":
	default:
		return fmt.Errorf("unknown artifacts driver %q", c.Artifacts.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return errors.New("database.dsn is required for the postgres driver")
	}
	if c.Artifacts.Driver == "s3" && c.Artifacts.S3.Bucket == "" {
		return errors.New("artifacts.s3.bucket is required for the s3 driver")
	}
	if c.Runtime.MaxConcurrentTasksPerAction < 1 {
		return errors.New("runtime.maxConcurrentTasksPerAction must be at least 1")
	}
	if c.Runtime.TaskRetryMaxAttempts < 1 {
		return errors.New("runtime.taskRetryMaxAttempts must be at least 1")
	}
	if c.Events.QueueCapacity < 1 {
		return errors.New("events.queueCapacity must be at least 1")
	}
	if c.Planner.MaxTasks < 1 {
		return errors.New("planner.maxTasks must be at least 1")
	}
	return nil
}
