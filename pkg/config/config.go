// Package config loads the batchd service configuration.
//
// Values are resolved in order: built-in defaults, an optional YAML file, and
// environment variables prefixed with BATCHD_ (nested keys joined with "_",
// e.g. BATCHD_SCHEDULER_MAX_BATCH_SIZE). Every section is validated with
// struct tags and all violations are reported together.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/Sternrassler/quota-batcher/pkg/backend"
	"github.com/Sternrassler/quota-batcher/pkg/executor"
	"github.com/Sternrassler/quota-batcher/pkg/ratelimit"
	"github.com/Sternrassler/quota-batcher/pkg/scheduler"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "BATCHD"

var validate = newValidator()

// newValidator reports fields by their configuration key rather than the Go name.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Config is the complete service configuration.
type Config struct {
	Log       LogConfig        `mapstructure:"log"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Backend   backend.Config   `mapstructure:"backend"`
	Scheduler scheduler.Config `mapstructure:"scheduler"`
	RateLimit ratelimit.Config `mapstructure:"rate_limit"`
	Executor  executor.Config  `mapstructure:"executor"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Pretty bool   `mapstructure:"pretty"`

	// File enables rotated file output instead of stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"min=0"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
}

// RedisConfig configures the shared rate limit window.
type RedisConfig struct {
	// Enabled shares the per-minute window through Redis instead of memory.
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0,lte=16"`
	Key      string `mapstructure:"key" validate:"required"`
}

// Options returns go-redis client options.
func (rc RedisConfig) Options() *redis.Options {
	return &redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			Key:  ratelimit.RedisKeyWindowCount,
		},
		Backend:   backend.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Executor:  executor.DefaultConfig(),
	}
}

// Validate checks every section and returns all violations.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	var result *multierror.Error
	for _, fe := range verrs {
		field := stripPrefix(fe.Namespace())
		switch fe.Tag() {
		case "required", "required_if":
			result = multierror.Append(result, fmt.Errorf("%s is required", field))
		default:
			result = multierror.Append(result, fmt.Errorf("%s has invalid value %v: %s %s", field, fe.Value(), fe.Tag(), fe.Param()))
		}
	}
	return result.ErrorOrNil()
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}

// Loader reads configuration through a viper instance and can watch the
// file for changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader. An empty path loads defaults and environment only.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{v: v}
}

// Load reads and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if l.v.ConfigFileUsed() != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Executor.IDColumn = cfg.Backend.IDColumn
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the configuration from path (optional), defaults and environment.
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key", d.Redis.Key)

	v.SetDefault("backend.driver", d.Backend.Driver)
	v.SetDefault("backend.dsn", d.Backend.DSN)
	v.SetDefault("backend.id_column", d.Backend.IDColumn)
	v.SetDefault("backend.max_open_conns", d.Backend.MaxOpenConns)

	v.SetDefault("scheduler.max_batch_size", d.Scheduler.MaxBatchSize)
	v.SetDefault("scheduler.batch_window", d.Scheduler.BatchWindow)
	v.SetDefault("scheduler.max_concurrent_batches", d.Scheduler.MaxConcurrentBatches)
	v.SetDefault("scheduler.retry_attempts", d.Scheduler.RetryAttempts)
	v.SetDefault("scheduler.retry_delay", d.Scheduler.RetryDelay)
	v.SetDefault("scheduler.max_retry_delay", d.Scheduler.MaxRetryDelay)

	v.SetDefault("rate_limit.requests_per_second", d.RateLimit.RequestsPerSecond)
	v.SetDefault("rate_limit.requests_per_minute", d.RateLimit.RequestsPerMinute)
	v.SetDefault("rate_limit.max_concurrent_connections", d.RateLimit.MaxConcurrentConnections)

	v.SetDefault("executor.fan_out", d.Executor.FanOut)
	v.SetDefault("executor.call_timeout", d.Executor.CallTimeout)
}
