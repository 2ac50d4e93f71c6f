// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all configuration for our application.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	HttpListenAddr string            `mapstructure:"http_listen_addr" validate:"required"`
	Database       DatabaseConfig    `mapstructure:"database"`
	Locking        LockingConfig     `mapstructure:"locking"`
	Aggregation    AggregationConfig `mapstructure:"aggregation"`
	Expiration     ExpirationConfig  `mapstructure:"expiration"`
	Scheduler      SchedulerConfig   `mapstructure:"scheduler"`
	Tracing        TracingConfig     `mapstructure:"tracing"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"required,oneof=mysql postgres sqlite"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	TablePrefix     string        `mapstructure:"table_prefix" validate:"max=50"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
	InstallSchema   bool          `mapstructure:"install_schema"`
}

type LockingConfig struct {
	TTL            time.Duration `mapstructure:"ttl" validate:"gt=0"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gt=0"`
}

type AggregationConfig struct {
	Interval    time.Duration `mapstructure:"interval" validate:"gt=0"`
	PassSize    int           `mapstructure:"pass_size" validate:"gt=0,lte=10000"`
	PassDelay   time.Duration `mapstructure:"pass_delay" validate:"gte=0"`
	LockTimeout time.Duration `mapstructure:"lock_timeout" validate:"gt=0"`
}

type ExpirationConfig struct {
	Schedule  string `mapstructure:"schedule" validate:"required,cron"`
	BatchSize int    `mapstructure:"batch_size" validate:"gt=0,lte=10000"`
}

type SchedulerConfig struct {
	ErrorDelay time.Duration `mapstructure:"error_delay" validate:"gt=0"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name" validate:"required"`
}

// Load loads configuration from file and environment variables. Config
// files are searched in paths, or in ./configs and the working directory
// when no path is given. Environment variables use the REPEATER_ prefix,
// e.g. REPEATER_DATABASE_DSN.
func Load(paths ...string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table_prefix", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.install_schema", true)
	v.SetDefault("locking.ttl", "30s")
	v.SetDefault("locking.poll_interval", "100ms")
	v.SetDefault("locking.default_timeout", "30s")
	v.SetDefault("aggregation.interval", "5m")
	v.SetDefault("aggregation.pass_size", 1000)
	v.SetDefault("aggregation.pass_delay", "500ms")
	v.SetDefault("aggregation.lock_timeout", "30s")
	v.SetDefault("expiration.schedule", "@every 30m")
	v.SetDefault("expiration.batch_size", 1000)
	v.SetDefault("scheduler.error_delay", "15s")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "distributed-repeater")

	// Set config file details
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./configs", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// Read environment variables
	v.SetEnvPrefix("REPEATER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, err
		}
		// No config file: defaults and env vars only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
