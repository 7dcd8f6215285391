// Package config loads process configuration from the environment, the
// same way the rest of the ambient stack expects it: struct tags parsed by
// caarlos0/env, validated by go-playground/validator.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config holds every tunable named in the external-interfaces contract.
type Config struct {
	Port int    `env:"PORT" validate:"required"`
	Auth string `env:"AUTH" validate:"required"`

	QueueSize               int `env:"QUEUE_SIZE" envDefault:"20"`
	FetchTimeoutMS          int `env:"FETCH_TIMEOUT" envDefault:"15000"`
	FetchMaxResponseLength  int `env:"FETCH_MAX_RESPONSE_LENGTH" envDefault:"10000"`
	MaxFetchConcurrency     int `env:"MAX_FETCH_CONCURRENCY" envDefault:"5"`
	WorkersTimeOutMS        int `env:"WORKERS_TIME_OUT" envDefault:"600000"`
	VMMemoryLimitMB         int `env:"VM_MEMORY_LIMIT" envDefault:"32"`
	VMTimeoutMS             int `env:"VM_TIMEOUT" envDefault:"14000"`
	MaxChildProcessCount    int `env:"MAX_CHILD_PROCESS_COUNT" envDefault:"0"`

	RedisHost string `env:"REDIS_HOST" envDefault:"127.0.0.1"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`

	AppEnv          string `env:"APP_ENV" envDefault:"dev"`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"eval-server"`
	OTLPEndpoint    string `env:"OTLP_ENDPOINT" envDefault:""`
}

// IsDev reports whether the process is running in a development environment.
func (c Config) IsDev() bool {
	return c.AppEnv == "dev"
}

// IsProd reports whether the process is running in production.
func (c Config) IsProd() bool {
	return c.AppEnv == "prod"
}

// Load parses Config from the environment and validates required fields.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}
	if cfg.MaxChildProcessCount <= 0 {
		cfg.MaxChildProcessCount = defaultChildProcessCount()
	}
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
