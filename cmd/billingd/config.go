package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dmitrymomot/billingkit/pkg/alert"
	"github.com/dmitrymomot/billingkit/pkg/billinghttp"
	"github.com/dmitrymomot/billingkit/pkg/config"
	"github.com/dmitrymomot/billingkit/pkg/httpserver"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/pg"
	"github.com/dmitrymomot/billingkit/pkg/redis"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
	"github.com/dmitrymomot/billingkit/pkg/subscription/sqlitestore"
)

const serviceName = "billingd"

// Supported BILLING_STORE values.
const (
	storeMemory   = "memory"
	storePostgres = "postgres"
	storeRedis    = "redis"
	storeSQLite   = "sqlite"
)

var ErrUnknownStore = errors.New("unknown BILLING_STORE backend")

type appConfig struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	Store       string `env:"BILLING_STORE" envDefault:"memory"`
	HardLimit   bool   `env:"BILLING_HARD_LIMIT" envDefault:"false"`
	MetricsAddr string `env:"METRICS_ADDR"` // empty serves /metrics on the main listener
	UserHeader  string `env:"BILLING_USER_HEADER" envDefault:"X-User-ID"`

	HTTP   httpserver.Config
	PG     pg.Config
	Redis  redis.Config
	SQLite sqlitestore.Config
	Stripe subscription.StripeConfig
	Paddle subscription.PaddleConfig
	Alert  alert.Config
}

func loadConfig(envFiles []string) (appConfig, error) {
	var cfg appConfig
	var opts []config.Option
	if len(envFiles) > 0 {
		opts = append(opts, config.WithEnvFiles(envFiles...))
	}
	if err := config.Load(&cfg, opts...); err != nil {
		return appConfig{}, err
	}
	switch cfg.Store {
	case storeMemory, storePostgres, storeRedis, storeSQLite:
	default:
		return appConfig{}, fmt.Errorf("%w: %q", ErrUnknownStore, cfg.Store)
	}
	if cfg.UserHeader == "" {
		cfg.UserHeader = billinghttp.HeaderUserID
	}
	return cfg, nil
}

func newLogger(cfg appConfig) (*slog.Logger, error) {
	opts := []logger.Option{
		logger.WithEnvironment(cfg.Environment, serviceName),
		logger.WithOutput(os.Stderr),
		logger.WithContextExtractors(billinghttp.RequestIDExtractor()),
	}
	if cfg.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
		}
		opts = append(opts, logger.WithLevel(level))
	}
	return logger.New(opts...), nil
}
