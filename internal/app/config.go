package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-pricing/internal/domain/pricing"
)

const defaultProbeAddr = "0.0.0.0:8081"

// Config holds the repricer configuration, loadable from environment
// variables (REPRICER_ prefix), flags, or YAML config files.
type Config struct {
	DatabaseURL  string        `usage:"PostgreSQL connection URL (REPRICER_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	ProbeAddr    string        `default:"0.0.0.0:8081" usage:"Liveness/readiness probe listen address" flag:"probe-addr"`
	Workers      int           `default:"4" usage:"Orders recalculated concurrently"`
	BatchSize    int           `default:"100" usage:"Stale orders claimed per poll" flag:"batch-size"`
	PollInterval time.Duration `default:"5s" usage:"Delay between polls when no order is stale" flag:"poll-interval"`
	StallTimeout time.Duration `default:"2m" usage:"Liveness fails when a poll takes longer than this" flag:"stall-timeout"`
	Pricing      PricingConfig
	Graceful     GracefulConfig
}

// PricingConfig is the base pricing context. The order currency overrides
// DefaultCurrency per order.
type PricingConfig struct {
	DefaultCurrency string `default:"USD" usage:"Currency of orders without one" flag:"default-currency"`
	Places          int32  `default:"2" usage:"Decimal places amounts are quantized to"`
	Rounding        string `default:"half_up" usage:"Rounding mode: half_up, half_even, down, up"`
	Epsilon         string `default:"0.01" usage:"Tolerance of the consistency audit"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// Context builds the pricing context.
func (c PricingConfig) Context() (pricing.Context, error) {
	mode, err := pricing.ParseRoundingMode(c.Rounding)
	if err != nil {
		return pricing.Context{}, err
	}
	eps, err := decimal.NewFromString(c.Epsilon)
	if err != nil {
		return pricing.Context{}, errors.Wrapf(err, "parse epsilon %q", c.Epsilon)
	}
	if c.Places < 0 {
		return pricing.Context{}, errors.Errorf("negative decimal places %d", c.Places)
	}
	return pricing.Context{
		Currency: c.DefaultCurrency,
		Places:   c.Places,
		Rounding: mode,
		Epsilon:  eps,
	}, nil
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "REPRICER",
		Files:     []string{"config.yaml", "/etc/repricer/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set REPRICER_DATABASE_URL or DATABASE_URL")
	}
	if c.Workers < 1 {
		return errors.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.BatchSize < 1 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if _, err := c.Pricing.Context(); err != nil {
		return errors.Wrap(err, "pricing")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided DATABASE_URL and PORT onto
// the REPRICER_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.ProbeAddr == defaultProbeAddr {
		c.ProbeAddr = "0.0.0.0:" + port
	}
}
