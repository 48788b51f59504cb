package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ServiceConfig holds process-level settings that describe where the service
// runs rather than how the pipeline behaves. Values come from the
// environment; command-line flags override them in main.
type ServiceConfig struct {
	ListenAddr string `env:"CHECKOUT_LISTEN" envDefault:":8080"`
	DBPath     string `env:"CHECKOUT_DB" envDefault:"checkout.db"`
	ScalePort  string `env:"CHECKOUT_SCALE_PORT"`
	BillingURL string `env:"CHECKOUT_BILLING_URL"`
	TuningPath string `env:"CHECKOUT_TUNING"`
	DevMode    bool   `env:"CHECKOUT_DEV" envDefault:"false"`
}

// LoadServiceConfig reads the service configuration from the environment.
func LoadServiceConfig() (*ServiceConfig, error) {
	var cfg ServiceConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}
