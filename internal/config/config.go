// Package config содержит логику чтения конфигурации сервиса лояльности.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса лояльности.
type Config struct {
	RunAddress         string `env:"RUN_ADDRESS"`
	DatabaseURI        string `env:"DATABASE_URI"`
	ExpiryRulesAddress string `env:"EXPIRY_RULES_ADDRESS"`
	ProcessingSchedule string `env:"PROCESSING_SCHEDULE"`
	AdminSecret        string `env:"ADMIN_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envExpiryAddress := cfg.ExpiryRulesAddress
	envSchedule := cfg.ProcessingSchedule
	envAdminSecret := cfg.AdminSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ExpiryRulesAddress, "r", "", "expiry rules service address")
	flag.StringVar(&cfg.ProcessingSchedule, "s", "0 3 1 * *", "cron schedule for points processing")
	flag.StringVar(&cfg.AdminSecret, "k", "", "shared secret for the admin API")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envExpiryAddress != "" {
		cfg.ExpiryRulesAddress = envExpiryAddress
	}
	if envSchedule != "" {
		cfg.ProcessingSchedule = envSchedule
	}
	if envAdminSecret != "" {
		cfg.AdminSecret = envAdminSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.ProcessingSchedule == "" {
		cfg.ProcessingSchedule = "0 3 1 * *"
	}

	return cfg, nil
}
