// Package config содержит логику чтения конфигурации платёжного сервиса.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации платёжного сервиса.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	ProcessorAddress  string        `env:"PROCESSOR_ADDRESS"`
	FrontendURL       string        `env:"FRONTEND_URL"`
	RefundBasisPoints int           `env:"REFUND_BASIS_POINTS"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envProcessorAddress := cfg.ProcessorAddress
	envFrontendURL := cfg.FrontendURL
	envRefundBP := cfg.RefundBasisPoints
	envReconcileInterval := cfg.ReconcileInterval

	// Для числовых переменных ноль совпадает с незаполненным значением,
	// поэтому факт установки проверяется по самой переменной окружения.
	_, refundBPSet := os.LookupEnv("REFUND_BASIS_POINTS")
	_, reconcileIntervalSet := os.LookupEnv("RECONCILE_INTERVAL")

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ProcessorAddress, "p", "", "payment processor address")
	flag.StringVar(&cfg.FrontendURL, "f", "http://localhost:4200", "frontend URL for redirects")
	flag.IntVar(&cfg.RefundBasisPoints, "refund-bp", 10000, "refund share on project cancellation, in basis points")
	flag.DurationVar(&cfg.ReconcileInterval, "i", 30*time.Second, "interval between reconciliation passes")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envProcessorAddress != "" {
		cfg.ProcessorAddress = envProcessorAddress
	}
	if envFrontendURL != "" {
		cfg.FrontendURL = envFrontendURL
	}
	if refundBPSet {
		cfg.RefundBasisPoints = envRefundBP
	}
	if reconcileIntervalSet {
		cfg.ReconcileInterval = envReconcileInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.RefundBasisPoints < 0 || cfg.RefundBasisPoints > 10000 {
		return nil, fmt.Errorf("refund basis points must be within [0, 10000], got %d", cfg.RefundBasisPoints)
	}

	return cfg, nil
}
