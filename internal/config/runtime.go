package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Runtime holds process settings that are not part of the strategy document.
type Runtime struct {
	ConfigPath      string        `env:"STRATEGIST_CONFIG" envDefault:"strategist.toml"`
	JournalPath     string        `env:"STRATEGIST_JOURNAL" envDefault:"strategist.db"`
	JournalKeyPath  string        `env:"STRATEGIST_JOURNAL_KEY" envDefault:".strategist_key"`
	MetricsAddr     string        `env:"STRATEGIST_METRICS_ADDR" envDefault:":9464"`
	LogLevel        string        `env:"STRATEGIST_LOG_LEVEL" envDefault:"info"`
	EVMKey          string        `env:"STRATEGIST_EVM_KEY"`
	ShutdownTimeout time.Duration `env:"STRATEGIST_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// LoadRuntime reads Runtime from the environment.
func LoadRuntime() (Runtime, error) {
	var r Runtime
	if err := env.Parse(&r); err != nil {
		return Runtime{}, fmt.Errorf("parsing environment: %w", err)
	}
	if r.ShutdownTimeout <= 0 {
		return Runtime{}, fmt.Errorf("STRATEGIST_SHUTDOWN_TIMEOUT must be positive")
	}
	return r, nil
}
