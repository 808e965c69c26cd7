// Package config loads process configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is read from CHARGE_ENGINE_* variables. A .env file in the
// working directory is loaded first when present; real environment
// variables win over it.
type Config struct {
	Port        int      `env:"CHARGE_ENGINE_PORT"         envDefault:"8080"`
	DBPath      string   `env:"CHARGE_ENGINE_DB_PATH"      envDefault:"charges.db"`
	LogLevel    string   `env:"CHARGE_ENGINE_LOG_LEVEL"    envDefault:"info"`
	LogFormat   string   `env:"CHARGE_ENGINE_LOG_FORMAT"   envDefault:"json"`
	SeedCatalog string   `env:"CHARGE_ENGINE_SEED_CATALOG"`
	CORSOrigins []string `env:"CHARGE_ENGINE_CORS_ORIGINS" envSeparator:"," envDefault:"*"`
}

// Load reads .env files (if any) and parses the environment.
func Load(files ...string) (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load(files...)
	return Parse()
}

// Parse reads the environment without touching .env files.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("parse env: invalid port %d", cfg.Port)
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Logger builds a zap logger at the configured level. LogFormat "console"
// selects the development encoder.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
