package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets and the listen port.
const (
	EnvOddsAPIKey    = "ODDS_API_KEY"
	EnvRapidAPIKey   = "RAPIDAPI_KEY"
	EnvTelegramToken = "TELEGRAM_TOKEN"
	EnvAMQPURL       = "AMQP_URL"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvPort          = "PORT"
)

// LoadDotenv loads KEY=VALUE files into the process environment. Missing
// files are ignored; variables already set are never overwritten.
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv fills secrets from the environment. Non-empty variables win over
// file values so credentials never need to live in the config file.
func ApplyEnv(cfg *Config) {
	applyEnvWith(cfg, os.Getenv)
}

func applyEnvWith(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }

	if v := get(EnvOddsAPIKey); v != "" {
		cfg.Feeds.Odds.APIKey = v
	}
	if v := get(EnvRapidAPIKey); v != "" {
		cfg.Feeds.NBA.APIKey = v
	}
	if v := get(EnvPort); v != "" {
		cfg.API.Addr = ":" + v
	}
	if v := get(EnvDatabaseURL); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		cfg.Storage.DSN = v
	}
	if v := get(EnvTelegramToken); v != "" {
		if cfg.Notifier == nil {
			cfg.Notifier = DefaultNotifierConfig()
		}
		cfg.Notifier.Telegram.Token = v
	}
	if v := get(EnvAMQPURL); v != "" {
		if cfg.Notifier == nil {
			cfg.Notifier = DefaultNotifierConfig()
		}
		cfg.Notifier.AMQP.URL = v
	}
}
