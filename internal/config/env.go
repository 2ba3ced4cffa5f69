package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix for environment overrides (TIMELITH_API_KEY, ...).
const EnvPrefix = "timelith"

// envOverrides are secrets and deployment-specific values that usually live
// outside the config file.
type envOverrides struct {
	APIKey        string `envconfig:"API_KEY"`
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	StoragePath   string `envconfig:"STORAGE_PATH"`
	StorageDSN    string `envconfig:"STORAGE_DSN"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	AMQPURL       string `envconfig:"AMQP_URL"`
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; existing variables are never
// overwritten.
func LoadDotEnv(paths ...string) error {
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

// applyEnv overlays TIMELITH_* variables on cfg.
func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return err
	}
	if o.APIKey != "" {
		cfg.API.Key = o.APIKey
	}
	if o.TelegramToken != "" {
		cfg.Telegram.Token = o.TelegramToken
	}
	if o.StorageDriver != "" {
		cfg.Storage.Driver = o.StorageDriver
	}
	if o.StoragePath != "" {
		cfg.Storage.Path = o.StoragePath
	}
	if o.StorageDSN != "" {
		cfg.Storage.DSN = o.StorageDSN
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.AMQPURL != "" {
		cfg.Events.AMQPURL = o.AMQPURL
	}
	return nil
}
