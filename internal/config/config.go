// Package config loads service configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default configuration file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port              string `yaml:"port"`
	DatabaseURL       string `yaml:"databaseURL"`
	RedisAddr         string `yaml:"redisAddr"`
	RedisPassword     string `yaml:"redisPassword"`
	TelegramToken     string `yaml:"telegramToken"`
	WebhookURL        string `yaml:"webhookURL"`
	WebhookSecret     string `yaml:"webhookSecret"`
	RegistryURL       string `yaml:"registryURL"`
	BotName           string `yaml:"botName"`
	FetchEveryMinutes int    `yaml:"fetchEveryMinutes"`
	MaxRetries        int    `yaml:"maxRetries"`
	Workers           int    `yaml:"workers"`
	CommandsPerMinute int    `yaml:"commandsPerMinute"`
	LogLevel          string `yaml:"logLevel"`
}

// Load reads config from path (defaults to config.yaml). A missing
// file is fine: everything can come from the environment.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// env-only configuration
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramToken = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = v
	}
	if v := os.Getenv("API_URL"); v != "" {
		cfg.RegistryURL = v
	}
	if v := os.Getenv("BOT_NAME"); v != "" {
		cfg.BotName = v
	}
	if v, err := envInt("FETCH_IN_MINUTES"); err != nil {
		return cfg, err
	} else if v > 0 {
		cfg.FetchEveryMinutes = v
	}
	if v, err := envInt("MAX_RETRIES"); err != nil {
		return cfg, err
	} else if v > 0 {
		cfg.MaxRetries = v
	}
	if v, err := envInt("WORKERS"); err != nil {
		return cfg, err
	} else if v > 0 {
		cfg.Workers = v
	}
	if v, err := envInt("COMMANDS_PER_MINUTE"); err != nil {
		return cfg, err
	} else if v > 0 {
		cfg.CommandsPerMinute = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func envInt(name string) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.FetchEveryMinutes <= 0 {
		cfg.FetchEveryMinutes = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 15
	}
	if cfg.CommandsPerMinute <= 0 {
		cfg.CommandsPerMinute = 20
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate checks the settings the service cannot run without.
func (cfg FileConfig) Validate() error {
	if cfg.DatabaseURL == "" {
		return errors.New("database URL required")
	}
	if cfg.RedisAddr == "" {
		return errors.New("redis addr required")
	}
	if cfg.TelegramToken == "" {
		return errors.New("telegram bot token required")
	}
	if cfg.RegistryURL == "" {
		return errors.New("registry API URL required")
	}
	return nil
}
