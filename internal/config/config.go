package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	MT5      MT5Config      `yaml:"mt5"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Telegram TelegramConfig `yaml:"telegram"`
	Web      WebConfig      `yaml:"web"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type MT5Config struct {
	ServerURL       string `yaml:"server_url"`
	ManagerLogin    string `yaml:"manager_login"`
	ManagerPassword string `yaml:"manager_password"`
	APIPrefix       string `yaml:"api_prefix"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

type MonitorConfig struct {
	PollInterval   string `yaml:"poll_interval"`
	ExpiryInterval string `yaml:"expiry_interval"`
	AutoDiscover   bool   `yaml:"auto_discover"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func Load(path string) (*Config, error) {
	// Secrets may live in .env instead of the yaml file.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MT5_SERVER_URL"); v != "" {
		cfg.MT5.ServerURL = v
	}
	if v := os.Getenv("MT5_MANAGER_LOGIN"); v != "" {
		cfg.MT5.ManagerLogin = v
	}
	if v := os.Getenv("MT5_MANAGER_PASSWORD"); v != "" {
		cfg.MT5.ManagerPassword = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.MT5.APIPrefix == "" {
		cfg.MT5.APIPrefix = "/api"
	}
	if cfg.MT5.TimeoutSeconds == 0 {
		cfg.MT5.TimeoutSeconds = 30
	}
	if cfg.Monitor.PollInterval == "" {
		cfg.Monitor.PollInterval = "5s"
	}
	if cfg.Monitor.ExpiryInterval == "" {
		cfg.Monitor.ExpiryInterval = "1h"
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/mt5-bonus.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	if _, err := time.ParseDuration(c.Monitor.PollInterval); err != nil {
		return fmt.Errorf("invalid monitor.poll_interval %q: %w", c.Monitor.PollInterval, err)
	}
	if _, err := time.ParseDuration(c.Monitor.ExpiryInterval); err != nil {
		return fmt.Errorf("invalid monitor.expiry_interval %q: %w", c.Monitor.ExpiryInterval, err)
	}
	if c.MT5.ServerURL != "" {
		if c.MT5.ManagerLogin == "" {
			return fmt.Errorf("mt5.manager_login is required when mt5.server_url is set")
		}
		if c.MT5.ManagerPassword == "" {
			return fmt.Errorf("mt5.manager_password is required when mt5.server_url is set")
		}
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// UseMockGateway reports whether the in-memory gateway should be used
// instead of the MT5 Web API. Selected purely by configuration.
func (c *Config) UseMockGateway() bool {
	return c.MT5.ServerURL == ""
}

func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Monitor.PollInterval)
	return d
}

func (c *Config) ExpiryInterval() time.Duration {
	d, _ := time.ParseDuration(c.Monitor.ExpiryInterval)
	return d
}

func (c *Config) MT5Timeout() time.Duration {
	return time.Duration(c.MT5.TimeoutSeconds) * time.Second
}
