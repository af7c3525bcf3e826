// Package config loads the bot configuration from an ini file.
package config

import (
	"fmt"

	"github.com/go-ini/ini"

	"github.com/gosechat/logger"
	"github.com/gosechat/wire"
)

const defaultConfigName = "conf.ini"

// ChatConfig 聊天配置
type ChatConfig struct {
	Host         string `description:"host realm, e.g. stackoverflow.com"`
	Room         int
	Email        string
	Password     string
	Name         string
	MinNameChars int
}

// DbConfig database driver and source
type DbConfig struct {
	Driver string
	Source string
}

// RedisConfig redis config
type RedisConfig struct {
	Addr     string
	Password string
	Db       int
}

// ErrorsConfig error-breaker config
type ErrorsConfig struct {
	MaxErrors int
	Ping      string
}

// Config 系统配置信息
type Config struct {
	Chat   ChatConfig
	Db     DbConfig
	Redis  RedisConfig
	Log    logger.Config
	Errors ErrorsConfig
}

// ChatHost resolves the configured host realm.
func (c *ChatConfig) ChatHost() (wire.Host, error) {
	host, ok := wire.HostForDomain(c.Host)
	if !ok {
		return 0, fmt.Errorf("config: unknown chat host %q", c.Host)
	}
	return host, nil
}

func defaults() *Config {
	return &Config{
		Chat: ChatConfig{
			Host:         "stackoverflow.com",
			Name:         "@Bot",
			MinNameChars: 4,
		},
		Db: DbConfig{
			Driver: "sqlite3",
			Source: "bot.sqlite",
		},
		Log: logger.DefaultConfig(),
		Errors: ErrorsConfig{
			MaxErrors: 2,
		},
	}
}

// LoadConfig reads the configuration file at path, falling back to
// conf.ini in the working directory when path is empty.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = defaultConfigName
	}
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	config := defaults()
	if err := cfg.Section("chat").MapTo(&config.Chat); err != nil {
		return nil, err
	}
	if err := cfg.Section("db").MapTo(&config.Db); err != nil {
		return nil, err
	}
	if err := cfg.Section("redis").MapTo(&config.Redis); err != nil {
		return nil, err
	}
	if err := cfg.Section("log").MapTo(&config.Log); err != nil {
		return nil, err
	}
	if err := cfg.Section("errors").MapTo(&config.Errors); err != nil {
		return nil, err
	}

	if _, err := config.Chat.ChatHost(); err != nil {
		return nil, err
	}
	return config, nil
}
