// Package config provides configuration management for the application.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Data     DataConfig     `mapstructure:"data"`
	Database DatabaseConfig `mapstructure:"database"`
	Session  SessionConfig  `mapstructure:"session"`
	Media    MediaConfig    `mapstructure:"media"`
	Send     SendConfig     `mapstructure:"send"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

// DataConfig holds on-disk locations for per-session credentials.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SessionConfig holds session lifecycle tuning.
type SessionConfig struct {
	Default              string        `mapstructure:"default"`
	Autostart            []string      `mapstructure:"autostart"`
	GroupListRetries     int           `mapstructure:"group_list_retries"`
	WipeRetries          int           `mapstructure:"wipe_retries"`
	CloseWait            time.Duration `mapstructure:"close_wait"`
	StartTimeout         time.Duration `mapstructure:"start_timeout"`
	ResyncCron           string        `mapstructure:"resync_cron"` // empty disables
	ResetOnCreateFailure bool          `mapstructure:"reset_on_create_failure"`
}

// MediaConfig holds outbound media limits in megabytes.
type MediaConfig struct {
	MaxMB      int `mapstructure:"max_mb"`
	VideoMaxMB int `mapstructure:"video_max_mb"`
}

// SendConfig holds outbound send throttling.
type SendConfig struct {
	RatePerMinute int `mapstructure:"rate_per_minute"` // 0 disables the limiter
	Burst         int `mapstructure:"burst"`
}

// TelegramConfig holds the optional operator relay configuration.
type TelegramConfig struct {
	Token   string  `mapstructure:"token"`
	ChatIDs []int64 `mapstructure:"chat_ids"`
	Debug   bool    `mapstructure:"debug"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Load reads configuration from file, .env and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data.dir", "./data")
	v.SetDefault("database.path", "./data/bot.db")
	v.SetDefault("session.default", "default")
	v.SetDefault("session.autostart", []string{"default"})
	v.SetDefault("session.group_list_retries", 8)
	v.SetDefault("session.wipe_retries", 6)
	v.SetDefault("session.close_wait", "10s")
	v.SetDefault("session.start_timeout", "2m")
	v.SetDefault("session.resync_cron", "@every 30m")
	v.SetDefault("session.reset_on_create_failure", true)
	v.SetDefault("media.max_mb", 16)
	v.SetDefault("media.video_max_mb", 16)
	v.SetDefault("send.rate_per_minute", 30)
	v.SetDefault("send.burst", 5)
	v.SetDefault("telegram.debug", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// .env never overrides variables already set in the environment.
	_ = godotenv.Load()

	v.SetEnvPrefix("GROUPBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// WPP_VIDEO_MAX_MB is kept for deployments configured for the old bot.
	if err := v.BindEnv("media.video_max_mb", "GROUPBOT_MEDIA_VIDEO_MAX_MB", "WPP_VIDEO_MAX_MB"); err != nil {
		return nil, fmt.Errorf("error binding env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks if all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Data.Dir == "" {
		return fmt.Errorf("data dir is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Media.MaxMB < 1 || c.Media.VideoMaxMB < 1 {
		return fmt.Errorf("media limits must be at least 1MB")
	}
	if c.Session.GroupListRetries < 1 || c.Session.WipeRetries < 1 {
		return fmt.Errorf("session retry counts must be at least 1")
	}
	if c.Telegram.Token != "" && len(c.Telegram.ChatIDs) == 0 {
		return fmt.Errorf("telegram chat_ids are required when telegram token is set")
	}
	return nil
}

// ServerAddress returns the full server address.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MediaMaxBytes returns the image/audio size limit.
func (c *Config) MediaMaxBytes() int64 {
	return int64(c.Media.MaxMB) * 1024 * 1024
}

// VideoMaxBytes returns the video size limit.
func (c *Config) VideoMaxBytes() int64 {
	return int64(c.Media.VideoMaxMB) * 1024 * 1024
}
