package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	API      APIConfig      `mapstructure:"api"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Store    StoreConfig    `mapstructure:"store"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Platform string `mapstructure:"platform"`
	LogLevel string `mapstructure:"log_level"`
}

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RealtimeConfig struct {
	Addr          string        `mapstructure:"addr"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	HeartbeatTick time.Duration `mapstructure:"heartbeat_tick"`
	Insecure      bool          `mapstructure:"insecure"` // 开发环境允许自签名证书
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// Load 从指定路径加载配置
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults 填充缺省值
func (c *Config) applyDefaults() {
	if c.API.Timeout <= 0 {
		c.API.Timeout = 15 * time.Second
	}
	if c.Realtime.DialTimeout <= 0 {
		c.Realtime.DialTimeout = 10 * time.Second
	}
	if c.Realtime.MaxRetries <= 0 {
		c.Realtime.MaxRetries = 5
	}
	if c.Realtime.RetryBackoff <= 0 {
		c.Realtime.RetryBackoff = 2 * time.Second
	}
	if c.Realtime.MaxBackoff <= 0 {
		c.Realtime.MaxBackoff = 30 * time.Second
	}
	if c.Realtime.HeartbeatTick <= 0 {
		c.Realtime.HeartbeatTick = 30 * time.Second
	}
	if c.App.Platform == "" {
		c.App.Platform = "desktop"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/carely"
	}
}
