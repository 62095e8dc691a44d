package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "STATION"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "station.db"
	defaultLogLevel     = "info"
	defaultTokenTTL     = 12 * time.Hour
	defaultCacheTTL     = 60 * time.Second
	defaultMaxContent   = 4096
)

// AppConfig captures runtime configuration for the messaging gateway.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	RedisURL       string
	SigningSecret  string
	TokenTTL       time.Duration
	LogLevel       string
	CacheTTL       time.Duration
	MaxContentSize int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl", defaultTokenTTL)
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
	configViper.SetDefault("message.max_content_size", defaultMaxContent)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		RedisURL:       configViper.GetString("redis.url"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       configViper.GetDuration("token.ttl"),
		LogLevel:       configViper.GetString("log.level"),
		CacheTTL:       configViper.GetDuration("cache.ttl"),
		MaxContentSize: configViper.GetInt("message.max_content_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl must be positive")
	}
	if c.MaxContentSize <= 0 {
		return fmt.Errorf("message.max_content_size must be positive")
	}
	return nil
}
