package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/silentpetals/internal/database"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "SILENTPETALS"
	defaultHTTPAddress      = "0.0.0.0:3000"
	defaultDatabaseURL      = "sqlite://silentpetals.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultLikeMaxAttempts  = 3
	defaultLikeRetryBackoff = 50 * time.Millisecond
	defaultShutdownTimeout  = 10 * time.Second
	defaultMetricsEnabled   = true
)

var defaultAllowedOrigins = []string{"*"}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	ShutdownTimeout  time.Duration
	DatabaseURL      string
	LogLevel         string
	LogFormat        string
	AllowedOrigins   []string
	LikeMaxAttempts  int
	LikeRetryBackoff time.Duration
	MetricsEnabled   bool
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
	configViper.SetDefault("http.shutdown_timeout", defaultShutdownTimeout)
	configViper.SetDefault("database.url", defaultDatabaseURL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("like.max_attempts", defaultLikeMaxAttempts)
	configViper.SetDefault("like.retry_backoff", defaultLikeRetryBackoff)
	configViper.SetDefault("metrics.enabled", defaultMetricsEnabled)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      strings.TrimSpace(configViper.GetString("http.address")),
		ShutdownTimeout:  configViper.GetDuration("http.shutdown_timeout"),
		DatabaseURL:      strings.TrimSpace(configViper.GetString("database.url")),
		LogLevel:         configViper.GetString("log.level"),
		LogFormat:        strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		AllowedOrigins:   normalizeOrigins(configViper.GetStringSlice("cors.allowed_origins")),
		LikeMaxAttempts:  configViper.GetInt("like.max_attempts"),
		LikeRetryBackoff: configViper.GetDuration("like.retry_backoff"),
		MetricsEnabled:   configViper.GetBool("metrics.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("http.shutdown_timeout must be positive")
	}
	if _, err := database.ParseURL(c.DatabaseURL); err != nil {
		return fmt.Errorf("database.url: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins is required")
	}
	for _, origin := range c.AllowedOrigins {
		if !validOrigin(origin) {
			return fmt.Errorf("cors.allowed_origins: %q must be * or start with http:// or https://", origin)
		}
	}
	if c.LikeMaxAttempts < 1 {
		return fmt.Errorf("like.max_attempts must be at least 1")
	}
	if c.LikeRetryBackoff < 0 {
		return fmt.Errorf("like.retry_backoff must not be negative")
	}
	return nil
}

func validOrigin(origin string) bool {
	return origin == "*" || strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://")
}

// normalizeOrigins accepts both list values and a single comma separated string,
// which is how a list arrives from the environment.
func normalizeOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
