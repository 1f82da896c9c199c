// Package config provides configuration for the duckchat binaries.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/duckchat-go/duckchat/duckchat"
)

// Config holds the process configuration.
type Config struct {
	// Gateway settings
	HTTPPort int
	APIKey   string

	// Upstream chat settings
	Model      string
	BaseURL    string
	ProxyURL   string
	UserAgent  string
	MaxRetries int
	RetryDelay time.Duration

	// Session settings
	SessionTTL time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:   getEnvInt("HTTP_PORT", 8080),
		APIKey:     getEnv("DUCKCHAT_API_KEY", ""),
		Model:      getEnv("DUCKCHAT_MODEL", string(duckchat.DefaultModel)),
		BaseURL:    getEnv("DUCKCHAT_BASE_URL", ""),
		ProxyURL:   getEnv("DUCKCHAT_PROXY", ""),
		UserAgent:  getEnv("DUCKCHAT_USER_AGENT", ""),
		MaxRetries: getEnvInt("DUCKCHAT_MAX_RETRIES", duckchat.DefaultMaxRetries),
		RetryDelay: getEnvDuration("DUCKCHAT_RETRY_DELAY_MS", duckchat.DefaultRetryDelay),
		SessionTTL: getEnvDuration("SESSION_TTL_MS", 30*time.Minute),
	}
}

// ClientOptions translates the configuration into engine options.
func (c *Config) ClientOptions() []duckchat.Option {
	opts := []duckchat.Option{
		WithConfigModel(c.Model),
		duckchat.WithMaxRetries(c.MaxRetries),
		duckchat.WithRetryDelay(c.RetryDelay),
	}
	if c.BaseURL != "" {
		opts = append(opts, duckchat.WithBaseURL(c.BaseURL))
	}
	if c.ProxyURL != "" {
		opts = append(opts, duckchat.WithProxy(c.ProxyURL))
	}
	if c.UserAgent != "" {
		opts = append(opts, duckchat.WithUserAgent(c.UserAgent))
	}
	return opts
}

// WithConfigModel maps the configured model string onto an engine option,
// falling back to the default for unknown identifiers.
func WithConfigModel(model string) duckchat.Option {
	m := duckchat.Model(model)
	if !m.Valid() {
		m = duckchat.DefaultModel
	}
	return duckchat.WithModel(m)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
