package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codingconcepts/env"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	AppName     = "turnos-console"
	EnvFileName = "config.env"
)

type Config struct {
	AuthAPIBase    string `env:"AUTH_API_BASE" default:"http://localhost:8081"`
	CatalogAPIBase string `env:"CATALOG_API_BASE" default:"http://localhost:8082"`
	TurnosAPIBase  string `env:"TURNOS_API_BASE" default:"http://localhost:8083"`

	// TokenKey is the passphrase the stored session is encrypted with
	TokenKey string `env:"TOKEN_KEY" required:"true"`
	DBPath   string `env:"DB_PATH" default:"session.db"`

	RequestTimeout      time.Duration `env:"REQUEST_TIMEOUT" default:"15s"`
	RenewSkew           time.Duration `env:"RENEW_SKEW" default:"60s"`
	ReconnectDelay      time.Duration `env:"RECONNECT_DELAY" default:"3s"`
	MonitorPollInterval time.Duration `env:"MONITOR_POLL_INTERVAL" default:"30s"`

	Debug    bool   `env:"DEBUG" default:"false"`
	LogLevel string `env:"LOG_LEVEL" default:"info"`

	// Optional credentials to log in with when no session is stored
	LoginEmail    string `env:"LOGIN_EMAIL"`
	LoginPassword string `env:"LOGIN_PASSWORD"`
}

// LoadEnvFile loads environment variables from the config file in the user's
// config directory, then from .env in the working directory. Variables that
// are already set win. Errors are ignored since the files may not exist.
func LoadEnvFile() {
	if configBase, err := os.UserConfigDir(); err == nil {
		_ = godotenv.Load(filepath.Join(configBase, AppName, EnvFileName))
	}
	_ = godotenv.Load()
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	LoadEnvFile()

	c := Config{}
	if err := env.Set(&c); err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	for name, base := range map[string]string{
		"AUTH_API_BASE":    c.AuthAPIBase,
		"CATALOG_API_BASE": c.CatalogAPIBase,
		"TURNOS_API_BASE":  c.TurnosAPIBase,
	} {
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an http(s) url, got %q", name, base))
		}
	}
	for name, d := range map[string]time.Duration{
		"REQUEST_TIMEOUT":       c.RequestTimeout,
		"RECONNECT_DELAY":       c.ReconnectDelay,
		"MONITOR_POLL_INTERVAL": c.MonitorPollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.RenewSkew < 0 {
		errs = append(errs, fmt.Errorf("RENEW_SKEW must not be negative, got %s", c.RenewSkew))
	}
	if (c.LoginEmail == "") != (c.LoginPassword == "") {
		errs = append(errs, errors.New("LOGIN_EMAIL and LOGIN_PASSWORD must be set together"))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}

// Level is the log level to run at. DEBUG=true forces debug.
func (c *Config) Level() zerolog.Level {
	if c.Debug {
		return zerolog.DebugLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
