package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	sessionerrors "github.com/jrsteele09/go-session-client/internal/errors"
)

// Config is the complete client configuration. It is read from the environment
// once at startup and validated before any component is constructed.
type Config struct {
	EnvVars
	API     APIConfig
	Storage StorageConfig
	Session SessionConfig
	Proxy   ProxyConfig
}

// Load reads optional .env files, binds the environment onto a Config and
// validates it. A missing .env file is not an error.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("[config Load] reading env file: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("[config Load] binding environment: %w", err)
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalise() {
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	c.Storage.AccessTokenKey = strings.TrimSpace(c.Storage.AccessTokenKey)
	c.Storage.RefreshTokenKey = strings.TrimSpace(c.Storage.RefreshTokenKey)
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
}

// Validate fails fast with the name of the first missing or invalid variable.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return missing(apiURLVar)
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return sessionerrors.Wrapf(sessionerrors.ErrInvalidConfig, "%s: %v", apiURLVar, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return sessionerrors.Wrapf(sessionerrors.ErrInvalidConfig, "%s scheme must be http or https, got %q", apiURLVar, u.Scheme)
	}
	if u.Host == "" {
		return sessionerrors.Wrapf(sessionerrors.ErrInvalidConfig, "%s must include a host", apiURLVar)
	}
	if c.API.Timeout < 0 {
		return sessionerrors.Wrapf(sessionerrors.ErrInvalidConfig, "%s must not be negative", httpTimeoutVar)
	}
	return c.Storage.Validate()
}

func missing(envVar string) error {
	return sessionerrors.Wrapf(sessionerrors.ErrMissingConfig, "%s", envVar)
}
