package config

import (
	"encoding/base64"

	sessionerrors "github.com/jrsteele09/go-session-client/internal/errors"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// StorageConfig names the keys credentials are persisted under and selects the
// key/value backend.
type StorageConfig struct {
	AccessTokenKey  string `env:"AUTH_TOKEN_KEY"`
	RefreshTokenKey string `env:"AUTH_REFRESH_TOKEN_KEY"`
	ProfileKey      string `env:"AUTH_PROFILE_KEY" env-default:"user_email"`
	Backend         string `env:"SESSION_STORE" env-default:"file"`
	FilePath        string `env:"SESSION_FILE" env-default:".session-tokens.json"`
	SealKey         string `env:"SESSION_STORE_KEY"` // base64, 32 bytes
	RedisAddr       string `env:"REDIS_ADDR"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	RedisPrefix     string `env:"REDIS_PREFIX" env-default:"session"`
}

func (s StorageConfig) Validate() error {
	if s.AccessTokenKey == "" {
		return missing(accessTokenKeyVar)
	}
	if s.RefreshTokenKey == "" {
		return missing(refreshTokenKeyVar)
	}
	if s.AccessTokenKey == s.RefreshTokenKey {
		return sessionerrors.Wrapf(sessionerrors.ErrInvalidConfig, "%s and %s must differ", accessTokenKeyVar, refreshTokenKeyVar)
	}

	switch s.Backend {
	case BackendMemory, BackendFile:
	case BackendRedis:
		if s.RedisAddr == "" {
			return missing(redisAddrVar)
		}
	default:
		return sessionerrors.Wrapf(sessionerrors.ErrInvalidConfig, "%s must be one of memory, file, redis; got %q", storeBackendVar, s.Backend)
	}

	if s.SealKey != "" {
		if _, err := s.DecodeSealKey(); err != nil {
			return err
		}
	}
	return nil
}

// DecodeSealKey returns the raw file sealing key, or nil when none is configured.
func (s StorageConfig) DecodeSealKey() ([]byte, error) {
	if s.SealKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(s.SealKey)
	if err != nil {
		return nil, sessionerrors.Wrapf(sessionerrors.ErrInvalidConfig, "%s is not valid base64", storeKeyVar)
	}
	if len(key) != 32 {
		return nil, sessionerrors.Wrapf(sessionerrors.ErrInvalidConfig, "%s must decode to 32 bytes, got %d", storeKeyVar, len(key))
	}
	return key, nil
}
