package config

import "time"

// APIConfig addresses the REST API. RefreshPath is the only refresh endpoint the
// client ever calls.
type APIConfig struct {
	BaseURL     string        `env:"API_URL"`
	LoginPath   string        `env:"AUTH_LOGIN_PATH" env-default:"/auth/login/"`
	RefreshPath string        `env:"AUTH_REFRESH_PATH" env-default:"/auth/token/refresh/"`
	Timeout     time.Duration `env:"HTTP_TIMEOUT" env-default:"0s"` // 0 keeps the transport default
}
