package config

import "strings"

const (
	apiURLVar          = "API_URL"
	accessTokenKeyVar  = "AUTH_TOKEN_KEY"
	refreshTokenKeyVar = "AUTH_REFRESH_TOKEN_KEY"
	httpTimeoutVar     = "HTTP_TIMEOUT"
	storeBackendVar    = "SESSION_STORE"
	storeKeyVar        = "SESSION_STORE_KEY"
	redisAddrVar       = "REDIS_ADDR"
)

// EnvVars holds process-level settings.
type EnvVars struct {
	Env      string `env:"ENV" env-default:"DEV"`
	AppName  string `env:"APP_NAME" env-default:"Session Client"`
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`
}

func (e EnvVars) IsDev() bool {
	return strings.EqualFold(e.Env, "DEV")
}
