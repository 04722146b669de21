package config

import "time"

type SessionConfig struct {
	// ExpiredNoticeTTL is how long the "session expired" notice stays visible.
	ExpiredNoticeTTL time.Duration `env:"SESSION_EXPIRED_NOTICE_TTL" env-default:"10s"`
	// RestoreRefresh lets startup restore try one refresh when the stored access
	// credential has expired.
	RestoreRefresh bool `env:"SESSION_RESTORE_REFRESH" env-default:"false"`
}

type ProxyConfig struct {
	Addr           string   `env:"PROXY_ADDR" env-default:"127.0.0.1:9090"`
	AllowedOrigins []string `env:"PROXY_ALLOWED_ORIGINS" env-separator:","`
}

// IsAllowedOrigin reports whether origin may call the proxy cross-site.
func (p ProxyConfig) IsAllowedOrigin(origin string) bool {
	for _, o := range p.AllowedOrigins {
		if o == origin || o == "*" {
			return true
		}
	}
	return false
}
