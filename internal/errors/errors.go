package errors

import (
	"errors"
	"fmt"
)

// Common error types for the session client
var (
	// Configuration errors
	ErrMissingConfig = errors.New("missing required configuration")
	ErrInvalidConfig = errors.New("invalid configuration")

	// Credential errors
	ErrMissingRefreshToken = errors.New("missing refresh credential")
	ErrMalformedToken      = errors.New("malformed token")
	ErrTokenNotInResponse  = errors.New("token not found in server response")
	ErrMalformedResponse   = errors.New("malformed server response")

	// Session errors
	ErrSessionExpired = errors.New("session expired, please sign in again")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrRefreshFailed  = errors.New("refresh failed")

	// Transport errors
	ErrTransport = errors.New("transport error")
)

// Kind groups errors by how a caller is expected to react to them.
type Kind int

const (
	KindNone Kind = iota
	// KindConfig is fatal for the call path that needs the missing value.
	KindConfig
	// KindNoSession is the routine "nobody is signed in" outcome.
	KindNoSession
	// KindSessionExpired means credentials existed but could not be recovered.
	KindSessionExpired
	KindUnauthorized
	KindMalformed
	KindTransport
	// KindAPI is any other non-2xx response from the server.
	KindAPI
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConfig:
		return "config"
	case KindNoSession:
		return "no_session"
	case KindSessionExpired:
		return "session_expired"
	case KindUnauthorized:
		return "unauthorized"
	case KindMalformed:
		return "malformed"
	case KindTransport:
		return "transport"
	case KindAPI:
		return "api"
	default:
		return "unknown"
	}
}

// Kinded is implemented by error types that classify themselves.
type Kinded interface {
	Kind() Kind
}

// KindOf classifies err. Order matters: a session-expired error that wraps a
// missing refresh credential is still reported as session expired.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrMissingConfig), errors.Is(err, ErrInvalidConfig):
		return KindConfig
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrRefreshFailed):
		return KindSessionExpired
	case errors.Is(err, ErrMissingRefreshToken):
		return KindNoSession
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrMalformedToken), errors.Is(err, ErrTokenNotInResponse), errors.Is(err, ErrMalformedResponse):
		return KindMalformed
	case errors.Is(err, ErrTransport):
		return KindTransport
	}

	var kinded Kinded
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	return KindUnknown
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
