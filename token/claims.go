package token

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	sessionerrors "github.com/jrsteele09/go-session-client/internal/errors"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// Claims are the fields the API embeds in an access credential.
type Claims struct {
	jwtlib.RegisteredClaims
	TokenType string `json:"token_type,omitempty"`
	UserID    UserID `json:"user_id,omitempty"`
}

// UserID accepts both numeric and string user ids.
type UserID string

func (u *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*u = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*u = UserID(n.String())
	return nil
}

// DecodeClaims reads the claims of rawToken without verifying its signature;
// verification is the server's job. Any decoding failure is ErrMalformedToken.
func DecodeClaims(rawToken string) (*Claims, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, sessionerrors.Wrapf(sessionerrors.ErrMalformedToken, "empty token")
	}

	claims := &Claims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return nil, sessionerrors.Wrapf(sessionerrors.ErrMalformedToken, "%v", err)
	}
	return claims, nil
}

// ExpiresAtTime returns the exp claim, or the zero time when it is absent.
func (c *Claims) ExpiresAtTime() time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// ValidAt reports whether the credential is unexpired at now. A credential
// without an exp claim is never valid.
func (c *Claims) ValidAt(now time.Time) bool {
	exp := c.ExpiresAtTime()
	if exp.IsZero() {
		return false
	}
	return exp.After(now)
}

// IsValid decodes rawToken and checks its expiry against NowTimeFunc. It never
// returns an error: anything undecodable is simply invalid.
func IsValid(rawToken string) bool {
	claims, err := DecodeClaims(rawToken)
	if err != nil {
		return false
	}
	return claims.ValidAt(NowTimeFunc())
}

// Redact shortens a token for logs.
func Redact(rawToken string) string {
	if rawToken == "" {
		return "<none>"
	}
	if len(rawToken) <= 10 {
		return "..."
	}
	return rawToken[:10] + "..."
}
