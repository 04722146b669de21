// Package tokenfake mints unsigned-in-spirit access credentials for tests. The
// HMAC key is arbitrary because the client never verifies signatures.
package tokenfake

import (
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var signingKey = []byte("not-a-secret")

// Access returns an access credential expiring at exp and issued five minutes earlier.
func Access(userID int, exp time.Time) string {
	return AccessWithClaims(jwtlib.MapClaims{
		"token_type": "access",
		"exp":        exp.Unix(),
		"iat":        exp.Add(-5 * time.Minute).Unix(),
		"jti":        uuid.NewString(),
		"user_id":    userID,
	})
}

// Valid returns an access credential that expires an hour from now.
func Valid() string {
	return Access(1, time.Now().Add(time.Hour))
}

// Expired returns an access credential that expired a minute ago.
func Expired() string {
	return Access(1, time.Now().Add(-time.Minute))
}

func AccessWithClaims(claims jwtlib.MapClaims) string {
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(fmt.Sprintf("tokenfake: signing: %v", err))
	}
	return signed
}

// Refresh returns an opaque refresh credential.
func Refresh() string {
	return "refresh-" + uuid.NewString()
}
