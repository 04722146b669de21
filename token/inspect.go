package token

import (
	"time"
)

// Inspection summarises an access credential for humans.
type Inspection struct {
	TokenType string        `json:"token_type"`
	UserID    string        `json:"user_id"`
	JTI       string        `json:"jti"`
	IssuedAt  time.Time     `json:"issued_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Lifetime  time.Duration `json:"lifetime"`
	Remaining time.Duration `json:"remaining"`
	Expired   bool          `json:"expired"`
}

// Inspect decodes rawToken and evaluates it at now.
func Inspect(rawToken string, now time.Time) (*Inspection, error) {
	claims, err := DecodeClaims(rawToken)
	if err != nil {
		return nil, err
	}

	in := &Inspection{
		TokenType: claims.TokenType,
		UserID:    string(claims.UserID),
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAtTime(),
		Expired:   !claims.ValidAt(now),
	}
	if claims.IssuedAt != nil {
		in.IssuedAt = claims.IssuedAt.Time
	}
	if !in.IssuedAt.IsZero() && !in.ExpiresAt.IsZero() {
		in.Lifetime = in.ExpiresAt.Sub(in.IssuedAt)
	}
	if !in.Expired {
		in.Remaining = in.ExpiresAt.Sub(now)
	}
	return in, nil
}
