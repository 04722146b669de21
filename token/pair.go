package token

import (
	"golang.org/x/oauth2"
)

// Pair is the access/refresh credential pair. The two are always written and
// cleared together.
type Pair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func (p Pair) IsZero() bool {
	return p.Access == "" && p.Refresh == ""
}

// OAuth2Token converts the pair for use with golang.org/x/oauth2 clients. The
// expiry comes from the access credential's exp claim when it can be decoded.
func (p Pair) OAuth2Token() *oauth2.Token {
	t := &oauth2.Token{
		AccessToken:  p.Access,
		RefreshToken: p.Refresh,
		TokenType:    "Bearer",
	}
	if claims, err := DecodeClaims(p.Access); err == nil {
		t.Expiry = claims.ExpiresAtTime()
	}
	return t
}
