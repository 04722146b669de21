package refresh

import (
	"context"

	"github.com/jrsteele09/go-session-client/tokenstore"
	"golang.org/x/oauth2"
)

type tokenSource struct {
	ctx     context.Context
	store   tokenstore.CredentialStore
	service *Service
}

// TokenSource returns an oauth2.TokenSource that hands out the stored access
// credential while it is locally valid and refreshes it first otherwise.
func (s *Service) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, store: s.store, service: s}
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	if ts.store.IsAccessTokenValid(ts.ctx) {
		return ts.store.Tokens(ts.ctx).OAuth2Token(), nil
	}
	pair, err := ts.service.Refresh(ts.ctx)
	if err != nil {
		return nil, err
	}
	return pair.OAuth2Token(), nil
}
