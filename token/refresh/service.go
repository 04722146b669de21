// Package refresh exchanges the stored refresh credential for a new
// access/refresh pair.
package refresh

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jrsteele09/go-session-client/httpclient"
	sessionerrors "github.com/jrsteele09/go-session-client/internal/errors"
	"github.com/jrsteele09/go-session-client/internal/metrics"
	"github.com/jrsteele09/go-session-client/token"
	"github.com/jrsteele09/go-session-client/tokenstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const DefaultPath = "/auth/token/refresh/"

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Service performs refresh exchanges. Concurrent callers holding the same
// refresh credential share one exchange.
type Service struct {
	requester httpclient.Requester
	store     tokenstore.CredentialStore
	path      string
	group     singleflight.Group
	metrics   *metrics.Collector
	logger    zerolog.Logger
}

var _ httpclient.Refresher = (*Service)(nil)

type Option func(*Service)

// WithPath sets the refresh endpoint, relative to the API base URL.
func WithPath(path string) Option {
	return func(s *Service) {
		if path != "" {
			s.path = path
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func New(requester httpclient.Requester, store tokenstore.CredentialStore, opts ...Option) *Service {
	s := &Service{
		requester: requester,
		store:     store,
		path:      DefaultPath,
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh returns the new pair after writing it to the store.
//
// Without a stored refresh credential it fails with ErrMissingRefreshToken and
// makes no request. Any other failure is reported as ErrSessionExpired.
//
// The store is only written while it still holds the refresh credential that
// was exchanged: a failure clears it and a success replaces it. If a sign-in
// or sign-out changed the credentials meanwhile they are left alone and a
// successful exchange is reported as ErrRefreshFailed. Refresh does not emit
// any session event; the caller decides who needs to hear about it.
//
// The exchange runs on a context detached from ctx, so a caller that gives up
// waiting does not abort an exchange other callers are sharing, and its result
// still reaches the store.
func (s *Service) Refresh(ctx context.Context) (token.Pair, error) {
	refreshCredential, ok := s.store.RefreshToken(ctx)
	if !ok {
		s.metrics.RefreshOutcome("missing")
		return token.Pair{}, fmt.Errorf("[Service Refresh] %w", sessionerrors.ErrMissingRefreshToken)
	}

	ch := s.group.DoChan(refreshCredential, func() (any, error) {
		return s.exchange(context.WithoutCancel(ctx), refreshCredential)
	})

	select {
	case <-ctx.Done():
		return token.Pair{}, fmt.Errorf("[Service Refresh] %w", ctx.Err())
	case res := <-ch:
		if res.Shared {
			s.metrics.RefreshOutcome("shared")
		}
		if res.Err != nil {
			return token.Pair{}, res.Err
		}
		return res.Val.(token.Pair), nil
	}
}

func (s *Service) exchange(ctx context.Context, refreshCredential string) (token.Pair, error) {
	resp, err := httpclient.Fetch[refreshResponse](ctx, s.requester, s.path, httpclient.RequestOptions{
		Method: http.MethodPost,
		Body:   refreshRequest{Refresh: refreshCredential},
	}, false)
	if err != nil {
		return token.Pair{}, s.fail(ctx, refreshCredential, err)
	}
	if resp.Access == "" {
		return token.Pair{}, s.fail(ctx, refreshCredential, sessionerrors.ErrTokenNotInResponse)
	}

	pair := token.Pair{Access: resp.Access, Refresh: resp.Refresh}
	if pair.Refresh == "" {
		// Servers without rotation only return a new access credential.
		pair.Refresh = refreshCredential
	}
	stored := s.store.SetTokensIf(ctx, pair, func(p token.Pair) bool {
		return p.Refresh == refreshCredential
	})
	if !stored {
		s.metrics.RefreshOutcome("superseded")
		s.logger.Info().Msg("refresh: credentials changed during exchange, result dropped")
		return token.Pair{}, fmt.Errorf("[Service Refresh] %w: credentials changed during exchange", sessionerrors.ErrRefreshFailed)
	}

	s.metrics.RefreshOutcome("success")
	s.logger.Debug().Str("access", token.Redact(pair.Access)).Msg("refresh: credentials rotated")
	return pair, nil
}

func (s *Service) fail(ctx context.Context, refreshCredential string, cause error) error {
	cleared := s.store.ClearTokensIf(ctx, func(p token.Pair) bool {
		return p.Refresh == refreshCredential
	})
	s.metrics.RefreshOutcome("failure")
	s.logger.Info().Err(cause).Bool("cleared", cleared).Msg("refresh: exchange failed")
	return fmt.Errorf("[Service Refresh] %w: %w", sessionerrors.ErrSessionExpired, cause)
}
