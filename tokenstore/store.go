// Package tokenstore persists the access/refresh credential pair and the
// cached user profile on top of a kv.Storage backend.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/go-session-client/internal/config"
	sessionerrors "github.com/jrsteele09/go-session-client/internal/errors"
	"github.com/jrsteele09/go-session-client/token"
	"github.com/jrsteele09/go-session-client/tokenstore/kv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CredentialStore is the narrow view of credential persistence the rest of the
// client depends on. Reads never fail: absence and backend errors both read as
// "no credential". Writes never fail either; errors are logged and degrade to
// a session that is not remembered.
type CredentialStore interface {
	SetTokens(ctx context.Context, pair token.Pair)
	ClearTokens(ctx context.Context)
	SetTokensIf(ctx context.Context, pair token.Pair, match func(token.Pair) bool) bool
	ClearTokensIf(ctx context.Context, match func(token.Pair) bool) bool
	AccessToken(ctx context.Context) (string, bool)
	RefreshToken(ctx context.Context) (string, bool)
	Tokens(ctx context.Context) token.Pair
	IsAccessTokenValid(ctx context.Context) bool
}

// ProfileStore caches the signed-in user's profile next to the credentials.
type ProfileStore interface {
	SetProfile(ctx context.Context, p Profile)
	Profile(ctx context.Context) (Profile, bool)
	ClearProfile(ctx context.Context)
}

// Profile is the minimal user identity restored on startup.
type Profile struct {
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

var (
	_ CredentialStore = (*Store)(nil)
	_ ProfileStore    = (*Store)(nil)
)

type Store struct {
	mu         sync.RWMutex
	backend    kv.Storage
	accessKey  string
	refreshKey string
	profileKey string
	now        func() time.Time
	logger     zerolog.Logger
}

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithNowFunc overrides the clock used by IsAccessTokenValid.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithProfileKey sets the key the profile is cached under. An empty key
// disables profile caching.
func WithProfileKey(key string) Option {
	return func(s *Store) { s.profileKey = key }
}

// New returns a Store writing under accessKey and refreshKey. Both are
// required; an empty or shared key name is a configuration error.
func New(backend kv.Storage, accessKey, refreshKey string, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, sessionerrors.Wrapf(sessionerrors.ErrInvalidConfig, "[tokenstore New] nil backend")
	}
	if accessKey == "" {
		return nil, sessionerrors.Wrapf(sessionerrors.ErrMissingConfig, "[tokenstore New] access credential key")
	}
	if refreshKey == "" {
		return nil, sessionerrors.Wrapf(sessionerrors.ErrMissingConfig, "[tokenstore New] refresh credential key")
	}
	if accessKey == refreshKey {
		return nil, sessionerrors.Wrapf(sessionerrors.ErrInvalidConfig, "[tokenstore New] access and refresh keys must differ")
	}

	s := &Store{
		backend:    backend,
		accessKey:  accessKey,
		refreshKey: refreshKey,
		now:        token.NowTimeFunc,
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromConfig builds a Store from validated storage configuration.
func NewFromConfig(backend kv.Storage, cfg config.StorageConfig, opts ...Option) (*Store, error) {
	opts = append([]Option{WithProfileKey(cfg.ProfileKey)}, opts...)
	return New(backend, cfg.AccessTokenKey, cfg.RefreshTokenKey, opts...)
}

// SetTokens replaces both credentials in one backend write. An empty refresh
// value is stored as empty rather than leaving a previous one in place.
func (s *Store) SetTokens(ctx context.Context, pair token.Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.backend.SetMany(ctx, map[string]string{
		s.accessKey:  pair.Access,
		s.refreshKey: pair.Refresh,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("access", token.Redact(pair.Access)).Msg("tokenstore: failed to persist credentials")
	}
}

// SetTokensIf writes pair only when match accepts the pair currently stored,
// and reports whether it did.
func (s *Store) SetTokensIf(ctx context.Context, pair token.Pair, match func(token.Pair) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !match(s.current(ctx)) {
		return false
	}
	err := s.backend.SetMany(ctx, map[string]string{
		s.accessKey:  pair.Access,
		s.refreshKey: pair.Refresh,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("access", token.Redact(pair.Access)).Msg("tokenstore: failed to persist credentials")
	}
	return true
}

func (s *Store) ClearTokens(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(ctx, s.accessKey, s.refreshKey); err != nil {
		s.logger.Warn().Err(err).Msg("tokenstore: failed to clear credentials")
	}
}

// ClearTokensIf clears the stored credentials only when match accepts the pair
// currently stored, and reports whether it did. The read and the delete happen
// under one lock, so a pair written concurrently by SetTokens is never cleared
// on the strength of an older one.
func (s *Store) ClearTokensIf(ctx context.Context, match func(token.Pair) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !match(s.current(ctx)) {
		return false
	}
	if err := s.backend.Delete(ctx, s.accessKey, s.refreshKey); err != nil {
		s.logger.Warn().Err(err).Msg("tokenstore: failed to clear credentials")
	}
	return true
}

func (s *Store) AccessToken(ctx context.Context) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(ctx, s.accessKey)
}

func (s *Store) RefreshToken(ctx context.Context) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(ctx, s.refreshKey)
}

// Tokens reads both credentials under one lock so a concurrent SetTokens is
// never observed half applied.
func (s *Store) Tokens(ctx context.Context) token.Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current(ctx)
}

// IsAccessTokenValid decodes the stored access credential and compares its
// exp claim with the current time. It makes no network call.
func (s *Store) IsAccessTokenValid(ctx context.Context) bool {
	access, ok := s.AccessToken(ctx)
	if !ok {
		return false
	}
	claims, err := token.DecodeClaims(access)
	if err != nil {
		s.logger.Debug().Err(err).Msg("tokenstore: stored access credential is malformed")
		return false
	}
	return claims.ValidAt(s.now())
}

func (s *Store) SetProfile(ctx context.Context, p Profile) {
	if s.profileKey == "" {
		return
	}
	b, err := json.Marshal(p)
	if err != nil {
		s.logger.Warn().Err(err).Msg("tokenstore: failed to encode profile")
		return
	}
	if err := s.backend.SetMany(ctx, map[string]string{s.profileKey: string(b)}); err != nil {
		s.logger.Warn().Err(err).Msg("tokenstore: failed to persist profile")
	}
}

// Profile returns the cached profile. A plain string value is read as an email
// address.
func (s *Store) Profile(ctx context.Context) (Profile, bool) {
	if s.profileKey == "" {
		return Profile{}, false
	}
	raw, ok := s.read(ctx, s.profileKey)
	if !ok {
		return Profile{}, false
	}

	var p Profile
	if strings.HasPrefix(strings.TrimSpace(raw), "{") {
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			s.logger.Debug().Err(err).Msg("tokenstore: cached profile is unreadable")
			return Profile{}, false
		}
	} else {
		p.Email = raw
	}
	if p.Email == "" {
		return Profile{}, false
	}
	return p, true
}

func (s *Store) ClearProfile(ctx context.Context) {
	if s.profileKey == "" {
		return
	}
	if err := s.backend.Delete(ctx, s.profileKey); err != nil {
		s.logger.Warn().Err(err).Msg("tokenstore: failed to clear profile")
	}
}

// current reads both credentials. Callers hold s.mu.
func (s *Store) current(ctx context.Context) token.Pair {
	access, _ := s.read(ctx, s.accessKey)
	refresh, _ := s.read(ctx, s.refreshKey)
	return token.Pair{Access: access, Refresh: refresh}
}

func (s *Store) read(ctx context.Context, key string) (string, bool) {
	v, err := s.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn().Err(err).Str("key", key).Msg("tokenstore: read failed")
		}
		return "", false
	}
	if v == "" {
		return "", false
	}
	return v, true
}
