// Package session owns the signed-in state of the client: startup restore,
// login, logout and forced logout when the session is lost elsewhere.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-client/events"
	"github.com/jrsteele09/go-session-client/httpclient"
	sessionerrors "github.com/jrsteele09/go-session-client/internal/errors"
	"github.com/jrsteele09/go-session-client/internal/metrics"
	"github.com/jrsteele09/go-session-client/token"
	"github.com/jrsteele09/go-session-client/tokenstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultLoginPath = "/auth/login/"

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginProfile struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type loginResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	loginProfile
	User *loginProfile `json:"user"`
}

type Controller struct {
	mu    sync.Mutex
	state State

	requester httpclient.Requester
	store     tokenstore.CredentialStore
	profiles  tokenstore.ProfileStore
	refresher httpclient.Refresher
	loginPath string

	savedRoute    string
	hasSavedRoute bool

	restoreOnce sync.Once
	readyOnce   sync.Once
	ready       chan struct{}

	unsubscribe func()
	listeners   map[string]func(State)

	metrics *metrics.Collector
	logger  zerolog.Logger
}

type Option func(*Controller)

// WithProfileStore caches the signed-in user's profile for startup restore.
func WithProfileStore(p tokenstore.ProfileStore) Option {
	return func(c *Controller) { c.profiles = p }
}

// WithRestoreRefresh lets Restore try one refresh when the stored access
// credential is no longer valid.
func WithRestoreRefresh(r httpclient.Refresher) Option {
	return func(c *Controller) { c.refresher = r }
}

func WithLoginPath(path string) Option {
	return func(c *Controller) {
		if path != "" {
			c.loginPath = path
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController returns a controller in StatusInitializing. Call Restore to
// leave it.
func NewController(requester httpclient.Requester, store tokenstore.CredentialStore, opts ...Option) *Controller {
	c := &Controller{
		state:     State{Status: StatusInitializing, ChangedAt: NowTimeFunc()},
		requester: requester,
		store:     store,
		loginPath: DefaultLoginPath,
		ready:     make(chan struct{}),
		listeners: make(map[string]func(State)),
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// Ready is closed once the controller has left StatusInitializing.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// Restore settles the initial state from the stored credentials. Only the
// first call does any work. It never leaves the controller initializing: any
// failure, including a panic in a backend, ends in StatusUnauthenticated.
func (c *Controller) Restore(ctx context.Context) {
	c.restoreOnce.Do(func() {
		user, ok := c.restoreUser(ctx)
		if ok {
			c.transitionFrom(StatusInitializing, StatusAuthenticated, user, ReasonNone)
			return
		}
		c.transitionFrom(StatusInitializing, StatusUnauthenticated, nil, ReasonNone)
	})
}

func (c *Controller) restoreUser(ctx context.Context) (user *User, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("session: restore failed")
			user, ok = nil, false
		}
	}()

	if !c.store.IsAccessTokenValid(ctx) {
		if c.refresher == nil {
			return nil, false
		}
		// The exchange outlives ctx anyway, so wait for its result rather
		// than settle on a state the store is about to contradict.
		if _, err := c.refresher.Refresh(context.WithoutCancel(ctx)); err != nil {
			c.logger.Debug().Err(err).Msg("session: restore refresh failed")
			return nil, false
		}
	}

	access, ok := c.store.AccessToken(ctx)
	if !ok {
		return nil, false
	}
	user = &User{}
	if claims, err := token.DecodeClaims(access); err == nil {
		user.ID = string(claims.UserID)
	}
	if c.profiles != nil {
		if p, found := c.profiles.Profile(ctx); found {
			user.Email = p.Email
			user.Role = p.Role
		}
	}
	return user, true
}

// Login exchanges email and password for a credential pair and stores it. A
// response without an access credential fails with ErrTokenNotInResponse and
// nothing is written. A failed login leaves the controller unauthenticated if
// it was still initializing, and otherwise does not change its state.
func (c *Controller) Login(ctx context.Context, email, password string) error {
	resp, err := httpclient.Fetch[loginResponse](ctx, c.requester, c.loginPath, httpclient.RequestOptions{
		Method: http.MethodPost,
		Body:   loginRequest{Email: email, Password: password},
	}, false)
	if err != nil {
		c.logger.Info().Err(err).Str("email", email).Msg("session: login rejected")
		c.transitionFrom(StatusInitializing, StatusUnauthenticated, nil, ReasonNone)
		return fmt.Errorf("[Controller Login] %w", err)
	}
	if resp.Access == "" {
		c.transitionFrom(StatusInitializing, StatusUnauthenticated, nil, ReasonNone)
		return fmt.Errorf("[Controller Login] %w", sessionerrors.ErrTokenNotInResponse)
	}

	c.store.SetTokens(ctx, token.Pair{Access: resp.Access, Refresh: resp.Refresh})

	user := &User{Email: email}
	for _, p := range []*loginProfile{&resp.loginProfile, resp.User} {
		if p == nil {
			continue
		}
		if p.Email != "" {
			user.Email = p.Email
		}
		if p.Role != "" {
			user.Role = p.Role
		}
	}
	if claims, err := token.DecodeClaims(resp.Access); err == nil {
		user.ID = string(claims.UserID)
	}
	if c.profiles != nil {
		c.profiles.SetProfile(ctx, tokenstore.Profile{Email: user.Email, Role: user.Role})
	}

	c.transition(StatusAuthenticated, user, ReasonNone)
	c.logger.Info().Str("email", user.Email).Msg("session: signed in")
	return nil
}

// Logout clears the stored credentials. It does not navigate anywhere.
func (c *Controller) Logout(ctx context.Context) {
	c.end(ctx, ReasonUserLogout)
}

// ForceLogout has the same effect as Logout but records that the session was
// lost rather than left.
func (c *Controller) ForceLogout(ctx context.Context) {
	c.end(ctx, ReasonSessionExpired)
}

func (c *Controller) end(ctx context.Context, reason Reason) {
	c.store.ClearTokens(ctx)
	if c.profiles != nil {
		c.profiles.ClearProfile(ctx)
	}
	c.transition(StatusUnauthenticated, nil, reason)
	c.logger.Info().Stringer("reason", reason).Msg("session: signed out")
}

// SaveCurrentRoute remembers one route to return to after signing in again.
// Each call replaces the previous one.
func (c *Controller) SaveCurrentRoute(route string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.savedRoute = route
	c.hasSavedRoute = true
}

// GetAndClearSavedRoute returns the saved route once.
func (c *Controller) GetAndClearSavedRoute() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	route, ok := c.savedRoute, c.hasSavedRoute
	c.savedRoute, c.hasSavedRoute = "", false
	return route, ok
}

// Attach subscribes the controller to bus, first dropping any subscription
// made by an earlier Attach.
func (c *Controller) Attach(bus *events.Bus) {
	unsubscribe := bus.Subscribe(events.SessionExpired, c.onSessionExpired)

	c.mu.Lock()
	previous := c.unsubscribe
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	if previous != nil {
		previous()
	}
}

func (c *Controller) Detach() {
	c.mu.Lock()
	previous := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if previous != nil {
		previous()
	}
}

func (c *Controller) onSessionExpired() {
	if !c.State().IsAuthenticated() {
		return
	}
	c.logger.Info().Msg("session: expired signal received, forcing logout")
	c.ForceLogout(context.Background())
}

// OnChange registers fn to be called with every new state. The returned
// function removes it.
func (c *Controller) OnChange(fn func(State)) (unsubscribe func()) {
	id := uuid.NewString()
	c.mu.Lock()
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) transition(status Status, user *User, reason Reason) {
	c.mu.Lock()
	c.apply(status, user, reason)
	st, listeners := c.snapshot(), c.listenerList()
	c.mu.Unlock()

	c.notify(st, listeners)
}

// transitionFrom applies the change only if the current status is from. It
// keeps a slow Restore from overwriting a Login that finished first.
func (c *Controller) transitionFrom(from, status Status, user *User, reason Reason) {
	c.mu.Lock()
	if c.state.Status != from {
		c.mu.Unlock()
		return
	}
	c.apply(status, user, reason)
	st, listeners := c.snapshot(), c.listenerList()
	c.mu.Unlock()

	c.notify(st, listeners)
}

// apply must be called with c.mu held.
func (c *Controller) apply(status Status, user *User, reason Reason) {
	if status == StatusAuthenticated && c.state.Status != StatusAuthenticated {
		c.state.Epoch++
	}
	c.state.Status = status
	c.state.User = user
	c.state.Reason = reason
	c.state.ChangedAt = NowTimeFunc()

	if status != StatusInitializing {
		c.readyOnce.Do(func() { close(c.ready) })
	}
	c.metrics.Transition(status.String())
}

func (c *Controller) snapshot() State {
	st := c.state
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	return st
}

func (c *Controller) listenerList() []func(State) {
	list := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		list = append(list, fn)
	}
	return list
}

func (c *Controller) notify(st State, listeners []func(State)) {
	for _, fn := range listeners {
		fn(st)
	}
}
