// Package gate decides what a caller may show for protected content: a
// loading indicator, the login form, or the content itself.
package gate

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-session-client/httpclient"
	"github.com/jrsteele09/go-session-client/session"
	"github.com/jrsteele09/go-session-client/tokenstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Kind int

const (
	KindLoading Kind = iota
	KindLogin
	KindContent
)

func (k Kind) String() string {
	switch k {
	case KindLoading:
		return "loading"
	case KindLogin:
		return "login"
	case KindContent:
		return "content"
	default:
		return "unknown"
	}
}

// View is what to render. Notice is only set on the login view after a forced
// logout, and stops being shown at NoticeExpiresAt.
type View struct {
	Kind            Kind
	Notice          string
	NoticeExpiresAt time.Time
}

// Session is the part of session.Controller the gate reads and acts on.
type Session interface {
	State() session.State
	Ready() <-chan struct{}
	ForceLogout(ctx context.Context)
}

var _ Session = (*session.Controller)(nil)

// check is the proactive validity check for one sign-in epoch.
type check struct {
	epoch    uint64
	done     chan struct{}
	admitted bool
}

type Gate struct {
	session   Session
	store     tokenstore.CredentialStore
	refresher httpclient.Refresher

	mu      sync.Mutex
	current *check

	noticeTTL time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

type Option func(*Gate)

// WithNoticeTTL sets how long the session-expired notice is shown.
func WithNoticeTTL(d time.Duration) Option {
	return func(g *Gate) { g.noticeTTL = d }
}

func WithNowFunc(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func New(s Session, store tokenstore.CredentialStore, refresher httpclient.Refresher, opts ...Option) *Gate {
	g := &Gate{
		session:   s,
		store:     store,
		refresher: refresher,
		noticeTTL: 10 * time.Second,
		now:       time.Now,
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Render returns the view for the current state without blocking. The first
// render after each sign-in starts the proactive check in the background and
// shows loading until it finishes; later renders for the same sign-in reuse its
// result.
func (g *Gate) Render(ctx context.Context) View {
	st := g.session.State()
	if st.Status != session.StatusAuthenticated {
		return g.viewFor(st)
	}

	c := g.checkFor(ctx, st.Epoch)
	select {
	case <-c.done:
		return g.result(c)
	default:
		return View{Kind: KindLoading}
	}
}

// Resolve waits for the session to leave initializing and for any proactive
// check to finish, then returns the settled view. If ctx ends first the view
// is loading.
func (g *Gate) Resolve(ctx context.Context) View {
	select {
	case <-g.session.Ready():
	case <-ctx.Done():
		return View{Kind: KindLoading}
	}

	st := g.session.State()
	if st.Status != session.StatusAuthenticated {
		return g.viewFor(st)
	}

	c := g.checkFor(ctx, st.Epoch)
	select {
	case <-c.done:
		return g.result(c)
	case <-ctx.Done():
		return View{Kind: KindLoading}
	}
}

func (g *Gate) result(c *check) View {
	if c.admitted {
		return View{Kind: KindContent}
	}
	// The failed check forced a logout, so the state now carries the reason.
	return g.viewFor(g.session.State())
}

func (g *Gate) viewFor(st session.State) View {
	switch st.Status {
	case session.StatusInitializing:
		return View{Kind: KindLoading}
	case session.StatusAuthenticated:
		// Only reached when a check failed but the logout has not landed yet.
		return View{Kind: KindLoading}
	}

	v := View{Kind: KindLogin}
	if st.Reason == session.ReasonSessionExpired {
		expires := st.ChangedAt.Add(g.noticeTTL)
		if g.now().Before(expires) {
			v.Notice = session.ExpiredNotice
			v.NoticeExpiresAt = expires
		}
	}
	return v
}

// checkFor returns the check for epoch, starting it if this is the first
// request for that epoch.
func (g *Gate) checkFor(ctx context.Context, epoch uint64) *check {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != nil && g.current.epoch == epoch {
		return g.current
	}
	c := &check{epoch: epoch, done: make(chan struct{})}
	g.current = c
	go g.run(context.WithoutCancel(ctx), c)
	return c
}

// run admits the session if the access credential is valid or one refresh
// succeeds, and otherwise forces a logout of the sign-in it was started for.
func (g *Gate) run(ctx context.Context, c *check) {
	defer close(c.done)

	if g.store.IsAccessTokenValid(ctx) {
		c.admitted = true
		return
	}

	if _, err := g.refresher.Refresh(ctx); err != nil {
		g.logger.Info().Err(err).Uint64("epoch", c.epoch).Msg("gate: proactive refresh failed")
		// A sign-out or a new sign-in while the refresh ran makes this result stale.
		if st := g.session.State(); st.Status == session.StatusAuthenticated && st.Epoch == c.epoch {
			g.session.ForceLogout(ctx)
		}
		return
	}
	c.admitted = true
}
