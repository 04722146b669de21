package gate_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-session-client/gate"
	"github.com/jrsteele09/go-session-client/httpclient"
	sessionerrors "github.com/jrsteele09/go-session-client/internal/errors"
	"github.com/jrsteele09/go-session-client/session"
	"github.com/jrsteele09/go-session-client/token"
	"github.com/jrsteele09/go-session-client/token/tokenfake"
	"github.com/jrsteele09/go-session-client/tokenstore"
	"github.com/jrsteele09/go-session-client/tokenstore/kv"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type requesterFunc func(ctx context.Context, path string, opts httpclient.RequestOptions, requireAuth bool) (json.RawMessage, error)

func (f requesterFunc) Request(ctx context.Context, path string, opts httpclient.RequestOptions, requireAuth bool) (json.RawMessage, error) {
	return f(ctx, path, opts, requireAuth)
}

// fakeRefresher writes next to the store, or fails when err is set. When
// block is non-nil it waits on it first.
type fakeRefresher struct {
	store    tokenstore.CredentialStore
	next     token.Pair
	err      error
	block    chan struct{}
	calls    atomic.Int32
	finished atomic.Int32
}

func (f *fakeRefresher) Refresh(ctx context.Context) (token.Pair, error) {
	f.calls.Add(1)
	defer f.finished.Add(1)
	exchanged, _ := f.store.RefreshToken(ctx)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		f.store.ClearTokensIf(ctx, func(p token.Pair) bool { return p.Refresh == exchanged })
		return token.Pair{}, f.err
	}
	f.store.SetTokens(ctx, f.next)
	return f.next, nil
}

type fixture struct {
	store        *tokenstore.Store
	controller   *session.Controller
	refresher    *fakeRefresher
	gate         *gate.Gate
	loginWith    string
	loginRefresh string
}

func newFixture(t *testing.T, opts ...gate.Option) *fixture {
	t.Helper()
	store, err := tokenstore.New(kv.NewInMemoryStorage(), "access", "refresh", tokenstore.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	f := &fixture{store: store}
	f.refresher = &fakeRefresher{store: store, next: token.Pair{Access: tokenfake.Valid(), Refresh: "r2"}}

	requester := requesterFunc(func(context.Context, string, httpclient.RequestOptions, bool) (json.RawMessage, error) {
		refresh := f.loginRefresh
		if refresh == "" {
			refresh = "r1"
		}
		return json.RawMessage(`{"access":"` + f.loginWith + `","refresh":"` + refresh + `"}`), nil
	})
	f.controller = session.NewController(requester, store, session.WithLogger(zerolog.Nop()))

	opts = append([]gate.Option{gate.WithLogger(zerolog.Nop())}, opts...)
	f.gate = gate.New(f.controller, store, f.refresher, opts...)
	return f
}

func (f *fixture) login(t *testing.T, access string) {
	t.Helper()
	f.loginWith = access
	require.NoError(t, f.controller.Login(context.Background(), "a@b.com", "x"))
}

func resolve(t *testing.T, g *gate.Gate) gate.View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return g.Resolve(ctx)
}

func TestGate_InitializingShowsLoading(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, gate.View{Kind: gate.KindLoading}, f.gate.Render(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Equal(t, gate.KindLoading, f.gate.Resolve(ctx).Kind)
}

func TestGate_UnauthenticatedShowsLogin(t *testing.T) {
	f := newFixture(t)
	f.controller.Restore(context.Background())

	require.Equal(t, gate.View{Kind: gate.KindLogin}, f.gate.Render(context.Background()))
	require.Equal(t, gate.View{Kind: gate.KindLogin}, resolve(t, f.gate))
}

func TestGate_ValidCredentialShowsContent(t *testing.T) {
	f := newFixture(t)
	f.login(t, tokenfake.Valid())

	require.Equal(t, gate.View{Kind: gate.KindContent}, resolve(t, f.gate))
	require.Equal(t, gate.View{Kind: gate.KindContent}, f.gate.Render(context.Background()))
	require.Equal(t, int32(0), f.refresher.calls.Load())
}

func TestGate_LoadingWhileCheckInFlight(t *testing.T) {
	f := newFixture(t)
	f.refresher.block = make(chan struct{})
	f.login(t, tokenfake.Expired())

	for i := 0; i < 5; i++ {
		require.Equal(t, gate.KindLoading, f.gate.Render(context.Background()).Kind)
	}

	close(f.refresher.block)
	require.Equal(t, gate.KindContent, resolve(t, f.gate).Kind)
	require.Equal(t, int32(1), f.refresher.calls.Load())
}

func TestGate_CheckRunsOncePerSignIn(t *testing.T) {
	f := newFixture(t)
	f.login(t, tokenfake.Expired())

	require.Equal(t, gate.KindContent, resolve(t, f.gate).Kind)

	// The credential expires again, but rendering alone must not refresh.
	f.store.SetTokens(context.Background(), token.Pair{Access: tokenfake.Expired(), Refresh: "r"})
	for i := 0; i < 10; i++ {
		require.Equal(t, gate.KindContent, f.gate.Render(context.Background()).Kind)
	}
	require.Equal(t, int32(1), f.refresher.calls.Load())

	// A fresh sign-in is checked again.
	f.controller.Logout(context.Background())
	f.login(t, tokenfake.Expired())
	require.Equal(t, gate.KindContent, resolve(t, f.gate).Kind)
	require.Equal(t, int32(2), f.refresher.calls.Load())
}

func TestGate_FailedRefreshForcesLogoutWithNotice(t *testing.T) {
	now := time.Now()
	f := newFixture(t, gate.WithNoticeTTL(10*time.Second), gate.WithNowFunc(func() time.Time { return now }))
	f.refresher.err = sessionerrors.ErrSessionExpired
	f.login(t, tokenfake.Expired())

	v := resolve(t, f.gate)
	require.Equal(t, gate.KindLogin, v.Kind)
	require.Equal(t, session.ExpiredNotice, v.Notice)

	st := f.controller.State()
	require.Equal(t, session.StatusUnauthenticated, st.Status)
	require.Equal(t, session.ReasonSessionExpired, st.Reason)
	require.Equal(t, st.ChangedAt.Add(10*time.Second), v.NoticeExpiresAt)
	require.True(t, f.store.Tokens(context.Background()).IsZero())
}

func TestGate_NoticeExpires(t *testing.T) {
	var now atomic.Value
	now.Store(time.Now())
	f := newFixture(t, gate.WithNoticeTTL(10*time.Second), gate.WithNowFunc(func() time.Time { return now.Load().(time.Time) }))
	f.login(t, tokenfake.Valid())
	f.controller.ForceLogout(context.Background())

	require.Equal(t, session.ExpiredNotice, f.gate.Render(context.Background()).Notice)

	now.Store(time.Now().Add(11 * time.Second))
	require.Equal(t, gate.View{Kind: gate.KindLogin}, f.gate.Render(context.Background()))
}

func TestGate_LogoutShowsPlainLogin(t *testing.T) {
	f := newFixture(t)
	f.login(t, tokenfake.Valid())
	require.Equal(t, gate.KindContent, resolve(t, f.gate).Kind)

	f.controller.Logout(context.Background())
	require.Equal(t, gate.View{Kind: gate.KindLogin}, f.gate.Render(context.Background()))
}

func TestGate_CancelledRenderDoesNotAbortCheck(t *testing.T) {
	f := newFixture(t)
	f.refresher.block = make(chan struct{})
	f.login(t, tokenfake.Expired())

	ctx, cancel := context.WithCancel(context.Background())
	require.Equal(t, gate.KindLoading, f.gate.Render(ctx).Kind)
	cancel()

	close(f.refresher.block)
	require.Equal(t, gate.KindContent, resolve(t, f.gate).Kind)
	require.Equal(t, int32(1), f.refresher.calls.Load())
}

func TestGate_StaleCheckDoesNotEndLaterSignIn(t *testing.T) {
	f := newFixture(t)
	f.refresher.err = sessionerrors.ErrSessionExpired
	f.refresher.block = make(chan struct{})
	f.login(t, tokenfake.Expired())

	require.Equal(t, gate.KindLoading, f.gate.Render(context.Background()).Kind)
	require.Eventually(t, func() bool { return f.refresher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	f.controller.Logout(context.Background())
	f.loginRefresh = "r-second"
	f.login(t, tokenfake.Valid())
	require.Equal(t, uint64(2), f.controller.State().Epoch)

	close(f.refresher.block)
	require.Eventually(t, func() bool { return f.refresher.finished.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.Never(t, func() bool {
		return f.controller.State().Status != session.StatusAuthenticated
	}, 100*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, session.ReasonNone, f.controller.State().Reason)
	require.Equal(t, gate.View{Kind: gate.KindContent}, resolve(t, f.gate))

	refresh, ok := f.store.RefreshToken(context.Background())
	require.True(t, ok)
	require.Equal(t, "r-second", refresh)
}
