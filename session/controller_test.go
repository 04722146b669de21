package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jrsteele09/go-session-client/events"
	"github.com/jrsteele09/go-session-client/httpclient"
	sessionerrors "github.com/jrsteele09/go-session-client/internal/errors"
	"github.com/jrsteele09/go-session-client/internal/metrics"
	"github.com/jrsteele09/go-session-client/session"
	"github.com/jrsteele09/go-session-client/token"
	"github.com/jrsteele09/go-session-client/token/tokenfake"
	"github.com/jrsteele09/go-session-client/tokenstore"
	"github.com/jrsteele09/go-session-client/tokenstore/kv"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type requesterFunc func(ctx context.Context, path string, opts httpclient.RequestOptions, requireAuth bool) (json.RawMessage, error)

func (f requesterFunc) Request(ctx context.Context, path string, opts httpclient.RequestOptions, requireAuth bool) (json.RawMessage, error) {
	return f(ctx, path, opts, requireAuth)
}

type refresherFunc func(ctx context.Context) (token.Pair, error)

func (f refresherFunc) Refresh(ctx context.Context) (token.Pair, error) { return f(ctx) }

type fixture struct {
	backend    *kv.InMemoryStorage
	store      *tokenstore.Store
	metrics    *metrics.Collector
	controller *session.Controller
	requests   []loginCall
	response   string
	err        error
}

type loginCall struct {
	path        string
	method      string
	body        string
	requireAuth bool
}

func newFixture(t *testing.T, opts ...session.Option) *fixture {
	t.Helper()
	f := &fixture{backend: kv.NewInMemoryStorage(), metrics: metrics.NewCollector()}

	store, err := tokenstore.New(f.backend, "access", "refresh",
		tokenstore.WithProfileKey("user_email"),
		tokenstore.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	f.store = store

	requester := requesterFunc(func(_ context.Context, path string, o httpclient.RequestOptions, requireAuth bool) (json.RawMessage, error) {
		b, _ := json.Marshal(o.Body)
		f.requests = append(f.requests, loginCall{path: path, method: o.Method, body: string(b), requireAuth: requireAuth})
		if f.err != nil {
			return nil, f.err
		}
		return json.RawMessage(f.response), nil
	})

	opts = append([]session.Option{
		session.WithProfileStore(store),
		session.WithMetrics(f.metrics),
		session.WithLogger(zerolog.Nop()),
	}, opts...)
	f.controller = session.NewController(requester, store, opts...)
	return f
}

func requireReady(t *testing.T, c *session.Controller) {
	t.Helper()
	select {
	case <-c.Ready():
	default:
		t.Fatal("controller is still initializing")
	}
}

func TestController_StartsInitializing(t *testing.T) {
	f := newFixture(t)
	st := f.controller.State()
	require.Equal(t, session.StatusInitializing, st.Status)
	require.Nil(t, st.User)

	select {
	case <-f.controller.Ready():
		t.Fatal("ready before restore")
	default:
	}
}

func TestController_Restore(t *testing.T) {
	ctx := context.Background()

	t.Run("valid credential and cached profile", func(t *testing.T) {
		f := newFixture(t)
		f.store.SetTokens(ctx, token.Pair{Access: tokenfake.Access(2, time.Now().Add(time.Hour)), Refresh: "r"})
		f.store.SetProfile(ctx, tokenstore.Profile{Email: "a@b.com", Role: "admin"})

		f.controller.Restore(ctx)
		requireReady(t, f.controller)

		st := f.controller.State()
		require.Equal(t, session.StatusAuthenticated, st.Status)
		require.Equal(t, &session.User{Email: "a@b.com", Role: "admin", ID: "2"}, st.User)
		require.Equal(t, uint64(1), st.Epoch)
	})

	t.Run("no credential", func(t *testing.T) {
		f := newFixture(t)
		f.controller.Restore(ctx)
		requireReady(t, f.controller)
		require.Equal(t, session.StatusUnauthenticated, f.controller.State().Status)
		require.Equal(t, session.ReasonNone, f.controller.State().Reason)
	})

	t.Run("expired credential", func(t *testing.T) {
		f := newFixture(t)
		f.store.SetTokens(ctx, token.Pair{Access: tokenfake.Expired(), Refresh: "r"})
		f.controller.Restore(ctx)
		require.Equal(t, session.StatusUnauthenticated, f.controller.State().Status)
	})

	t.Run("malformed credential", func(t *testing.T) {
		f := newFixture(t)
		f.store.SetTokens(ctx, token.Pair{Access: "garbage", Refresh: "r"})
		f.controller.Restore(ctx)
		require.Equal(t, session.StatusUnauthenticated, f.controller.State().Status)
	})

	t.Run("runs once", func(t *testing.T) {
		f := newFixture(t)
		f.controller.Restore(ctx)
		f.store.SetTokens(ctx, token.Pair{Access: tokenfake.Valid(), Refresh: "r"})
		f.controller.Restore(ctx)
		require.Equal(t, session.StatusUnauthenticated, f.controller.State().Status)
	})
}

func TestController_RestoreWithRefresh(t *testing.T) {
	ctx := context.Background()
	fresh := tokenfake.Valid()

	var calls int
	var f *fixture
	f = newFixture(t, session.WithRestoreRefresh(refresherFunc(func(ctx context.Context) (token.Pair, error) {
		calls++
		p := token.Pair{Access: fresh, Refresh: "r2"}
		f.store.SetTokens(ctx, p)
		return p, nil
	})))
	f.store.SetTokens(ctx, token.Pair{Access: tokenfake.Expired(), Refresh: "r1"})

	f.controller.Restore(ctx)
	require.Equal(t, session.StatusAuthenticated, f.controller.State().Status)
	require.Equal(t, 1, calls)
}

func TestController_RestoreRefreshFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.WithRestoreRefresh(refresherFunc(func(context.Context) (token.Pair, error) {
		return token.Pair{}, sessionerrors.ErrSessionExpired
	})))
	f.store.SetTokens(ctx, token.Pair{Access: tokenfake.Expired(), Refresh: "r1"})

	f.controller.Restore(ctx)
	require.Equal(t, session.StatusUnauthenticated, f.controller.State().Status)
}

func TestController_RestoreRefreshOutlivesCancelledCaller(t *testing.T) {
	fresh := tokenfake.Valid()

	var f *fixture
	f = newFixture(t, session.WithRestoreRefresh(refresherFunc(func(ctx context.Context) (token.Pair, error) {
		if err := ctx.Err(); err != nil {
			return token.Pair{}, err
		}
		p := token.Pair{Access: fresh, Refresh: "r2"}
		f.store.SetTokens(ctx, p)
		return p, nil
	})))
	f.store.SetTokens(context.Background(), token.Pair{Access: tokenfake.Expired(), Refresh: "r1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.controller.Restore(ctx)

	require.Equal(t, session.StatusAuthenticated, f.controller.State().Status)
	require.Equal(t, token.Pair{Access: fresh, Refresh: "r2"}, f.store.Tokens(context.Background()))
}

func TestController_RestoreRecoversFromPanic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.WithRestoreRefresh(refresherFunc(func(context.Context) (token.Pair, error) {
		panic("backend exploded")
	})))

	require.NotPanics(t, func() { f.controller.Restore(ctx) })
	requireReady(t, f.controller)
	require.Equal(t, session.StatusUnauthenticated, f.controller.State().Status)
}

func TestController_Login(t *testing.T) {
	ctx := context.Background()
	access := tokenfake.Access(7, time.Now().Add(time.Hour))

	f := newFixture(t)
	f.controller.Restore(ctx)
	f.response = `{"access":"` + access + `","refresh":"r"}`

	require.NoError(t, f.controller.Login(ctx, "a@b.com", "x"))

	require.Len(t, f.requests, 1)
	require.Equal(t, session.DefaultLoginPath, f.requests[0].path)
	require.Equal(t, http.MethodPost, f.requests[0].method)
	require.JSONEq(t, `{"email":"a@b.com","password":"x"}`, f.requests[0].body)
	require.False(t, f.requests[0].requireAuth)

	gotAccess, ok := f.store.AccessToken(ctx)
	require.True(t, ok)
	require.Equal(t, access, gotAccess)
	gotRefresh, ok := f.store.RefreshToken(ctx)
	require.True(t, ok)
	require.Equal(t, "r", gotRefresh)

	st := f.controller.State()
	require.Equal(t, session.StatusAuthenticated, st.Status)
	require.Equal(t, &session.User{Email: "a@b.com", ID: "7"}, st.User)
	require.Equal(t, uint64(1), st.Epoch)

	profile, ok := f.store.Profile(ctx)
	require.True(t, ok)
	require.Equal(t, "a@b.com", profile.Email)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Counters().Transitions.WithLabelValues("authenticated")))
}

func TestController_LoginProfileFromResponse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.response = `{"access":"a","refresh":"r","user":{"email":"server@b.com","role":"manager"}}`

	require.NoError(t, f.controller.Login(ctx, "typed@b.com", "x"))
	require.Equal(t, &session.User{Email: "server@b.com", Role: "manager"}, f.controller.State().User)
}

func TestController_LoginWithoutAccessWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.controller.Restore(ctx)
	f.response = `{"refresh":"r"}`

	err := f.controller.Login(ctx, "a@b.com", "x")
	require.ErrorIs(t, err, sessionerrors.ErrTokenNotInResponse)
	require.EqualError(t, err, "[Controller Login] token not found in server response")

	require.Equal(t, 0, f.backend.Len())
	require.Equal(t, session.StatusUnauthenticated, f.controller.State().Status)
}

func TestController_LoginRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.controller.Restore(ctx)
	f.err = &httpclient.APIError{StatusCode: http.StatusUnauthorized, Message: "No active account"}

	err := f.controller.Login(ctx, "a@b.com", "wrong")
	require.Error(t, err)
	require.Equal(t, sessionerrors.KindUnauthorized, sessionerrors.KindOf(err))
	require.Equal(t, session.StatusUnauthenticated, f.controller.State().Status)
	require.Equal(t, 0, f.backend.Len())
}

func TestController_FailedLoginWhileInitializing(t *testing.T) {
	tests := map[string]func(f *fixture){
		"rejected": func(f *fixture) {
			f.err = &httpclient.APIError{StatusCode: http.StatusUnauthorized, Message: "No active account"}
		},
		"no access": func(f *fixture) { f.response = `{"refresh":"r"}` },
	}

	for name, setup := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			setup(f)

			require.Error(t, f.controller.Login(context.Background(), "a@b.com", "x"))
			requireReady(t, f.controller)
			st := f.controller.State()
			require.Equal(t, session.StatusUnauthenticated, st.Status)
			require.Equal(t, session.ReasonNone, st.Reason)
		})
	}
}

func TestController_LogoutAndForceLogout(t *testing.T) {
	ctx := context.Background()

	tests := map[string]struct {
		end    func(c *session.Controller)
		reason session.Reason
	}{
		"logout":       {end: func(c *session.Controller) { c.Logout(ctx) }, reason: session.ReasonUserLogout},
		"force logout": {end: func(c *session.Controller) { c.ForceLogout(ctx) }, reason: session.ReasonSessionExpired},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.response = `{"access":"a","refresh":"r"}`
			require.NoError(t, f.controller.Login(ctx, "a@b.com", "x"))

			tt.end(f.controller)

			st := f.controller.State()
			require.Equal(t, session.StatusUnauthenticated, st.Status)
			require.Nil(t, st.User)
			require.Equal(t, tt.reason, st.Reason)
			require.True(t, f.store.Tokens(ctx).IsZero())
			_, ok := f.store.Profile(ctx)
			require.False(t, ok)
		})
	}
}

func TestController_EpochAdvancesOnEachSignIn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.response = `{"access":"a","refresh":"r"}`

	require.NoError(t, f.controller.Login(ctx, "a@b.com", "x"))
	require.NoError(t, f.controller.Login(ctx, "a@b.com", "x"))
	require.Equal(t, uint64(1), f.controller.State().Epoch)

	f.controller.Logout(ctx)
	require.NoError(t, f.controller.Login(ctx, "a@b.com", "x"))
	require.Equal(t, uint64(2), f.controller.State().Epoch)
}

func TestController_SessionExpiredSignal(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	f := newFixture(t)
	f.controller.Attach(bus)
	f.controller.Attach(bus)
	require.Equal(t, 1, bus.ListenerCount(events.SessionExpired))

	// Ignored while nobody is signed in.
	f.controller.Restore(ctx)
	bus.EmitSessionExpired()
	require.Equal(t, session.ReasonNone, f.controller.State().Reason)

	f.response = `{"access":"a","refresh":"r"}`
	require.NoError(t, f.controller.Login(ctx, "a@b.com", "x"))

	bus.EmitSessionExpired()
	st := f.controller.State()
	require.Equal(t, session.StatusUnauthenticated, st.Status)
	require.Equal(t, session.ReasonSessionExpired, st.Reason)

	f.controller.Detach()
	require.Equal(t, 0, bus.ListenerCount(events.SessionExpired))
}

func TestController_SavedRouteIsReadOnce(t *testing.T) {
	f := newFixture(t)

	_, ok := f.controller.GetAndClearSavedRoute()
	require.False(t, ok)

	f.controller.SaveCurrentRoute("/management/events")
	f.controller.SaveCurrentRoute("/management/venues")

	route, ok := f.controller.GetAndClearSavedRoute()
	require.True(t, ok)
	require.Equal(t, "/management/venues", route)

	_, ok = f.controller.GetAndClearSavedRoute()
	require.False(t, ok)
}

func TestController_OnChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var seen []session.Status
	unsubscribe := f.controller.OnChange(func(st session.State) { seen = append(seen, st.Status) })

	f.controller.Restore(ctx)
	f.response = `{"access":"a","refresh":"r"}`
	require.NoError(t, f.controller.Login(ctx, "a@b.com", "x"))
	unsubscribe()
	f.controller.Logout(ctx)

	require.Equal(t, []session.Status{session.StatusUnauthenticated, session.StatusAuthenticated}, seen)
}

func TestController_StateIsASnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.response = `{"access":"a","refresh":"r"}`
	require.NoError(t, f.controller.Login(ctx, "a@b.com", "x"))

	st := f.controller.State()
	st.User.Email = "changed@b.com"
	require.Equal(t, "a@b.com", f.controller.State().User.Email)
}
