// Package proxy serves a local HTTP front for the API. Requests under /api/
// pass through the session gate and are forwarded with the stored credential,
// so local tools never handle tokens themselves.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-session-client/gate"
	"github.com/jrsteele09/go-session-client/httpclient"
	"github.com/jrsteele09/go-session-client/internal/config"
	sessionerrors "github.com/jrsteele09/go-session-client/internal/errors"
	"github.com/jrsteele09/go-session-client/internal/metrics"
	"github.com/jrsteele09/go-session-client/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const apiPrefix = "/api"

// Gatekeeper decides whether a request may reach the API.
type Gatekeeper interface {
	Render(ctx context.Context) gate.View
}

// Sessions is the part of session.Controller the proxy drives.
type Sessions interface {
	State() session.State
	Login(ctx context.Context, email, password string) error
	Logout(ctx context.Context)
	SaveCurrentRoute(route string)
	GetAndClearSavedRoute() (string, bool)
}

var (
	_ Gatekeeper = (*gate.Gate)(nil)
	_ Sessions   = (*session.Controller)(nil)
)

type Server struct {
	dev      bool
	mux      *http.ServeMux
	handler  http.Handler
	routes   []string
	cfg      config.ProxyConfig
	gate     Gatekeeper
	sessions Sessions
	client   httpclient.Requester
	metrics  *metrics.Collector
}

func New(cfg *config.Config, g Gatekeeper, sessions Sessions, client httpclient.Requester, m *metrics.Collector) *Server {
	s := &Server{
		dev:      cfg.IsDev(),
		mux:      http.NewServeMux(),
		cfg:      cfg.Proxy,
		gate:     g,
		sessions: sessions,
		client:   client,
		metrics:  m,
	}
	s.initRoutes()
	s.handler = otelhttp.NewHandler(s.mux, cfg.AppName)
	s.logRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) initRoutes() {
	s.RegisterRouteFunc("GET /healthz", s.handleHealth)
	s.RegisterRouteHandler("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	s.RegisterRouteFunc("GET /session", ChainMiddleware(s.handleSessionState, s.APIMiddleware()...))
	s.RegisterRouteFunc("POST /session/login", ChainMiddleware(s.handleLogin, s.APIMiddleware()...))
	s.RegisterRouteFunc("POST /session/logout", ChainMiddleware(s.handleLogout, s.APIMiddleware()...))

	s.RegisterRouteFunc(apiPrefix+"/", ChainMiddleware(s.handleAPI, s.APIMiddleware()...))
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if !s.dev {
		return
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionStateResponse struct {
	Status string        `json:"status"`
	User   *session.User `json:"user,omitempty"`
	Reason string        `json:"reason"`
	View   string        `json:"view"`
	Notice string        `json:"notice,omitempty"`
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	st := s.sessions.State()
	view := s.gate.Render(r.Context())
	writeJSON(w, http.StatusOK, sessionStateResponse{
		Status: st.Status.String(),
		User:   st.User,
		Reason: st.Reason.String(),
		View:   view.Kind.String(),
		Notice: view.Notice,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Status string        `json:"status"`
	User   *session.User `json:"user,omitempty"`
	Resume string        `json:"resume,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	if err := s.sessions.Login(r.Context(), req.Email, req.Password); err != nil {
		s.writeUpstreamError(w, err)
		return
	}

	st := s.sessions.State()
	resp := loginResponse{Status: st.Status.String(), User: st.User}
	if route, ok := s.sessions.GetAndClearSavedRoute(); ok {
		resp.Resume = route
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleAPI forwards /api/<path> to <API_URL>/<path> once the gate admits
// the session.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	view := s.gate.Render(r.Context())
	switch view.Kind {
	case gate.KindLoading:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "session_loading", "session check in progress")
		return
	case gate.KindLogin:
		s.sessions.SaveCurrentRoute(r.URL.RequestURI())
		if view.Notice != "" {
			writeError(w, http.StatusUnauthorized, "session_expired", view.Notice)
			return
		}
		writeError(w, http.StatusUnauthorized, "login_required", "sign in required")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, apiPrefix)
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	opts := httpclient.RequestOptions{Method: r.Method}
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
			return
		}
		if len(body) > 0 {
			opts.Body = body
		}
	}

	raw, err := s.client.Request(r.Context(), path, opts, true)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		writeJSON(w, apiErr.StatusCode, map[string]any{
			"error":   "api_error",
			"message": apiErr.Message,
			"data":    apiErr.Data,
		})
		return
	}

	switch sessionerrors.KindOf(err) {
	case sessionerrors.KindSessionExpired, sessionerrors.KindNoSession:
		writeError(w, http.StatusUnauthorized, "session_expired", session.ExpiredNotice)
	case sessionerrors.KindTransport:
		writeError(w, http.StatusBadGateway, "upstream_unavailable", "the API could not be reached")
	case sessionerrors.KindMalformed:
		writeError(w, http.StatusBadGateway, "bad_upstream_response", err.Error())
	default:
		log.Error().Err(err).Msg("proxy: request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("proxy: failed to write response")
	}
}
