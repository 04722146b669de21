// Package httpclient sends JSON requests to the API with the stored bearer
// credential and recovers from a single 401 by refreshing and retrying once.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-client/events"
	sessionerrors "github.com/jrsteele09/go-session-client/internal/errors"
	"github.com/jrsteele09/go-session-client/internal/metrics"
	"github.com/jrsteele09/go-session-client/token"
	"github.com/jrsteele09/go-session-client/tokenstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	headerRequestID     = "X-Request-ID"
	contentTypeJSON     = "application/json"
)

// Refresher exchanges the stored refresh credential for a new pair.
type Refresher interface {
	Refresh(ctx context.Context) (token.Pair, error)
}

// Requester is the part of Client other packages send requests through.
type Requester interface {
	Request(ctx context.Context, path string, opts RequestOptions, requireAuth bool) (json.RawMessage, error)
}

var _ Requester = (*Client)(nil)

// RequestOptions describe one call. Method defaults to GET. Body is sent as
// is when it is []byte, json.RawMessage or string, and JSON encoded otherwise.
// Header values replace the computed ones.
type RequestOptions struct {
	Method string
	Header http.Header
	Body   any
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	store      tokenstore.CredentialStore
	refresher  Refresher
	bus        *events.Bus
	metrics    *metrics.Collector
	logger     zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default otelhttp-instrumented client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds each HTTP call. It applies to a copy of the underlying
// client, whichever order the options come in.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithRefresher(r Refresher) Option {
	return func(c *Client) { c.refresher = r }
}

func WithBus(b *events.Bus) Option {
	return func(c *Client) { c.bus = b }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(baseURL string, store tokenstore.CredentialStore, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		store:  store,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	return c
}

// SetRefresher installs the refresher after construction. The refresh service
// sends its own request through the client, so one of the two has to be wired
// second.
func (c *Client) SetRefresher(r Refresher) {
	c.refresher = r
}

// Request sends one logical request. With requireAuth the stored access
// credential is attached as is, even when it has expired locally; the server
// decides. A 401 triggers exactly one refresh and one retry with the new
// credential. If the refresh fails, an ErrSessionExpired error is returned and,
// unless a newer credential has been stored meanwhile, the stored credentials
// are cleared and the bus is told the session expired. If ctx ends while the
// refresh is in flight the refresh keeps running, nothing is cleared and the
// error wraps ErrTransport and ctx's error.
//
// A 2xx JSON response is returned parsed; any other 2xx yields "{}".
func (c *Client) Request(ctx context.Context, path string, opts RequestOptions, requireAuth bool) (json.RawMessage, error) {
	body, err := encodeBody(opts.Body)
	if err != nil {
		return nil, fmt.Errorf("[Client Request] encode body: %w", err)
	}

	access := c.bearer(ctx, requireAuth)
	resp, err := c.send(ctx, path, opts, body, access)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && requireAuth {
		drain(resp)

		if err := c.refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("[Client Request] refresh abandoned: %w: %w", sessionerrors.ErrTransport, err)
			}
			return nil, c.expire(ctx, access, err)
		}
		c.bus.EmitTokenRefreshed()
		c.metrics.UnauthorizedRetry()

		resp, err = c.send(ctx, path, opts, body, c.bearer(ctx, requireAuth))
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	return c.readResponse(resp)
}

func (c *Client) refresh(ctx context.Context) error {
	if c.refresher == nil {
		return sessionerrors.ErrRefreshFailed
	}
	_, err := c.refresher.Refresh(ctx)
	return err
}

// expire handles a failed refresh for a request sent with access. The session
// only ends when the store still holds that credential, or nothing.
func (c *Client) expire(ctx context.Context, access string, cause error) error {
	lost := c.store.ClearTokensIf(ctx, func(p token.Pair) bool {
		return p.Access == "" || p.Access == access
	})
	if lost {
		c.bus.EmitSessionExpired()
	} else {
		c.logger.Debug().Err(cause).Msg("httpclient: refresh failed but newer credentials are stored")
	}
	return fmt.Errorf("[Client Request] %w: %w", sessionerrors.ErrSessionExpired, cause)
}

// bearer returns the stored access credential when requireAuth is set.
func (c *Client) bearer(ctx context.Context, requireAuth bool) string {
	if !requireAuth {
		return ""
	}
	access, _ := c.store.AccessToken(ctx)
	return access
}

func (c *Client) send(ctx context.Context, path string, opts RequestOptions, body []byte, access string) (*http.Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, fmt.Errorf("[Client Request] create request: %w", err)
	}

	req.Header.Set(headerContentType, contentTypeJSON)
	req.Header.Set(headerRequestID, uuid.NewString())
	if access != "" {
		req.Header.Set(headerAuthorization, "Bearer "+access)
	}
	for key, values := range opts.Header {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.Request(0)
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("httpclient: transport error")
		return nil, fmt.Errorf("[Client Request] %s %s: %w: %w", method, path, sessionerrors.ErrTransport, err)
	}
	c.metrics.Request(resp.StatusCode)
	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("httpclient: response")
	return resp, nil
}

func (c *Client) readResponse(resp *http.Response) (json.RawMessage, error) {
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("[Client Request] read response: %w: %w", sessionerrors.ErrTransport, err)
	}
	isJSON := strings.Contains(resp.Header.Get(headerContentType), contentTypeJSON)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp, payload, isJSON)
	}

	if !isJSON || len(bytes.TrimSpace(payload)) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("[Client Request] response is not valid JSON: %w", sessionerrors.ErrMalformedResponse)
	}
	return json.RawMessage(payload), nil
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(b)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// Fetch sends a request and decodes the JSON response into T.
func Fetch[T any](ctx context.Context, r Requester, path string, opts RequestOptions, requireAuth bool) (T, error) {
	var out T
	raw, err := r.Request(ctx, path, opts, requireAuth)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("[Fetch] decode %s: %w", path, err)
	}
	return out, nil
}
