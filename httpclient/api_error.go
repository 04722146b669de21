package httpclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	sessionerrors "github.com/jrsteele09/go-session-client/internal/errors"
)

// APIError is a non-2xx response other than a recovered 401.
type APIError struct {
	StatusCode int
	Message    string
	// Data is the decoded JSON error body, or nil when there was none.
	Data map[string]any
}

var _ sessionerrors.Kinded = (*APIError)(nil)

func (e *APIError) Error() string {
	return fmt.Sprintf("(%d) %s", e.StatusCode, e.Message)
}

func (e *APIError) Kind() sessionerrors.Kind {
	if e.StatusCode == http.StatusUnauthorized {
		return sessionerrors.KindUnauthorized
	}
	return sessionerrors.KindAPI
}

// Is lets errors.Is(err, ErrUnauthorized) match a 401.
func (e *APIError) Is(target error) bool {
	return target == sessionerrors.ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// newAPIError prefers the server's detail, message or error field, falling
// back to the status text when the body has none of them.
func newAPIError(resp *http.Response, payload []byte, isJSON bool) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	if isJSON {
		var data map[string]any
		if err := json.Unmarshal(payload, &data); err == nil {
			apiErr.Data = data
		}
	}

	for _, field := range []string{"detail", "message", "error"} {
		if s, ok := apiErr.Data[field].(string); ok && strings.TrimSpace(s) != "" {
			apiErr.Message = s
			return apiErr
		}
	}

	apiErr.Message = statusText(resp)
	return apiErr
}

func statusText(resp *http.Response) string {
	// resp.Status is "404 Not Found"; keep the text only.
	if _, text, ok := strings.Cut(resp.Status, " "); ok && text != "" {
		return text
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return "request failed"
}
