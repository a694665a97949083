// Package docstore is the client for the reelsync document store. It
// signs users in and exposes each user's collections as
// collection.RemoteCollection values backed by HTTP calls and a
// websocket snapshot feed.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker/v2"

	apperrors "github.com/alexjbarnes/reelsync/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. Collection listings
	// are the largest responses.
	maxAPIResponseBytes = 16 << 20

	// breakerFailures is the number of consecutive transient failures
	// that opens the circuit.
	breakerFailures = 5

	// breakerTimeout is how long the circuit stays open before a probe.
	breakerTimeout = 30 * time.Second
)

// TokenSource supplies the bearer token for document calls. An empty
// token means nobody is signed in.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// Config holds the client parameters.
type Config struct {
	// BaseURL is the document store root, e.g. http://localhost:8091.
	BaseURL string

	// HTTPClient is optional. A client with a 30 second timeout and a
	// same-host redirect policy is used when nil.
	HTTPClient *http.Client

	Tokens TokenSource
	Logger *slog.Logger
}

// Client talks to the document store.
type Client struct {
	httpClient *http.Client
	baseURL    string
	wsURL      string
	tokens     TokenSource
	logger     *slog.Logger
	cb         *gobreaker.CircuitBreaker[[]byte]

	dial         dialFunc
	reconnectMin time.Duration
	reconnectMax time.Duration
}

// SignInResponse is returned by a successful sign-in.
type SignInResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type signInRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type meResponse struct {
	UserID string `json:"user_id"`
}

type apiError struct {
	Error string `json:"error"`
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so bearer tokens never leak to a
// third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a document store client.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing document store URL: %w", err)
	}

	var wsScheme string

	switch u.Scheme {
	case "http":
		wsScheme = "ws"
	case "https":
		wsScheme = "wss"
	default:
		return nil, fmt.Errorf("document store URL must be http or https, got %q", cfg.BaseURL)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("document store URL has no host: %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	tokens := cfg.Tokens
	if tokens == nil {
		tokens = TokenFunc(func() string { return "" })
	}

	base := strings.TrimRight(u.String(), "/")
	ws := *u
	ws.Scheme = wsScheme

	c := &Client{
		httpClient:   httpClient,
		baseURL:      base,
		wsURL:        strings.TrimRight(ws.String(), "/"),
		tokens:       tokens,
		logger:       logger,
		dial:         dialWebsocket,
		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
	}

	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "docstore",
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		// Only transient failures say anything about server health. A 404
		// or a rejected document is a successful round trip.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return c, nil
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// statusError maps a non-2xx response onto the sentinel errors.
func statusError(endpoint string, code int, body []byte) error {
	msg := sanitizeResponseBody(body)

	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Error != "" {
		msg = sanitizeResponseBody([]byte(ae.Error))
	}

	switch code {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", endpoint, apperrors.ErrInvalidToken)
	case http.StatusForbidden:
		return fmt.Errorf("%s: %w", endpoint, apperrors.ErrForbidden)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w: %s", endpoint, apperrors.ErrNotFound, msg)
	}

	err := fmt.Errorf("%s returned status %d: %s", endpoint, code, msg)
	if isTransientStatus(code) {
		return &TransientError{Err: err}
	}

	return err
}

// do sends one request and returns the response body. token may be
// empty for unauthenticated endpoints.
func (c *Client) do(ctx context.Context, method, endpoint, token string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(method+" "+endpoint, resp.StatusCode, respBody)
	}

	return respBody, nil
}

// execute runs a document call through the circuit breaker.
func (c *Client) execute(fn func() ([]byte, error)) ([]byte, error) {
	body, err := c.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &TransientError{Err: fmt.Errorf("document store circuit: %w", err)}
	}

	return body, err
}

// SignIn exchanges a user name and password for a bearer token.
func (c *Client) SignIn(ctx context.Context, user, password string) (*SignInResponse, error) {
	payload, err := json.Marshal(signInRequest{User: user, Password: password})
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/signin", "", payload)
	if errors.Is(err, apperrors.ErrInvalidToken) {
		return nil, fmt.Errorf("signing in: %w", apperrors.ErrInvalidCredentials)
	}

	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}

	var resp SignInResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding sign-in response: %w", err)
	}

	if resp.Token == "" || resp.UserID == "" {
		return nil, errors.New("signing in: response missing token or user id")
	}

	return &resp, nil
}

// SignOut revokes token on the server.
func (c *Client) SignOut(ctx context.Context, token string) error {
	if _, err := c.do(ctx, http.MethodPost, "/v1/signout", token, nil); err != nil {
		return fmt.Errorf("signing out: %w", err)
	}

	return nil
}

// Me returns the user id token belongs to.
func (c *Client) Me(ctx context.Context, token string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/me", token, nil)
	if err != nil {
		return "", fmt.Errorf("checking session: %w", err)
	}

	var resp meResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding session response: %w", err)
	}

	return resp.UserID, nil
}
