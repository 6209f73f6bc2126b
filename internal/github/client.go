// Package github wraps go-github for the REST endpoints the state backends
// depend on: repository contents and branches for the versioned-file backend,
// and Actions variables for the key/value backend.
//
// Every error returned by the client wraps one of the store sentinels
// (ErrPermission, ErrNotFound, ErrConflict, ErrUnavailable), so adapters can
// classify failures with errors.Is without inspecting HTTP status codes.
package github

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v69/github"
	"github.com/rs/zerolog/log"

	"github.com/fpang/album-poster/internal/store"
)

// defaultTimeout is the HTTP client timeout for API calls.
const defaultTimeout = 15 * time.Second

// Client talks to one repository.
type Client struct {
	api   *gh.Client
	owner string
	repo  string
}

type options struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*options)

// WithBaseURL points the client at a GitHub Enterprise host or a test server.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// NewClient creates a client for repository "owner/name".
func NewClient(token, repository string, opts ...Option) (*Client, error) {
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("repository must be owner/name, got %q", repository)
	}
	o := options{httpClient: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(&o)
	}

	hc := *o.httpClient
	hc.Transport = loggingTransport{base: hc.Transport}
	api := gh.NewClient(&hc)
	if token != "" {
		api = api.WithAuthToken(token)
	}
	if o.baseURL != "" {
		base, err := url.Parse(strings.TrimRight(o.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", o.baseURL, err)
		}
		api.BaseURL = base
	}
	return &Client{api: api, owner: owner, repo: repo}, nil
}

// Repository returns "owner/name".
func (c *Client) Repository() string {
	return c.owner + "/" + c.repo
}

// loggingTransport logs each API round trip at debug level.
type loggingTransport struct {
	base http.RoundTripper
}

func (t loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	startTime := time.Now()
	log.Debug().Str("method", req.Method).Str("path", req.URL.Path).Msg("GitHub API request")
	resp, err := base.RoundTrip(req)
	duration := time.Since(startTime)
	if err != nil {
		log.Debug().Int("statusCode", 0).Dur("duration", duration).Err(err).Msg("GitHub API response")
		return nil, err
	}
	log.Debug().Int("statusCode", resp.StatusCode).Dur("duration", duration).Msg("GitHub API response")
	return resp, nil
}

// --- Errors ---

// APIError is a non-2xx response from GitHub. Err is the go-github error it
// was built from.
type APIError struct {
	StatusCode int
	Message    string
	Op         string
	RateLimit  bool
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("GitHub API %s: %d %s", e.Op, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Is maps the HTTP status onto the store error classes.
func (e *APIError) Is(target error) bool {
	switch target {
	case store.ErrPermission:
		return (e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden) && !e.RateLimit
	case store.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case store.ErrConflict:
		return e.StatusCode == http.StatusConflict || e.StatusCode == http.StatusPreconditionFailed ||
			e.StatusCode == http.StatusUnprocessableEntity
	case store.ErrTooLarge:
		return e.StatusCode == http.StatusRequestEntityTooLarge
	case store.ErrUnavailable:
		return e.RateLimit || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	}
	return false
}

// classify converts a go-github error into an APIError. Transport failures
// and cancelled contexts have no status and wrap store.ErrUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	apiErr := &APIError{Op: op, Err: err}
	var (
		rateErr  *gh.RateLimitError
		abuseErr *gh.AbuseRateLimitError
		respErr  *gh.ErrorResponse
	)
	switch {
	case errors.As(err, &rateErr):
		apiErr.RateLimit = true
		apiErr.Message = rateErr.Message
		apiErr.StatusCode = statusOf(rateErr.Response, http.StatusForbidden)
	case errors.As(err, &abuseErr):
		apiErr.RateLimit = true
		apiErr.Message = abuseErr.Message
		apiErr.StatusCode = statusOf(abuseErr.Response, http.StatusForbidden)
	case errors.As(err, &respErr):
		apiErr.Message = respErr.Message
		apiErr.StatusCode = statusOf(respErr.Response, 0)
	default:
		return fmt.Errorf("%s: %w: %w", op, store.ErrUnavailable, err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		log.Warn().Int("statusCode", apiErr.StatusCode).Str("op", op).Str("errorMessage", apiErr.Message).Msg("GitHub API error")
	}
	return apiErr
}

func statusOf(resp *http.Response, fallback int) int {
	if resp == nil {
		return fallback
	}
	return resp.StatusCode
}

// IsNotFound reports whether err is a 404 from GitHub.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
