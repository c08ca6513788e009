package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Azure/go-ntlmssp"
)

// Common errors.
var (
	ErrUnauthorized     = errors.New("http: unauthorized")
	ErrServerError      = errors.New("http: server error")
	ErrUnexpectedStatus = errors.New("http: unexpected status")
	ErrCredentials      = errors.New("http: credentials unavailable")
)

// DefaultUserAgent is sent with every report request.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// AuthScheme selects how credentials are presented to the server.
type AuthScheme string

const (
	// AuthNTLM negotiates NTLM, falling back to basic when the server does
	// not offer it.
	AuthNTLM AuthScheme = "ntlm"
	// AuthBasic sends credentials as basic auth only.
	AuthBasic AuthScheme = "basic"
	// AuthNone sends no credentials.
	AuthNone AuthScheme = "none"
)

// StatusError is returned for non-2xx responses. It unwraps to
// ErrUnauthorized, ErrServerError or ErrUnexpectedStatus.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %s", e.Unwrap(), e.Status)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Code >= 500:
		return ErrServerError
	default:
		return ErrUnexpectedStatus
	}
}

// CredentialSource supplies the username/password pair for a request. It is
// consulted on every request so updated credentials are picked up without a
// restart.
type CredentialSource interface {
	Credentials(ctx context.Context) (user, password string, err error)
}

// StaticCredentials is a fixed CredentialSource.
type StaticCredentials struct {
	User     string
	Password string
}

// Credentials implements CredentialSource.
func (s StaticCredentials) Credentials(context.Context) (string, string, error) {
	return s.User, s.Password, nil
}

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 8
	MaxIdleConnsPerHost int

	// Timeout for a whole request including reading the body.
	// Default: 600s
	Timeout time.Duration

	// UserAgent overrides DefaultUserAgent.
	UserAgent string

	// Auth selects the authentication scheme.
	// Default: AuthNTLM
	Auth AuthScheme
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 8,
		Timeout:             600 * time.Second,
		UserAgent:           DefaultUserAgent,
		Auth:                AuthNTLM,
	}
}

// Response is a successful response whose body has not been read yet.
type Response struct {
	Body io.ReadCloser

	// ContentLength is the advertised body size, or -1 when unknown.
	ContentLength int64

	StatusCode int
}

// Client performs authenticated report requests.
type Client struct {
	client *http.Client
	opts   Options
	creds  CredentialSource
}

// NewClient creates a new HTTP client with the given options. creds may be
// nil when opts.Auth is AuthNone.
func NewClient(opts Options, creds CredentialSource) *Client {
	def := DefaultOptions()
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.Auth == "" {
		opts.Auth = def.Auth
	}

	// Environment proxies are ignored; the report server is internal.
	transport := &http.Transport{
		Proxy:               nil,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	var rt http.RoundTripper = transport
	if opts.Auth == AuthNTLM {
		rt = ntlmssp.Negotiator{RoundTripper: transport}
	}

	return &Client{
		client: &http.Client{
			Transport: rt,
			Timeout:   opts.Timeout,
		},
		opts:  opts,
		creds: creds,
	}
}

// Get issues one GET request. It does not retry; callers classify the
// returned error with errors.Is against the package sentinels. On success
// the caller must close Response.Body.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Connection", "keep-alive")

	if c.opts.Auth != AuthNone && c.creds != nil {
		user, password, err := c.creds.Credentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
		}
		if user != "" || password != "" {
			req.SetBasicAuth(user, password)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	return &Response{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		StatusCode:    resp.StatusCode,
	}, nil
}

// CloseIdleConnections drops pooled connections so the next request starts
// a fresh session.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}
