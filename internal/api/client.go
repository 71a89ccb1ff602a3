package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Signer produces per-request authentication headers. path is the full
// request path without the query string.
type Signer interface {
	SignRequest(method, path string) (map[string]string, error)
}

// Client provides access to the exchange REST API.
type Client struct {
	baseURL    string
	basePath   string
	apiKey     string
	signer     Signer
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client. apiKey may be empty for public
// endpoints or when a Signer is configured.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}
	if u, err := url.Parse(baseURL); err == nil {
		c.basePath = u.Path
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSigner signs every request. Signed requests do not carry the bearer
// API key.
func WithSigner(s Signer) ClientOption {
	return func(c *Client) {
		c.signer = s
	}
}
