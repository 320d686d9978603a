// Package httpclient provides the rate-limited HTTP client shared by the
// web-facing probe modules.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the per-request timeout.
	DefaultTimeout = 10 * time.Second

	// DefaultUserAgent identifies the scanner to probed servers.
	DefaultUserAgent = "VulnScan-ASM/1.0 (Security Scanner)"

	// DefaultMaxBodyBytes caps how much of a response body is read.
	DefaultMaxBodyBytes = 2 << 20

	defaultBurst = 5
)

// Config configures a Client.
type Config struct {
	Timeout   time.Duration
	UserAgent string
	// RateLimit is the request budget in requests per second. Zero disables limiting.
	RateLimit float64
	Burst     int
	// VerifyTLS enables certificate verification. Probes inspect hosts with
	// broken certificates, so verification is off by default.
	VerifyTLS       bool
	FollowRedirects bool
	MaxBodyBytes    int64
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL is the final request URL after redirects.
	URL string
}

// Client is an HTTP client with a shared request budget.
type Client struct {
	http        *http.Client
	userAgent   string
	maxBody     int64
	rateLimiter *rate.Limiter
}

// New creates a Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS} //nolint:gosec

	c := &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		userAgent: ua,
		maxBody:   maxBody,
	}
	if !cfg.FollowRedirects {
		c.http.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = defaultBurst
		}
		c.rateLimiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// WaitForRateLimit blocks until the budget allows the next request.
func (c *Client) WaitForRateLimit(ctx context.Context) error {
	if c.rateLimiter == nil {
		return nil
	}
	return c.rateLimiter.Wait(ctx)
}

// RateLimited returns true if rate limiting is enabled.
func (c *Client) RateLimited() bool {
	return c.rateLimiter != nil
}

// Get fetches url.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Fetch(ctx, http.MethodGet, url, nil)
}

// Fetch issues a request with the given method and extra headers.
func (c *Client) Fetch(ctx context.Context, method, url string, header http.Header) (*Response, error) {
	if err := c.WaitForRateLimit(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        resp.Request.URL.String(),
	}, nil
}

// WithRedirects returns a client sharing this client's transport and
// request budget whose redirect policy is set by follow.
func (c *Client) WithRedirects(follow bool) *Client {
	hc := *c.http
	if follow {
		hc.CheckRedirect = nil
	} else {
		hc.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	clone := *c
	clone.http = &hc
	return &clone
}

// HTTPClient returns the underlying client.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// UserAgent returns the configured User-Agent.
func (c *Client) UserAgent() string {
	return c.userAgent
}
