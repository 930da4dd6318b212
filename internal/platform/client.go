// Package platform is the shared network plumbing every strategy adapter
// uses to reach the video platform: per-host adaptive pacing, an optional
// browser-fingerprinted transport and status classification.
package platform

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	stealth "github.com/anatolykoptev/go-stealth"
	"github.com/anatolykoptev/go-stealth/proxypool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/resilience"
)

const maxBodyBytes = 8 << 20

// Request describes one call against the platform.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	// Browser routes the call through the Chrome-fingerprinted transport
	// when one is configured.
	Browser bool
}

// Response is a fully read platform response.
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

// BrowserDoer performs a request with a browser TLS fingerprint.
type BrowserDoer func(method, url string, headers map[string]string, body io.Reader) ([]byte, int, error)

// StealthDoer adapts a go-stealth client.
func StealthDoer(bc *stealth.BrowserClient) BrowserDoer {
	return func(method, target string, headers map[string]string, body io.Reader) ([]byte, int, error) {
		data, _, status, err := bc.Do(method, target, headers, body)
		return data, status, err
	}
}

// Client is safe for concurrent use by all adapters.
type Client struct {
	http     *http.Client
	browser  BrowserDoer
	limiters *limiterSet
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default net/http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBrowser sets the browser-fingerprinted transport.
func WithBrowser(b BrowserDoer) Option {
	return func(c *Client) { c.browser = b }
}

// WithRate sets the initial per-host request rate.
func WithRate(r float64) Option {
	return func(c *Client) {
		if r > 0 {
			c.limiters = newLimiterSet(rate.Limit(r))
		}
	}
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiters: newLimiterSet(2),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewFromConfig builds a Client from configuration, attaching the stealth
// transport (and its proxy pool) when enabled. A stealth init failure falls
// back to plain net/http.
func NewFromConfig(cfg config.PlatformConfig) *Client {
	opts := []Option{WithRate(cfg.RateLimit)}
	if cfg.TimeoutSecs > 0 {
		opts = append(opts, WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second}))
	}

	if cfg.Stealth {
		sopts := []stealth.ClientOption{stealth.WithTimeout(max(cfg.TimeoutSecs, 1))}
		if cfg.ProxyAPIKey != "" {
			pool, err := proxypool.NewWebshare(cfg.ProxyAPIKey)
			if err != nil {
				zap.L().Warn("platform: proxy pool init failed, running without proxy", zap.Error(err))
			} else {
				sopts = append(sopts, stealth.WithProxyPool(pool))
				zap.L().Info("platform: proxy pool initialized", zap.Int("proxies", pool.Len()))
			}
		}
		bc, err := stealth.NewClient(sopts...)
		if err != nil {
			zap.L().Warn("platform: stealth client init failed", zap.Error(err))
		} else {
			opts = append(opts, WithBrowser(StealthDoer(bc)))
		}
	}
	return NewClient(opts...)
}

// HasBrowser reports whether a browser-fingerprinted transport is configured.
func (c *Client) HasBrowser() bool {
	return c.browser != nil
}

// Do performs req once. Throttling (429) and server errors come back as
// resilience.TransientError; other non-2xx statuses are returned to the
// caller in the Response. Retrying is the racer's job, not the client's.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "platform: parse url %q", req.URL)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	lim := c.limiters.get(u.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "platform: rate limiter wait")
	}

	var resp *Response
	if req.Browser && c.browser != nil {
		resp, err = c.doBrowser(ctx, req)
	} else {
		resp, err = c.doHTTP(ctx, req)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "platform: request cancelled")
		}
		return nil, resilience.NewTransientError(eris.Wrapf(err, "platform: %s %s", req.Method, u.Path), 0)
	}

	switch {
	case resp.Status == http.StatusTooManyRequests:
		lim.OnRateLimit()
		return resp, resilience.NewTransientError(eris.Errorf("platform: http 429 from %s", u.Host), resp.Status)
	case resilience.IsTransientHTTPStatus(resp.Status):
		return resp, resilience.NewTransientError(eris.Errorf("platform: http %d from %s", resp.Status, u.Host), resp.Status)
	case resp.Status < 400:
		lim.OnSuccess()
	}
	return resp, nil
}

func (c *Client) doHTTP(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}

	resp, err := c.http.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "read body")
	}
	return &Response{Status: resp.StatusCode, Body: data, Header: resp.Header}, nil
}

// doBrowser runs the browser transport, which takes no context, in a
// goroutine so the caller's deadline still bounds the wait.
func (c *Client) doBrowser(ctx context.Context, req Request) (*Response, error) {
	type result struct {
		data   []byte
		status int
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		var body io.Reader
		if req.Body != nil {
			body = bytes.NewReader(req.Body)
		}
		data, status, err := c.browser(req.Method, req.URL, req.Headers, body)
		ch <- result{data, status, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if len(r.data) > maxBodyBytes {
			r.data = r.data[:maxBodyBytes]
		}
		return &Response{Status: r.status, Body: r.data, Header: http.Header{}}, nil
	}
}

// ChromeHeaders returns a fresh set of desktop Chrome headers with a random
// user agent.
func ChromeHeaders() map[string]string {
	h := stealth.ChromeHeaders()
	if h == nil {
		h = make(map[string]string)
	}
	h["accept-language"] = "en-US,en;q=0.9"
	return h
}

// RandomUserAgent returns a random desktop browser user agent.
func RandomUserAgent() string {
	return stealth.RandomUserAgent()
}
