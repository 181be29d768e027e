// Package fetch does the HTTP requests of remote layers with rate limits, timeouts and retries.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

const (
	// MaxIdleConns idle connections kept.
	MaxIdleConns = 100
	// MaxConnsPerHost connections per host.
	MaxConnsPerHost = 16
	// IdleConnTimeout how long an idle connection is kept.
	IdleConnTimeout = 30 * time.Second
	// MaxBackoff longest wait between retries.
	MaxBackoff = 30 * time.Second
)

// Config request settings.
type Config struct {
	Timeout   time.Duration
	Retries   int
	RateLimit float64
	UserAgent string
	Headers   map[string]string
	UseHTTP2  bool
}

// Result of one request. Empty Data and Err means the server has no data.
type Result struct {
	Data        []byte
	ContentType string
	Err         error
}

// Client HTTP client with rate limiting and retries.
type Client struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	backoff func(attempt int) time.Duration
	log     log.FieldLogger
}

// NewClient creates a client.
func NewClient(config Config, logger log.FieldLogger) *Client {
	if logger == nil {
		logger = log.StandardLogger()
	}
	c := &Client{
		config:  config,
		client:  &http.Client{Transport: newTransport(config.UseHTTP2, logger)},
		backoff: exponentialBackoff,
		log:     logger,
	}
	if config.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), max(1, int(config.RateLimit)))
	}
	return c
}

func newTransport(useHTTP2 bool, logger log.FieldLogger) *http.Transport {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   useHTTP2,
		MaxIdleConns:        MaxIdleConns,
		MaxIdleConnsPerHost: MaxConnsPerHost,
		MaxConnsPerHost:     MaxConnsPerHost,
		IdleConnTimeout:     IdleConnTimeout,
		TLSHandshakeTimeout: 15 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if useHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warnf("http2 transport not configured ~ %s", err)
		}
	}
	return transport
}

// exponentialBackoff 500ms, 1s, 2s ... up to MaxBackoff.
func exponentialBackoff(attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
	return min(delay, MaxBackoff)
}

// Fetch gets url. Network errors, timeouts, 429 and 5xx are retried. 404 and 204 give an empty result.
func (c *Client) Fetch(ctx context.Context, url string) Result {
	var lastErr error
	for attempt := 0; attempt <= c.config.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{Err: ctx.Err()}
			case <-time.After(c.backoff(attempt)):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return Result{Err: err}
			}
		}
		res := c.do(ctx, url)
		if res.Err == nil {
			return res
		}
		lastErr = res.Err
		if ctx.Err() != nil || !retryable(res.Err) {
			break
		}
		c.log.Debugf("fetch %s attempt %d failed ~ %s", url, attempt+1, res.Err)
	}
	return Result{Err: lastErr}
}

func (c *Client) do(ctx context.Context, url string) Result {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	req.Header.Set("Accept", "image/webp,image/png,image/jpeg,image/*,*/*;q=0.8")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Result{Err: wrapTimeout(err)}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return Result{}
	case resp.StatusCode != http.StatusOK:
		return Result{Err: &StatusError{Code: resp.StatusCode, URL: url}}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Err: wrapTimeout(fmt.Errorf("failed to read response: %w", err))}
	}
	if len(body) == 0 {
		return Result{}
	}
	return Result{Data: body, ContentType: resp.Header.Get("Content-Type")}
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

func wrapTimeout(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
