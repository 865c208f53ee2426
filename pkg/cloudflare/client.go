// Package cloudflare is a client for the Cloudflare analytics GraphQL API and
// the token verification endpoint.
package cloudflare

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/quartz"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/crawlscope/crawlscope/pkg/config"
	"github.com/crawlscope/crawlscope/pkg/metrics"
	"github.com/crawlscope/crawlscope/pkg/retry"
)

// DefaultPageLimit is the maximum number of rows the API returns per query.
const DefaultPageLimit = 10000

const breakerName = "cloudflare-api"

// Client calls the Cloudflare API. It is safe for concurrent use; the rate
// limiter and circuit breaker are shared by every account.
type Client struct {
	httpClient *http.Client
	graphqlURL string
	apiBaseURL string
	pageLimit  int
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
	retryCfg   *retry.Config
	clock      quartz.Clock
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPageLimit sets the row limit requested per page.
func WithPageLimit(n int) Option {
	return func(c *Client) { c.pageLimit = n }
}

// WithRetryConfig replaces the retry policy for transient failures.
func WithRetryConfig(cfg *retry.Config) Option {
	return func(c *Client) { c.retryCfg = cfg }
}

// WithClock replaces the clock used for relative time windows and request timing.
func WithClock(clock quartz.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// NewClient creates a Cloudflare client from configuration.
func NewClient(cfg *config.CloudflareConfig, logger *zap.Logger, opts ...Option) *Client {
	logger = logger.Named("cloudflare")

	threshold := cfg.BreakerFailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		graphqlURL: cfg.GraphQLURL,
		apiBaseURL: cfg.APIBaseURL,
		pageLimit:  DefaultPageLimit,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		retryCfg:   retry.DefaultConfig(),
		clock:      quartz.NewReal(),
		logger:     logger,
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Permanent errors (bad token, bad query) belong to one account and
		// must not open the circuit for everyone else.
		IsSuccessful: func(err error) bool {
			return err == nil || !retry.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PageLimit returns the row limit requested per page.
func (c *Client) PageLimit() int {
	return c.pageLimit
}

// do sends one request with rate limiting, circuit breaking and retries of
// transient failures. It returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, operation, method, url, token string, payload []byte) ([]byte, error) {
	start := c.clock.Now("cloudflare", "request")
	body, err := retry.DoWithResultIfRetryable(ctx, c.retryCfg, func() ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return c.breaker.Execute(func() ([]byte, error) {
			return c.send(ctx, method, url, token, payload)
		})
	})
	metrics.ObserveCloudflareRequest(operation, err, c.clock.Since(start, "cloudflare", "request"))

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("cloudflare api unavailable: %w", err)
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) send(ctx context.Context, method, url, token string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call cloudflare: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("Cloudflare returned error status",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
