// Package balldontlie provides the upstream NBA statistics client with retry,
// optional caching and rate limit handling.
package balldontlie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warped-quasar/StatSync/pkg/cache"
	"github.com/warped-quasar/StatSync/pkg/pagination"
	"github.com/warped-quasar/StatSync/pkg/ratelimit"
	"github.com/warped-quasar/StatSync/pkg/record"
)

// Prometheus metrics for upstream client operations.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statsync_upstream_requests_total",
		Help: "Total upstream requests by endpoint and status",
	}, []string{"endpoint", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "statsync_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statsync_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

// Endpoint paths.
const (
	EndpointTeams      = "/v1/teams"
	EndpointBoxScores  = "/v1/box_scores"
	EndpointStats      = "/v1/stats"
	DefaultBaseURL     = "https://api.balldontlie.io"
	MaxPerPage         = 100
	defaultUserAgent   = "StatSync/0.1.0"
	maxErrorBodyLength = 512
)

// Client is the balldontlie API client. It is safe to reuse sequentially
// across jobs.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API (DefaultBaseURL when empty)
	BaseURL string

	// APIKey sent verbatim in the Authorization header (REQUIRED)
	APIKey string

	UserAgent string
	Timeout   time.Duration

	// Retry; zero values keep the per-class defaults
	MaxRetries     int
	InitialBackoff time.Duration

	// Redis enables the shared rate limit tracker and, with CacheTTL > 0,
	// the response cache. Optional.
	Redis    *redis.Client
	CacheTTL time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(apiKey string) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		APIKey:    apiKey,
		UserAgent: defaultUserAgent,
		Timeout:   30 * time.Second,
	}
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "balldontlie-client").Logger()

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		config:  cfg,
		logger:  logger,
	}

	if cfg.Redis != nil {
		c.rateLimiter = ratelimit.NewTracker(cfg.Redis, logger)
		if cfg.CacheTTL > 0 {
			c.cache = cache.NewManager(cfg.Redis)
		}
	}

	return c, nil
}

// retryConfig applies the configured overrides to the per-class defaults.
func (c *Client) retryConfig(class ErrorClass) RetryConfig {
	rc := RetryConfigForErrorClass(class)
	if c.config.MaxRetries > 0 {
		rc.MaxAttempts = c.config.MaxRetries
	}
	if c.config.InitialBackoff > 0 {
		rc.InitialBackoff = c.config.InitialBackoff
		if rc.MaxBackoff < rc.InitialBackoff {
			rc.MaxBackoff = rc.InitialBackoff
		}
	}
	return rc
}

// Get performs a GET request and returns the response body of a 2xx
// response. It consults the cache, waits for the rate limiter and retries
// transient failures. Only bodies that decode as a list page are cached.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	if c.cache != nil {
		key := cache.CacheKey{Endpoint: endpoint, QueryParams: query}
		body, hit, err := c.cache.Remember(ctx, key, c.config.CacheTTL, func(ctx context.Context) ([]byte, int, error) {
			body, err := c.fetch(ctx, endpoint, query)
			if err != nil {
				return nil, 0, err
			}
			if _, err := DecodePage(body); err != nil {
				return nil, 0, fmt.Errorf("%s: %w", endpoint, err)
			}
			return body, http.StatusOK, nil
		})
		if hit {
			c.logger.Debug().Str("endpoint", endpoint).Msg("Served from cache")
			upstreamRequestsTotal.WithLabelValues(endpoint, "cached").Inc()
		}
		return body, err
	}
	return c.fetch(ctx, endpoint, query)
}

func (c *Client) fetch(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	startTime := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body []byte
	err := retryWithBackoff(ctx, func() error {
		var attemptErr error
		body, attemptErr = c.attempt(ctx, endpoint, target)
		return attemptErr
	}, classOf, c.retryConfig)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// attempt performs a single HTTP round trip.
func (c *Client) attempt(ctx context.Context, endpoint, target string) ([]byte, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			if errors.Is(err, ratelimit.ErrWaitTooLong) {
				return nil, &APIError{Endpoint: endpoint, ErrorClass: ErrorClassClient, Message: "rate limit", Err: err}
			}
			c.logger.Warn().Err(err).Msg("Rate limit check failed")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.config.APIKey)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("url", target).
		Msg("Executing upstream request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		upstreamRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &APIError{Endpoint: endpoint, ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Message: "read body", Err: err}
	}

	upstreamRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	errClass := classifyStatus(resp.StatusCode)
	upstreamErrorsTotal.WithLabelValues(string(errClass)).Inc()

	apiErr := &APIError{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		ErrorClass: errClass,
		Message:    truncate(strings.TrimSpace(string(body)), maxErrorBodyLength),
	}
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}

	if errClass == ErrorClassRateLimit {
		if wait, ok := ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			apiErr.RetryAfter = wait
		}
		if c.rateLimiter != nil {
			if _, err := c.rateLimiter.RecordRateLimited(ctx, resp.Header); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to record rate limit cool-down")
			}
		}
	}

	c.logger.Warn().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Str("error_class", string(errClass)).
		Msg("Upstream request error")

	return nil, apiErr
}

// classifyStatus categorizes a non-2xx status for observability and retry.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// listResponse is the envelope shared by all list endpoints.
type listResponse struct {
	Data []record.Record `json:"data"`
	Meta struct {
		NextCursor json.RawMessage `json:"next_cursor"`
	} `json:"meta"`
}

// DecodePage parses a list response. Numbers inside records are kept as
// json.Number so they are forwarded exactly as received. The cursor may be a
// number, a string or null; null, "" and 0 all mean there is no next page.
func DecodePage(body []byte) (pagination.Page, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var resp listResponse
	if err := dec.Decode(&resp); err != nil {
		return pagination.Page{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.Data == nil {
		return pagination.Page{}, fmt.Errorf("%w: missing data array", ErrMalformedResponse)
	}

	cursor, err := parseCursor(resp.Meta.NextCursor)
	if err != nil {
		return pagination.Page{}, err
	}

	return pagination.Page{Records: resp.Data, NextCursor: cursor}, nil
}

func parseCursor(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: next_cursor: %v", ErrMalformedResponse, err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: next_cursor: %v", ErrMalformedResponse, err)
	}
	// a zero cursor marks the last page, like null
	if f, err := n.Float64(); err == nil && f == 0 {
		return "", nil
	}
	return n.String(), nil
}

func (c *Client) list(ctx context.Context, endpoint string, query url.Values) (pagination.Page, error) {
	body, err := c.Get(ctx, endpoint, query)
	if err != nil {
		return pagination.Page{}, err
	}
	page, err := DecodePage(body)
	if err != nil {
		return pagination.Page{}, fmt.Errorf("%s: %w", endpoint, err)
	}
	return page, nil
}

func pageQuery(q pagination.Query, cursor string) url.Values {
	v := url.Values{}
	if q.PerPage > 0 {
		perPage := q.PerPage
		if perPage > MaxPerPage {
			perPage = MaxPerPage
		}
		v.Set("per_page", strconv.Itoa(perPage))
	}
	if cursor != "" {
		v.Set("cursor", cursor)
	}
	return v
}

// ListTeams fetches the full team list. The endpoint is not paginated.
func (c *Client) ListTeams(ctx context.Context) (pagination.Page, error) {
	page, err := c.list(ctx, EndpointTeams, nil)
	if err != nil {
		return pagination.Page{}, err
	}
	// a single request returns every team
	page.NextCursor = ""
	return page, nil
}

// ListBoxScores fetches one page of player box scores for q.Date.
// It satisfies pagination.FetchFunc.
func (c *Client) ListBoxScores(ctx context.Context, q pagination.Query, cursor string) (pagination.Page, error) {
	if q.Date == "" {
		return pagination.Page{}, fmt.Errorf("box scores: date is required")
	}
	v := pageQuery(q, cursor)
	v.Set("date", q.Date)
	return c.list(ctx, EndpointBoxScores, v)
}

// ListStats fetches one page of player stat lines for q.Season.
// It satisfies pagination.FetchFunc.
func (c *Client) ListStats(ctx context.Context, q pagination.Query, cursor string) (pagination.Page, error) {
	if q.Season <= 0 {
		return pagination.Page{}, fmt.Errorf("stats: season is required")
	}
	v := pageQuery(q, cursor)
	v.Set("seasons[]", strconv.Itoa(q.Season))
	v.Set("postseason", strconv.FormatBool(q.Postseason))
	return c.list(ctx, EndpointStats, v)
}

// Close closes the client and releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// GetCache returns the cache manager, nil when caching is disabled.
func (c *Client) GetCache() *cache.Manager {
	return c.cache
}
