package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "statsync_rate_limit_remaining",
		Help: "Requests remaining in the current upstream rate limit window",
	})

	rateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statsync_rate_limit_waits_total",
		Help: "Total number of requests held back by an active cool-down or exhausted window",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statsync_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to a low remaining budget",
	})

	rateLimitHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statsync_rate_limit_hits_total",
		Help: "Total number of 429 responses received from the upstream API",
	})
)

// ErrWaitTooLong is returned by Wait when the required pause exceeds MaxWait.
var ErrWaitTooLong = errors.New("rate limit wait exceeds maximum")

// Tracker monitors the upstream rate limit and gates requests.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	// ThrottleDelay is the pause applied in the warning range.
	ThrottleDelay time.Duration

	// MaxWait caps how long Wait is willing to block.
	MaxWait time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:         redisClient,
		logger:        logger,
		ThrottleDelay: time.Second,
		MaxWait:       2 * time.Minute,
		sleep:         sleepContext,
	}
}

// SetSleeper replaces the sleep implementation (for testing).
func (t *Tracker) SetSleeper(sleep func(ctx context.Context, d time.Duration) error) {
	t.sleep = sleep
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetState retrieves the current rate limit state from Redis.
// Returns a default healthy state if no data exists in Redis.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	values, err := t.redis.MGet(ctx,
		RedisKeyRemaining,
		RedisKeyResetTimestamp,
		RedisKeyBlockedUntil,
		RedisKeyLastUpdate,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	if values[0] == nil && values[2] == nil {
		t.logger.Debug().Msg("No rate limit state in Redis, returning default healthy state")
		return &RateLimitState{
			Remaining:  100,
			ResetAt:    time.Now().Add(60 * time.Second),
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}

	state := &RateLimitState{Remaining: 100}
	if values[0] != nil {
		if state.Remaining, err = strconv.Atoi(values[0].(string)); err != nil {
			return nil, fmt.Errorf("parse remaining: %w", err)
		}
	}
	if state.ResetAt, err = unixValue(values[1]); err != nil {
		return nil, fmt.Errorf("parse reset timestamp: %w", err)
	}
	if state.BlockedUntil, err = unixValue(values[2]); err != nil {
		return nil, fmt.Errorf("parse blocked until: %w", err)
	}
	if state.LastUpdate, err = unixValue(values[3]); err != nil {
		return nil, fmt.Errorf("parse last update: %w", err)
	}
	state.UpdateHealth()

	return state, nil
}

func unixValue(v any) (time.Time, error) {
	if v == nil {
		return time.Time{}, nil
	}
	sec, err := strconv.ParseInt(v.(string), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}

// UpdateFromHeaders parses X-RateLimit-Remaining / X-RateLimit-Reset and
// stores the budget in Redis. Responses without the headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	resetSeconds := 60
	if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
		if resetSeconds, err = strconv.Atoi(resetStr); err != nil {
			return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
		}
	}

	now := time.Now()
	resetAt := now.Add(time.Duration(resetSeconds) * time.Second)

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyRemaining, remain, 0)
	pipe.Set(ctx, RedisKeyResetTimestamp, resetAt.Unix(), 0)
	pipe.Set(ctx, RedisKeyLastUpdate, now.Unix(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	rateLimitRemaining.Set(float64(remain))

	switch {
	case remain < ThresholdCritical:
		t.logger.Warn().Int("remaining", remain).Time("reset_at", resetAt).Msg("Rate limit exhausted - requests will wait for reset")
	case remain < ThresholdWarning:
		t.logger.Warn().Int("remaining", remain).Msg("Rate limit low - requests will be throttled")
	default:
		t.logger.Debug().Int("remaining", remain).Time("reset_at", resetAt).Msg("Rate limit state updated")
	}

	return nil
}

// RecordRateLimited stores a cool-down after a 429 response, using
// Retry-After when present.
func (t *Tracker) RecordRateLimited(ctx context.Context, headers http.Header) (time.Duration, error) {
	rateLimitHitsTotal.Inc()

	wait, ok := ParseRetryAfter(headers.Get("Retry-After"), time.Now())
	if !ok {
		wait = DefaultRetryAfter
	}

	now := time.Now()
	blockedUntil := now.Add(wait)

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyBlockedUntil, blockedUntil.Unix(), wait+time.Second)
	pipe.Set(ctx, RedisKeyLastUpdate, now.Unix(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return wait, fmt.Errorf("store rate limit cool-down in redis: %w", err)
	}

	t.logger.Warn().
		Dur("retry_after", wait).
		Time("blocked_until", blockedUntil).
		Msg("Upstream rate limit hit - cooling down")

	return wait, nil
}

// Wait blocks until a request may be sent. It returns ErrWaitTooLong instead
// of blocking longer than MaxWait.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	if state.NeedsBlock() {
		wait := state.WaitDuration()
		if t.MaxWait > 0 && wait > t.MaxWait {
			t.logger.Error().
				Dur("wait_duration", wait).
				Dur("max_wait", t.MaxWait).
				Msg("Rate limit wait too long - refusing request")
			return fmt.Errorf("%w: %s", ErrWaitTooLong, wait.Round(time.Second))
		}

		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", wait).
			Msg("Rate limit active - waiting")
		rateLimitWaitsTotal.Inc()
		return t.sleep(ctx, wait)
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Rate limit low - throttling request")
		rateLimitThrottlesTotal.Inc()
		return t.sleep(ctx, t.ThrottleDelay)
	}

	return nil
}

// ParseRetryAfter parses a Retry-After value given either as delay seconds
// or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
