// Package ratelimit tracks the upstream API request budget and gates requests.
// It reads the X-RateLimit-Remaining and X-RateLimit-Reset headers and
// remembers 429 cool-downs (Retry-After) in Redis so that every process
// sharing the API key backs off together.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRemaining      = "statsync:rate_limit:remaining"
	RedisKeyResetTimestamp = "statsync:rate_limit:reset_timestamp"
	RedisKeyBlockedUntil   = "statsync:rate_limit:blocked_until"
	RedisKeyLastUpdate     = "statsync:rate_limit:last_update"
)

// Thresholds for rate limit decisions.
const (
	// ThresholdCritical blocks requests until the window resets when the
	// remaining budget falls below this value.
	ThresholdCritical = 1

	// ThresholdWarning applies throttling when the remaining budget falls
	// below this value.
	ThresholdWarning = 5

	// ThresholdHealthy indicates normal operation.
	ThresholdHealthy = 20
)

// DefaultRetryAfter is used for a 429 response without a usable Retry-After.
const DefaultRetryAfter = 60 * time.Second

// RateLimitState represents the current upstream rate limit state.
// This state is shared across all client instances via Redis.
type RateLimitState struct {
	// Remaining is the number of requests left in the current window.
	// Extracted from the X-RateLimit-Remaining header.
	Remaining int `json:"remaining"`

	// ResetAt is when the current window resets.
	ResetAt time.Time `json:"reset_at"`

	// BlockedUntil is set after a 429 response and holds all requests.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is the timestamp when this state was last updated.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= ThresholdHealthy and no
	// cool-down is active.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// CoolingDown reports whether a 429 cool-down is still active.
func (s *RateLimitState) CoolingDown() bool {
	return time.Now().Before(s.BlockedUntil)
}

// NeedsBlock returns true if requests must wait for a cool-down or a window reset.
func (s *RateLimitState) NeedsBlock() bool {
	return s.CoolingDown() || (s.Remaining < ThresholdCritical && time.Now().Before(s.ResetAt))
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.Remaining < ThresholdWarning && !s.NeedsBlock()
}

// WaitDuration returns how long a request has to wait before it may be sent.
// Returns 0 when no block is active.
func (s *RateLimitState) WaitDuration() time.Duration {
	if s.CoolingDown() {
		return time.Until(s.BlockedUntil)
	}
	if s.Remaining < ThresholdCritical {
		if d := time.Until(s.ResetAt); d > 0 {
			return d
		}
	}
	return 0
}

// UpdateHealth updates the IsHealthy field based on current state.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= ThresholdHealthy && !s.CoolingDown()
}
