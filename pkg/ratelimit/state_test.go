package ratelimit

import (
	"testing"
	"time"
)

func TestRateLimitState_IsStale(t *testing.T) {
	tests := []struct {
		name     string
		state    *RateLimitState
		maxAge   time.Duration
		expected bool
	}{
		{
			name:     "fresh state",
			state:    &RateLimitState{LastUpdate: time.Now()},
			maxAge:   5 * time.Minute,
			expected: false,
		},
		{
			name:     "stale state",
			state:    &RateLimitState{LastUpdate: time.Now().Add(-10 * time.Minute)},
			maxAge:   5 * time.Minute,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tt.state.IsStale(tt.maxAge); result != tt.expected {
				t.Errorf("IsStale() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestRateLimitState_Decisions(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name           string
		state          RateLimitState
		expectBlock    bool
		expectThrottle bool
		expectHealthy  bool
	}{
		{
			name:          "healthy",
			state:         RateLimitState{Remaining: 100, ResetAt: now.Add(time.Minute)},
			expectHealthy: true,
		},
		{
			name:          "at healthy threshold",
			state:         RateLimitState{Remaining: ThresholdHealthy, ResetAt: now.Add(time.Minute)},
			expectHealthy: true,
		},
		{
			name:           "warning range",
			state:          RateLimitState{Remaining: 3, ResetAt: now.Add(time.Minute)},
			expectThrottle: true,
		},
		{
			name:        "exhausted before reset",
			state:       RateLimitState{Remaining: 0, ResetAt: now.Add(time.Minute)},
			expectBlock: true,
		},
		{
			name:           "exhausted after reset",
			state:          RateLimitState{Remaining: 0, ResetAt: now.Add(-time.Second)},
			expectThrottle: true,
		},
		{
			name:        "cooling down after 429",
			state:       RateLimitState{Remaining: 100, BlockedUntil: now.Add(30 * time.Second)},
			expectBlock: true,
		},
		{
			name:          "expired cool-down",
			state:         RateLimitState{Remaining: 100, BlockedUntil: now.Add(-time.Second)},
			expectHealthy: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.state
			s.UpdateHealth()

			if s.NeedsBlock() != tt.expectBlock {
				t.Errorf("NeedsBlock() = %v, want %v", s.NeedsBlock(), tt.expectBlock)
			}
			if s.NeedsThrottling() != tt.expectThrottle {
				t.Errorf("NeedsThrottling() = %v, want %v", s.NeedsThrottling(), tt.expectThrottle)
			}
			if s.IsHealthy != tt.expectHealthy {
				t.Errorf("IsHealthy = %v, want %v", s.IsHealthy, tt.expectHealthy)
			}
		})
	}
}

func TestRateLimitState_WaitDuration(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		state RateLimitState
		min   time.Duration
		max   time.Duration
	}{
		{
			name:  "no block",
			state: RateLimitState{Remaining: 50},
			min:   0,
			max:   0,
		},
		{
			name:  "cool-down",
			state: RateLimitState{Remaining: 50, BlockedUntil: now.Add(30 * time.Second)},
			min:   29 * time.Second,
			max:   30 * time.Second,
		},
		{
			name:  "exhausted window",
			state: RateLimitState{Remaining: 0, ResetAt: now.Add(10 * time.Second)},
			min:   9 * time.Second,
			max:   10 * time.Second,
		},
		{
			name:  "window already reset",
			state: RateLimitState{Remaining: 0, ResetAt: now.Add(-10 * time.Second)},
			min:   0,
			max:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.state.WaitDuration()
			if got < tt.min || got > tt.max {
				t.Errorf("WaitDuration() = %v, want between %v and %v", got, tt.min, tt.max)
			}
		})
	}
}
