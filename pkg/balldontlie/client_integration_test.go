//go:build integration

package balldontlie

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/warped-quasar/StatSync/pkg/cache"
	"github.com/warped-quasar/StatSync/pkg/pagination"
	"github.com/warped-quasar/StatSync/pkg/ratelimit"
)

// setupRedisContainer creates a Redis container for integration testing.
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestIntegration_CachedPages(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	var requestsMade atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestsMade.Add(1)
		w.Header().Set("X-RateLimit-Remaining", "55")
		w.Header().Set("X-RateLimit-Reset", "60")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":1},{"id":2}],"meta":{"next_cursor":null}}`))
	}))
	defer server.Close()

	cfg := DefaultConfig("integration-key")
	cfg.BaseURL = server.URL
	cfg.Redis = redisClient
	cfg.CacheTTL = time.Minute
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx := context.Background()
	q := pagination.Query{Date: "2024-11-01", PerPage: 100}

	for i := 0; i < 2; i++ {
		page, err := client.ListBoxScores(ctx, q, "")
		if err != nil {
			t.Fatalf("Request %d failed: %v", i+1, err)
		}
		if len(page.Records) != 2 {
			t.Errorf("Request %d returned %d records", i+1, len(page.Records))
		}
	}

	if requestsMade.Load() != 1 {
		t.Errorf("requestsMade = %d, want 1 (second served from cache)", requestsMade.Load())
	}

	state, err := client.rateLimiter.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Remaining != 55 {
		t.Errorf("Remaining = %d, want 55", state.Remaining)
	}

	key := cache.CacheKey{Endpoint: EndpointBoxScores, QueryParams: map[string][]string{
		"date":     {"2024-11-01"},
		"per_page": {"100"},
	}}
	if _, err := client.GetCache().Get(ctx, key); err != nil {
		t.Errorf("expected cached entry: %v", err)
	}
}

func TestIntegration_MalformedPageRefetched(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	var requestsMade atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if requestsMade.Add(1) == 1 {
			w.Write([]byte(`{"data":[{"id":1}`))
			return
		}
		w.Write([]byte(`{"data":[{"id":1}],"meta":{"next_cursor":null}}`))
	}))
	defer server.Close()

	cfg := DefaultConfig("integration-key")
	cfg.BaseURL = server.URL
	cfg.Redis = redisClient
	cfg.CacheTTL = time.Hour
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx := context.Background()
	q := pagination.Query{Date: "2024-11-01", PerPage: 100}

	if _, err := client.ListBoxScores(ctx, q, ""); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("first call error = %v, want ErrMalformedResponse", err)
	}
	if _, err := client.ListBoxScores(ctx, q, ""); err != nil {
		t.Fatalf("re-run after malformed page: %v", err)
	}
	if requestsMade.Load() != 2 {
		t.Errorf("requestsMade = %d, want 2", requestsMade.Load())
	}
}

func TestIntegration_RateLimitCoolDownBlocks(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	ctx := context.Background()

	// another process already hit a 429 with a ten minute Retry-After
	redisClient.Set(ctx, ratelimit.RedisKeyBlockedUntil, time.Now().Add(10*time.Minute).Unix(), 0)

	var requestsMade atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestsMade.Add(1)
		w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	cfg := DefaultConfig("integration-key")
	cfg.BaseURL = server.URL
	cfg.Redis = redisClient
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.ListTeams(ctx)
	if !errors.Is(err, ratelimit.ErrWaitTooLong) {
		t.Fatalf("error = %v, want ErrWaitTooLong", err)
	}
	if requestsMade.Load() != 0 {
		t.Errorf("requestsMade = %d, want 0 while cooling down", requestsMade.Load())
	}
}

func TestIntegration_429RecordsCoolDown(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	var requestsMade atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestsMade.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"data":[{"id":1}]}`))
	}))
	defer server.Close()

	cfg := DefaultConfig("integration-key")
	cfg.BaseURL = server.URL
	cfg.Redis = redisClient
	cfg.InitialBackoff = 10 * time.Millisecond
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	start := time.Now()
	page, err := client.ListTeams(context.Background())
	if err != nil {
		t.Fatalf("ListTeams: %v", err)
	}
	if len(page.Records) != 1 {
		t.Errorf("got %d records, want 1", len(page.Records))
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("retried after %v, want at least the 1s Retry-After", elapsed)
	}
	if requestsMade.Load() != 2 {
		t.Errorf("requestsMade = %d, want 2", requestsMade.Load())
	}
}
