package balldontlie

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warped-quasar/StatSync/internal/testutil"
	"github.com/warped-quasar/StatSync/pkg/pagination"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	cfg := DefaultConfig("test-key")
	cfg.BaseURL = baseURL
	cfg.MaxRetries = 2
	cfg.InitialBackoff = 10 * time.Millisecond

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{
			name:        "valid config",
			config:      DefaultConfig("key"),
			expectError: false,
		},
		{
			name:        "missing api key",
			config:      DefaultConfig(""),
			expectError: true,
		},
		{
			name: "negative retries",
			config: Config{
				APIKey:     "key",
				MaxRetries: -1,
			},
			expectError: true,
		},
		{
			name:        "empty base url gets default",
			config:      Config{APIKey: "key"},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if client.baseURL == "" {
				t.Error("baseURL should be defaulted")
			}
			if client.GetCache() != nil {
				t.Error("cache should be disabled without Redis")
			}
		})
	}
}

func TestListTeams(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	mock.SetPages(EndpointTeams, testutil.MockPage{Data: []map[string]any{
		{"id": 1, "abbreviation": "ATL", "full_name": "Atlanta Hawks"},
		{"id": 2, "abbreviation": "BOS", "full_name": "Boston Celtics"},
	}})

	client := newTestClient(t, mock.URL())

	page, err := client.ListTeams(context.Background())
	if err != nil {
		t.Fatalf("ListTeams: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("got %d teams, want 2", len(page.Records))
	}
	if page.Records[1]["abbreviation"] != "BOS" {
		t.Errorf("second team = %v", page.Records[1])
	}
	if !page.IsLast() {
		t.Error("team list should be a single page")
	}
	if mock.LastAuthorization != "test-key" {
		t.Errorf("Authorization = %q, want the raw api key", mock.LastAuthorization)
	}
}

func TestListBoxScores_QueryAndCursor(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	mock.SetPages(EndpointBoxScores,
		testutil.MockPage{Data: testutil.Rows(1, 2), NextCursor: 17},
		testutil.MockPage{Data: testutil.Rows(3, 1)},
	)

	client := newTestClient(t, mock.URL())
	q := pagination.Query{Date: "2024-11-01", PerPage: 100}

	first, err := client.ListBoxScores(context.Background(), q, "")
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if first.NextCursor != "17" {
		t.Errorf("numeric cursor = %q, want %q", first.NextCursor, "17")
	}

	second, err := client.ListBoxScores(context.Background(), q, first.NextCursor)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if !second.IsLast() || len(second.Records) != 1 {
		t.Errorf("second page = %+v", second)
	}

	queries := mock.Queries(EndpointBoxScores)
	if len(queries) != 2 {
		t.Fatalf("got %d requests, want 2", len(queries))
	}
	v0, _ := url.ParseQuery(queries[0])
	if v0.Get("date") != "2024-11-01" || v0.Get("per_page") != "100" || v0.Has("cursor") {
		t.Errorf("first query = %s", queries[0])
	}
	v1, _ := url.ParseQuery(queries[1])
	if v1.Get("cursor") != "17" {
		t.Errorf("second query = %s", queries[1])
	}
}

func TestListBoxScores_RequiresDate(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1")
	if _, err := client.ListBoxScores(context.Background(), pagination.Query{}, ""); err == nil {
		t.Error("expected error without a date")
	}
}

func TestListStats_Query(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	mock.SetPages(EndpointStats, testutil.MockPage{Data: testutil.Rows(1, 3)})

	client := newTestClient(t, mock.URL())
	q := pagination.Query{Season: 2024, Postseason: false, PerPage: 250}

	page, err := client.ListStats(context.Background(), q, "")
	if err != nil {
		t.Fatalf("ListStats: %v", err)
	}
	if len(page.Records) != 3 {
		t.Errorf("got %d records, want 3", len(page.Records))
	}

	v, _ := url.ParseQuery(mock.Queries(EndpointStats)[0])
	if v.Get("seasons[]") != "2024" || v.Get("postseason") != "false" {
		t.Errorf("query = %v", v)
	}
	if v.Get("per_page") != "100" {
		t.Errorf("per_page = %q, want capped at 100", v.Get("per_page"))
	}
}

func TestListStats_RequiresSeason(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1")
	if _, err := client.ListStats(context.Background(), pagination.Query{}, ""); err == nil {
		t.Error("expected error without a season")
	}
}

func TestGet_ClientErrorNoRetry(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetStatus(EndpointTeams, http.StatusUnauthorized)

	client := newTestClient(t, mock.URL())

	_, err := client.ListTeams(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.ErrorClass != ErrorClassClient {
		t.Errorf("APIError = %+v", apiErr)
	}
	if apiErr.Endpoint != EndpointTeams {
		t.Errorf("Endpoint = %q", apiErr.Endpoint)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("made %d requests, want 1", mock.GetRequestCount())
	}
}

func TestGet_ServerErrorRetried(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetStatus(EndpointTeams, http.StatusBadGateway)

	client := newTestClient(t, mock.URL())

	_, err := client.ListTeams(context.Background())
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorClass != ErrorClassServer {
		t.Errorf("last error = %v", err)
	}
	if mock.GetRequestCount() != 2 {
		t.Errorf("made %d requests, want 2 (MaxRetries)", mock.GetRequestCount())
	}
}

func TestGet_RateLimitedThenRecovers(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetStatus(EndpointTeams, http.StatusTooManyRequests)

	client := newTestClient(t, mock.URL())

	done := make(chan error, 1)
	go func() {
		_, err := client.ListTeams(context.Background())
		done <- err
	}()

	// let the first attempt fail, then serve data
	deadline := time.Now().Add(2 * time.Second)
	for mock.GetRequestCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	mock.SetPages(EndpointTeams, testutil.MockPage{Data: testutil.Rows(1, 30)})

	if err := <-done; err != nil {
		t.Fatalf("expected recovery after 429, got %v", err)
	}
}

func TestGet_NetworkError(t *testing.T) {
	mock := testutil.NewMockAPI()
	client := newTestClient(t, mock.URL())
	mock.Close()

	_, err := client.ListTeams(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorClass != ErrorClassNetwork {
		t.Fatalf("expected network APIError, got %v", err)
	}
}

func TestGet_CancelledContext(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetPages(EndpointTeams, testutil.MockPage{Data: testutil.Rows(1, 1)})

	client := newTestClient(t, mock.URL())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.ListTeams(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestDecodePage(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantCursor string
		wantCount  int
		wantErr    bool
	}{
		{
			name:       "numeric cursor",
			body:       `{"data":[{"id":1}],"meta":{"next_cursor":42,"per_page":1}}`,
			wantCursor: "42",
			wantCount:  1,
		},
		{
			name:       "string cursor",
			body:       `{"data":[{"id":1},{"id":2}],"meta":{"next_cursor":"abc"}}`,
			wantCursor: "abc",
			wantCount:  2,
		},
		{
			name:      "null cursor",
			body:      `{"data":[],"meta":{"next_cursor":null}}`,
			wantCount: 0,
		},
		{
			name:      "zero cursor is last page",
			body:      `{"data":[],"meta":{"next_cursor":0}}`,
			wantCount: 0,
		},
		{
			name:      "empty string cursor",
			body:      `{"data":[{"id":1}],"meta":{"next_cursor":""}}`,
			wantCount: 1,
		},
		{
			name:      "missing meta",
			body:      `{"data":[{"id":1}]}`,
			wantCount: 1,
		},
		{
			name:    "missing data",
			body:    `{"meta":{}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			body:    `<html>bad gateway</html>`,
			wantErr: true,
		},
		{
			name:    "object cursor",
			body:    `{"data":[],"meta":{"next_cursor":{"x":1}}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := DecodePage([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedResponse) {
					t.Errorf("error = %v, want ErrMalformedResponse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if page.NextCursor != tt.wantCursor {
				t.Errorf("NextCursor = %q, want %q", page.NextCursor, tt.wantCursor)
			}
			if len(page.Records) != tt.wantCount {
				t.Errorf("got %d records, want %d", len(page.Records), tt.wantCount)
			}
		})
	}
}

func TestDecodePage_PreservesNumbers(t *testing.T) {
	page, err := DecodePage([]byte(`{"data":[{"id":9007199254740993,"pts":27.5}]}`))
	if err != nil {
		t.Fatalf("DecodePage: %v", err)
	}

	out, err := json.Marshal(page.Records[0])
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), "9007199254740993") || !strings.Contains(string(out), "27.5") {
		t.Errorf("numbers altered in round trip: %s", out)
	}
}

// localRedis connects to a local Redis and skips the test when none is
// running. client_integration_test.go covers the same path in a container.
func localRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestClient_MalformedPageNotCached(t *testing.T) {
	redisClient := localRedis(t)

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if requests.Add(1) == 1 {
			w.Write([]byte(`{"data":[{"id":1}`))
			return
		}
		w.Write([]byte(`{"data":[{"id":1},{"id":2}],"meta":{"next_cursor":null}}`))
	}))
	defer server.Close()

	cfg := DefaultConfig("test-key")
	cfg.BaseURL = server.URL
	cfg.Redis = redisClient
	cfg.CacheTTL = time.Hour
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	q := pagination.Query{Date: "2024-11-01", PerPage: 100}

	if _, err := client.ListBoxScores(ctx, q, ""); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("first call error = %v, want ErrMalformedResponse", err)
	}

	page, err := client.ListBoxScores(ctx, q, "")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if len(page.Records) != 2 {
		t.Errorf("records = %d, want 2", len(page.Records))
	}
	if n := requests.Load(); n != 2 {
		t.Errorf("upstream requests = %d, want 2 (bad body must not be cached)", n)
	}

	// the good page is cached
	if _, err := client.ListBoxScores(ctx, q, ""); err != nil {
		t.Fatalf("third call: %v", err)
	}
	if n := requests.Load(); n != 2 {
		t.Errorf("upstream requests = %d after cached call, want 2", n)
	}
}
