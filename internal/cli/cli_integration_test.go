//go:build integration

package cli

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/warped-quasar/StatSync/internal/testutil"
	"github.com/warped-quasar/StatSync/pkg/balldontlie"
)

func setupTestRedis(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	return fmt.Sprintf("redis://%s:%s/0", host, port.Port()), func() {
		redisC.Terminate(ctx)
	}
}

func TestRunThenReplay_Integration(t *testing.T) {
	redisURL, cleanup := setupTestRedis(t)
	defer cleanup()

	api := testutil.NewMockAPI()
	defer api.Close()
	collector := testutil.NewMockHEC()
	defer collector.Close()

	api.SetPages(balldontlie.EndpointTeams, testutil.MockPage{Data: testutil.Rows(1, 30)})
	// Health is request 1; the second teams batch is rejected.
	collector.FailRequest(3, 503)

	setEnv(t, map[string]string{
		"BALLDONTLIE_API_KEY": "key",
		"BALLDONTLIE_URL":     api.URL(),
		"HEC_URL":             collector.URL(),
		"HEC_TOKEN":           "token",
		"BATCH_SIZE":          "10",
		"REDIS_URL":           redisURL,
		"CACHE_TTL":           "1m",
	})

	if _, err := execute(t, "run", "--jobs", "teams"); err == nil {
		t.Fatal("expected the rejected batch to fail the run")
	}

	out, err := execute(t, "replay", "--list")
	if err != nil {
		t.Fatalf("replay --list: %v", err)
	}
	if !strings.Contains(out, "1 parked batch(es)") || !strings.Contains(out, "records=10") {
		t.Errorf("list output = %q", out)
	}

	out, err = execute(t, "replay")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !strings.Contains(out, "replayed=1 records=10 remaining=0") {
		t.Errorf("replay output = %q", out)
	}

	last := collector.Requests()[len(collector.Requests())-1]
	if len(last.Envelopes) != 10 || last.Envelopes[0]["event"].(map[string]any)["id"] != float64(11) {
		t.Errorf("replayed batch = %v", last.Envelopes)
	}

	// A second run is served from the response cache.
	before := api.GetRequestCount()
	if _, err := execute(t, "run", "--jobs", "teams"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if api.GetRequestCount() != before {
		t.Errorf("second run hit the API %d more time(s)", api.GetRequestCount()-before)
	}
}
