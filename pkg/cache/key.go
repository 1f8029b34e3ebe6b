package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces every cache key in Redis.
const KeyPrefix = "statsync:cache"

// CacheKey represents a unique identifier for a cached upstream response.
type CacheKey struct {
	// Endpoint is the API path (e.g., "/v1/stats")
	Endpoint string

	// QueryParams are the query parameters including the cursor
	QueryParams url.Values
}

// String generates a deterministic cache key string.
// Format: statsync:cache:endpoint:query1=val1:query2=val2
//
// Multi-valued parameters keep their order and are joined with commas.
//
// Example:
//
//	statsync:cache:v1/box_scores:date=2024-11-01:per_page=100
func (k CacheKey) String() string {
	parts := []string{KeyPrefix}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(k.QueryParams[key], ",")))
		}
	}

	return strings.Join(parts, ":")
}
