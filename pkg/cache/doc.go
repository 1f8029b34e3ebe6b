// Package cache provides a Redis-backed response cache for upstream API pages.
//
// Static or slowly changing endpoints (the team list, finished box scores of a
// past date) are cached so that repeated runs do not spend the upstream rate
// limit on data that has not changed.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.CacheKey{
//		Endpoint:    "/v1/box_scores",
//		QueryParams: url.Values{"date": []string{"2024-11-01"}, "per_page": []string{"100"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if err == cache.ErrCacheMiss {
//		// fetch from the API, then
//		_ = manager.Set(ctx, key, cache.NewEntry(body, http.StatusOK, ttl))
//	}
//
// The cursor is part of the query, so every page of a paginated run has its
// own entry.
//
// # Metrics
//
//   - statsync_cache_hits_total{layer="redis"} - Cache hits
//   - statsync_cache_misses_total - Cache misses
//   - statsync_cache_size_bytes{layer="redis"} - Bytes read from and written to the cache
//   - statsync_cache_errors_total{operation} - Cache operation errors
package cache
