// Package metrics exposes the Prometheus registry and the optional HTTP
// endpoint that serves it. All metrics are defined in their respective
// packages (pagination, batch, hec, balldontlie, cache, ratelimit, replay,
// ingest) and registered via promauto.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by StatSync.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// ReadyFunc reports whether the process dependencies are usable.
type ReadyFunc func(ctx context.Context) error

// Server serves /metrics, /health and /ready while a run is in progress.
type Server struct {
	srv      *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewHandler builds the mux used by Server. ready may be nil.
func NewHandler(ready ReadyFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(ready))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func readyHandler(ready ReadyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

// Start listens on addr and serves in the background. Use Addr to learn the
// bound address when addr has port 0.
func Start(addr string, ready ReadyFunc, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	s := &Server{
		srv: &http.Server{
			Handler:           NewHandler(ready),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		logger:   logger,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics server listening")
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Metrics Documentation
//
// Pagination Metrics (pkg/pagination):
//   - statsync_pages_fetched_total{endpoint} (Counter): Upstream pages fetched
//   - statsync_page_fetch_errors_total{endpoint} (Counter): Page fetches that failed
//
// Batch Metrics (pkg/batch):
//   - statsync_batches_flushed_total (Counter): Batches confirmed by the sink
//   - statsync_batch_flush_errors_total (Counter): Batches the sink rejected
//   - statsync_batch_size_records (Histogram): Records per flushed batch
//
// HEC Metrics (pkg/hec):
//   - statsync_hec_requests_total{status} (Counter): Collector requests by HTTP status
//   - statsync_hec_events_total{sourcetype} (Counter): Events accepted by sourcetype
//   - statsync_hec_request_duration_seconds (Histogram): Collector request latency
//
// Upstream Metrics (pkg/balldontlie):
//   - statsync_upstream_requests_total{endpoint, status} (Counter): Requests by endpoint and status
//   - statsync_upstream_request_duration_seconds{endpoint} (Histogram): Request duration
//   - statsync_upstream_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - statsync_upstream_retries_total{error_class} (Counter): Retry attempts
//   - statsync_upstream_retry_backoff_seconds{error_class} (Histogram): Backoff durations
//   - statsync_upstream_retry_exhausted_total{error_class} (Counter): Requests that exhausted retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - statsync_rate_limit_remaining (Gauge): Requests left in the current window
//   - statsync_rate_limit_waits_total (Counter): Requests held back by a cool-down
//   - statsync_rate_limit_throttles_total (Counter): Requests throttled on a low budget
//   - statsync_rate_limit_hits_total (Counter): 429 responses
//
// Cache Metrics (pkg/cache):
//   - statsync_cache_hits_total{layer="redis"} (Counter): Cache hits
//   - statsync_cache_misses_total (Counter): Cache misses
//   - statsync_cache_size_bytes{layer="redis"} (Gauge): Bytes written to the cache
//   - statsync_cache_errors_total{operation} (Counter): Cache operation errors
//
// Replay Metrics (pkg/replay):
//   - statsync_replay_entries_stored_total{sourcetype} (Counter): Failed batches parked
//   - statsync_replay_entries_replayed_total{sourcetype} (Counter): Parked batches delivered
//
// Job Metrics (internal/ingest):
//   - statsync_job_runs_total{job, result} (Counter): Job runs by outcome
//   - statsync_job_records_total{job} (Counter): Records delivered per job
//
// Example Prometheus Queries:
//
//   # Events shipped per sourcetype
//   sum by (sourcetype) (rate(statsync_hec_events_total[1h]))
//
//   # Failed jobs
//   statsync_job_runs_total{result="failed"}
//
//   # Upstream error rate
//   rate(statsync_upstream_errors_total[5m])
//
//   # P95 collector latency
//   histogram_quantile(0.95, rate(statsync_hec_request_duration_seconds_bucket[5m]))
