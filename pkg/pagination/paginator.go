package pagination

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warped-quasar/StatSync/pkg/record"
)

// Prometheus metrics for page fetching.
var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statsync_pages_fetched_total",
		Help: "Total upstream pages fetched by endpoint",
	}, []string{"endpoint"})

	pageFetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statsync_page_fetch_errors_total",
		Help: "Total upstream page fetch failures by endpoint",
	}, []string{"endpoint"})
)

// ErrAlreadyConsumed is yielded when Pages is called on a paginator that has
// already been started. Page sequences cannot be restarted.
var ErrAlreadyConsumed = errors.New("paginator already consumed")

// Query holds the immutable parameters of one retrieval run.
// The cursor is threaded by the Paginator and never stored here.
type Query struct {
	Date       string
	Season     int
	Postseason bool
	PerPage    int
}

// Page is one upstream response. An empty NextCursor marks the final page.
type Page struct {
	Records    []record.Record
	NextCursor string
}

// IsLast reports whether no further page follows this one.
func (p Page) IsLast() bool {
	return p.NextCursor == ""
}

// FetchFunc retrieves a single page for the query, starting at cursor.
// An empty cursor requests the first page.
type FetchFunc func(ctx context.Context, q Query, cursor string) (Page, error)

// DelayFunc returns how long to wait before requesting the given page.
// It is only consulted for pages after the first.
type DelayFunc func(page int) time.Duration

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ConstantDelay waits d between every pair of pages.
func ConstantDelay(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Config holds paginator configuration.
type Config struct {
	// Endpoint labels logs and metrics (e.g. "box_scores").
	Endpoint string

	// Delay between successive page requests.
	Delay DelayFunc

	// Sleep implements the delay. Tests inject a recording no-op.
	Sleep Sleeper

	// Logger defaults to the global logger with component=paginator.
	Logger *zerolog.Logger
}

// DefaultPageDelay is the pause between pages used by DefaultConfig.
const DefaultPageDelay = 200 * time.Millisecond

// DefaultConfig returns the upstream-friendly default configuration.
func DefaultConfig() Config {
	return Config{
		Delay: ConstantDelay(DefaultPageDelay),
		Sleep: SleepContext,
	}
}

// RetrievalError reports a failed page fetch together with the position the
// run had reached, which is enough to resume it by hand.
type RetrievalError struct {
	Endpoint string
	Page     int
	Cursor   string
	Err      error
}

// Error implements the error interface.
func (e *RetrievalError) Error() string {
	if e.Cursor == "" {
		return fmt.Sprintf("retrieve %s page %d: %v", e.Endpoint, e.Page, e.Err)
	}
	return fmt.Sprintf("retrieve %s page %d (cursor %q): %v", e.Endpoint, e.Page, e.Cursor, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// Paginator walks a cursor-paginated endpoint for a single query.
// It is not safe for concurrent use and can only be consumed once.
type Paginator struct {
	fetch  FetchFunc
	query  Query
	config Config
	logger zerolog.Logger

	state  State
	page   int
	cursor string
}

// New creates a paginator for q. Zero-valued config fields fall back to
// DefaultConfig.
func New(fetch FetchFunc, q Query, cfg Config) *Paginator {
	if cfg.Delay == nil {
		cfg.Delay = ConstantDelay(DefaultPageDelay)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "unknown"
	}

	logger := log.With().Str("component", "paginator").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "paginator").Logger()
	}

	return &Paginator{
		fetch:  fetch,
		query:  q,
		config: cfg,
		logger: logger.With().Str("endpoint", cfg.Endpoint).Logger(),
		state:  StateNotStarted,
	}
}

// State returns the current state of the paginator.
func (p *Paginator) State() State {
	return p.state
}

// PageIndex returns the 1-based index of the page being fetched or last
// fetched. It is 0 before the first pull.
func (p *Paginator) PageIndex() int {
	return p.page
}

// Pages returns the lazy page sequence. A page is fetched only when the
// consumer asks for it. On failure the sequence yields one *RetrievalError
// and ends.
func (p *Paginator) Pages(ctx context.Context) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		if p.state != StateNotStarted {
			yield(Page{}, ErrAlreadyConsumed)
			return
		}

		for {
			p.page++
			p.state = StateFetching
			if p.page > 1 {
				if err := p.config.Sleep(ctx, p.config.Delay(p.page)); err != nil {
					p.fail(err)
					yield(Page{}, p.retrievalError(err))
					return
				}
			}

			p.logger.Debug().
				Int("page", p.page).
				Str("cursor", p.cursor).
				Msg("Fetching page")

			page, err := p.fetch(ctx, p.query, p.cursor)
			if err != nil {
				p.fail(err)
				yield(Page{}, p.retrievalError(err))
				return
			}

			pagesFetchedTotal.WithLabelValues(p.config.Endpoint).Inc()
			p.state = StateHasPage
			p.logger.Info().
				Int("page", p.page).
				Int("records", len(page.Records)).
				Bool("last", page.IsLast()).
				Msg("Retrieved page")

			if page.IsLast() {
				p.state = StateExhausted
				yield(page, nil)
				p.logger.Info().Int("pages", p.page).Msg("No more pages")
				return
			}

			p.cursor = page.NextCursor
			if !yield(page, nil) {
				return
			}
		}
	}
}

// Records flattens Pages into a record sequence.
func (p *Paginator) Records(ctx context.Context) iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		for page, err := range p.Pages(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, r := range page.Records {
				if !yield(r, nil) {
					return
				}
			}
		}
	}
}

func (p *Paginator) fail(err error) {
	p.state = StateFailed
	pageFetchErrorsTotal.WithLabelValues(p.config.Endpoint).Inc()
	p.logger.Error().
		Err(err).
		Int("page", p.page).
		Str("cursor", p.cursor).
		Msg("Page fetch failed")
}

func (p *Paginator) retrievalError(err error) *RetrievalError {
	return &RetrievalError{
		Endpoint: p.config.Endpoint,
		Page:     p.page,
		Cursor:   p.cursor,
		Err:      err,
	}
}
