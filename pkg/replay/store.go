// Package replay parks sink batches that failed to deliver in a Redis list so
// that they can be re-sent later with `statsync replay`.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warped-quasar/StatSync/pkg/hec"
	"github.com/warped-quasar/StatSync/pkg/record"
)

var (
	entriesStoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statsync_replay_entries_stored_total",
		Help: "Failed batches parked in the replay log by sourcetype",
	}, []string{"sourcetype"})

	entriesReplayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statsync_replay_entries_replayed_total",
		Help: "Parked batches delivered by replay by sourcetype",
	}, []string{"sourcetype"})
)

// DefaultKey is the Redis list holding parked batches.
const DefaultKey = "statsync:replay"

// ErrInvalidEntry is returned for an entry without records or sourcetype.
var ErrInvalidEntry = errors.New("invalid replay entry")

// Entry is one parked batch.
type Entry struct {
	ID         string          `json:"id"`
	Job        string          `json:"job"`
	Sourcetype string          `json:"sourcetype"`
	Index      string          `json:"index,omitempty"`
	Records    []record.Record `json:"records"`
	Error      string          `json:"error"`
	FailedAt   time.Time       `json:"failed_at"`
}

// Sender delivers a batch to the sink. *hec.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, events []record.Record, opts hec.SendOptions) (*hec.Ack, error)
}

// Result summarizes a replay run.
type Result struct {
	Replayed  int
	Records   int
	Remaining int64
}

// Store is the Redis-backed replay log.
type Store struct {
	redis  *redis.Client
	key    string
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a replay log on the default key.
func NewStore(redisClient *redis.Client, logger zerolog.Logger) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Store{
		redis:  redisClient,
		key:    DefaultKey,
		logger: logger.With().Str("component", "replay").Logger(),
		now:    time.Now,
	}
}

// Key returns the Redis list key.
func (s *Store) Key() string {
	return s.key
}

// Append parks a failed batch at the tail of the log. ID and FailedAt are
// assigned when empty. It returns the entry ID.
func (s *Store) Append(ctx context.Context, e Entry) (string, error) {
	if len(e.Records) == 0 || e.Sourcetype == "" {
		return "", ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.FailedAt.IsZero() {
		e.FailedAt = s.now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal replay entry: %w", err)
	}
	if err := s.redis.RPush(ctx, s.key, data).Err(); err != nil {
		return "", fmt.Errorf("push replay entry: %w", err)
	}

	entriesStoredTotal.WithLabelValues(e.Sourcetype).Inc()
	s.logger.Warn().
		Str("id", e.ID).
		Str("job", e.Job).
		Str("sourcetype", e.Sourcetype).
		Int("records", len(e.Records)).
		Msg("Batch parked for replay")

	return e.ID, nil
}

// Len returns the number of parked batches.
func (s *Store) Len(ctx context.Context) (int64, error) {
	n, err := s.redis.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("replay log length: %w", err)
	}
	return n, nil
}

// List returns every parked batch, oldest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	raw, err := s.redis.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read replay log: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		e, err := decodeEntry(item)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeEntry(raw string) (Entry, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var e Entry
	if err := dec.Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return e, nil
}

// Replay re-sends parked batches oldest first and removes each one once the
// sink accepts it. It stops at the first failure, leaving that batch and the
// rest in place.
func (s *Store) Replay(ctx context.Context, sender Sender) (Result, error) {
	var res Result

	for {
		if err := ctx.Err(); err != nil {
			return s.finish(ctx, res, err)
		}

		raw, err := s.redis.LIndex(ctx, s.key, 0).Result()
		if errors.Is(err, redis.Nil) {
			return s.finish(ctx, res, nil)
		}
		if err != nil {
			return s.finish(ctx, res, fmt.Errorf("read replay log: %w", err))
		}

		e, err := decodeEntry(raw)
		if err != nil {
			return s.finish(ctx, res, err)
		}

		opts := hec.SendOptions{Sourcetype: e.Sourcetype, Index: e.Index}
		if _, err := sender.Send(ctx, e.Records, opts); err != nil {
			s.logger.Error().
				Err(err).
				Str("id", e.ID).
				Str("sourcetype", e.Sourcetype).
				Msg("Replay send failed")
			return s.finish(ctx, res, fmt.Errorf("replay %s: %w", e.ID, err))
		}

		if err := s.redis.LRem(ctx, s.key, 1, raw).Err(); err != nil {
			return s.finish(ctx, res, fmt.Errorf("remove replayed entry %s: %w", e.ID, err))
		}

		res.Replayed++
		res.Records += len(e.Records)
		entriesReplayedTotal.WithLabelValues(e.Sourcetype).Inc()

		s.logger.Info().
			Str("id", e.ID).
			Str("job", e.Job).
			Str("sourcetype", e.Sourcetype).
			Int("records", len(e.Records)).
			Msg("Replayed batch")
	}
}

func (s *Store) finish(ctx context.Context, res Result, err error) (Result, error) {
	if n, lenErr := s.redis.LLen(context.WithoutCancel(ctx), s.key).Result(); lenErr == nil {
		res.Remaining = n
	}
	return res, err
}
