// Package batch groups a lazy record sequence into bounded chunks and hands
// each chunk to a flush function.
package batch

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for batching.
var (
	batchesFlushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statsync_batches_flushed_total",
		Help: "Total batches handed to the flush function successfully",
	})

	batchFlushErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statsync_batch_flush_errors_total",
		Help: "Total batches whose flush failed",
	})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "statsync_batch_size_records",
		Help:    "Number of records per flushed batch",
		Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
	})
)

// ErrInvalidSize is returned by New for a non-positive batch size.
var ErrInvalidSize = errors.New("batch size must be a positive integer")

// FlushFunc delivers one batch. It may keep the slice; the Batcher never
// reuses it.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// Progress is passed to the OnFlush hook after every successful flush.
type Progress struct {
	Batch   int // 1-based index of the batch just flushed
	Size    int // records in that batch
	Flushed int // records flushed so far
}

// Stats summarises a Drain call.
type Stats struct {
	Seen    int // records pulled from the source
	Flushed int // records delivered by successful flushes
	Batches int // successful flushes
	Dropped int // records pulled but never delivered
}

// FlushError reports the batch whose flush failed. Records holds that batch
// so the caller can park it for replay.
type FlushError[T any] struct {
	Batch   int
	Records []T
	Err     error
}

// Error implements the error interface.
func (e *FlushError[T]) Error() string {
	return fmt.Sprintf("flush batch %d (%d records): %v", e.Batch, len(e.Records), e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FlushError[T]) Unwrap() error {
	return e.Err
}

// Batcher accumulates records into chunks of at most Size records.
// It is not safe for concurrent use.
type Batcher[T any] struct {
	size  int
	flush FlushFunc[T]

	// OnFlush, when set, is called after each successful flush.
	OnFlush func(Progress)
}

// New creates a Batcher. A non-positive size is a configuration error and is
// reported here, before any record is accepted.
func New[T any](size int, flush FlushFunc[T]) (*Batcher[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidSize, size)
	}
	if flush == nil {
		return nil, errors.New("flush function is required")
	}
	return &Batcher[T]{size: size, flush: flush}, nil
}

// Size returns the configured maximum batch size.
func (b *Batcher[T]) Size() int {
	return b.size
}

// Drain pulls every record from seq and flushes them in arrival order, in
// chunks of Size, followed by a final smaller chunk for any remainder.
//
// A flush failure stops Drain at once with a *FlushError; earlier batches stay
// delivered and no later batch is attempted. A source error stops Drain
// without flushing the partially filled buffer.
func (b *Batcher[T]) Drain(ctx context.Context, seq iter.Seq2[T, error]) (Stats, error) {
	var stats Stats
	buf := make([]T, 0, b.size)

	flush := func() error {
		if err := ctx.Err(); err != nil {
			stats.Dropped = stats.Seen - stats.Flushed
			return err
		}
		n := stats.Batches + 1
		if err := b.flush(ctx, buf); err != nil {
			batchFlushErrorsTotal.Inc()
			stats.Dropped = stats.Seen - stats.Flushed
			return &FlushError[T]{Batch: n, Records: buf, Err: err}
		}

		batchesFlushedTotal.Inc()
		batchSize.Observe(float64(len(buf)))
		stats.Batches = n
		stats.Flushed += len(buf)
		if b.OnFlush != nil {
			b.OnFlush(Progress{Batch: n, Size: len(buf), Flushed: stats.Flushed})
		}
		buf = make([]T, 0, b.size)
		return nil
	}

	for item, err := range seq {
		if err != nil {
			stats.Dropped = stats.Seen - stats.Flushed
			return stats, fmt.Errorf("read source: %w", err)
		}

		stats.Seen++
		buf = append(buf, item)
		if len(buf) >= b.size {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}

	if len(buf) > 0 {
		if err := flush(); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

// FromSlice adapts a slice into a source sequence for Drain.
func FromSlice[T any](items []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}
