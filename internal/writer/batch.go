package writer

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/mrlokans/influx-importer/internal/entities"
)

const (
	DefaultBatchSize   = 1000
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 1 * time.Second

	maxRetryDelay      = 30 * time.Second
	retryBackoffFactor = 2
)

// Entry is a buffered point together with the key it is recorded under once
// the batch holding it has been written.
type Entry struct {
	Point entities.Point
	Key   entities.RecordKey
	// Ref lets the caller find its own bookkeeping for the entry.
	Ref any
}

// FlushResult describes one batch handed to the sink.
type FlushResult struct {
	Seq      int
	Entries  []Entry
	Attempts int
	// Err is set when every attempt failed with a transient error.
	Err error
}

// FlushFunc is called after every batch, successful or not.
type FlushFunc func(FlushResult)

type Config struct {
	BatchSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	// WritesPerSecond throttles batch writes; zero disables throttling.
	WritesPerSecond float64
}

// BatchWriter buffers points and flushes them to a sink in bounded batches.
// It is not safe for concurrent use.
type BatchWriter struct {
	sink    Sink
	cfg     Config
	onFlush FlushFunc
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error

	pending []Entry
	seq     int
}

// NewBatchWriter creates a writer that reports every flushed batch to onFlush.
func NewBatchWriter(sink Sink, cfg Config, onFlush FlushFunc) *BatchWriter {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	w := &BatchWriter{
		sink:    sink,
		cfg:     cfg,
		onFlush: onFlush,
		sleep:   sleepContext,
		pending: make([]Entry, 0, cfg.BatchSize),
	}
	if cfg.WritesPerSecond > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.WritesPerSecond), 1)
	}
	return w
}

// Add buffers one entry, flushing when the buffer is full. The returned
// error is non-nil only when the run must stop.
func (w *BatchWriter) Add(ctx context.Context, e Entry) error {
	w.pending = append(w.pending, e)
	if len(w.pending) >= w.cfg.BatchSize {
		return w.Flush(ctx)
	}
	return nil
}

// Flush sends the buffered entries as one batch. Transient failures are
// retried with exponential backoff; once attempts run out the batch is
// reported as failed through the flush callback and nil is returned so the
// caller can continue with the next batch. Fatal sink errors and context
// cancellation are returned.
func (w *BatchWriter) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}

	entries := w.pending
	w.pending = make([]Entry, 0, w.cfg.BatchSize)
	w.seq++

	points := make([]entities.Point, len(entries))
	for i, e := range entries {
		points[i] = e.Point
	}

	result := FlushResult{Seq: w.seq, Entries: entries}
	var lastErr error

	for attempt := 0; attempt < w.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateRetryDelay(w.cfg.RetryDelay, attempt)
			log.Printf("Batch %d: attempt %d/%d failed: %v, retrying in %v",
				w.seq, attempt, w.cfg.MaxAttempts, lastErr, delay)
			if err := w.sleep(ctx, delay); err != nil {
				return err
			}
		}

		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		result.Attempts = attempt + 1
		lastErr = w.sink.WriteBatch(ctx, points)
		if lastErr == nil {
			break
		}
		if IsFatal(lastErr) {
			return fmt.Errorf("batch %d: %w", w.seq, lastErr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if lastErr != nil {
		result.Err = fmt.Errorf("batch %d failed after %d attempts: %w", w.seq, result.Attempts, lastErr)
	}
	if w.onFlush != nil {
		w.onFlush(result)
	}
	return nil
}

func calculateRetryDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(retryBackoffFactor)
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
