// Package buffered batches parse-log entries so that workers never wait on the
// parse-log sink.
package buffered

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ArionMiles/receiptd/pkg/api"
)

// DefaultBatchSize is the default number of outcomes to buffer before flushing.
const DefaultBatchSize = 50

// DefaultFlushInterval is the default interval between automatic flushes.
const DefaultFlushInterval = 10 * time.Second

// shutdownFlushTimeout bounds the final flush once the run context is gone.
const shutdownFlushTimeout = 5 * time.Second

// Flusher is called when the buffer needs to be flushed.
type Flusher func(ctx context.Context, outcomes []api.Outcome) error

// Config holds configuration for buffered writing.
type Config struct {
	// BatchSize is the number of outcomes to buffer before flushing.
	// Defaults to DefaultBatchSize.
	BatchSize int
	// FlushInterval is the interval between automatic flushes.
	// Defaults to DefaultFlushInterval.
	FlushInterval time.Duration
}

// Writer buffers outcomes and flushes them in batches. A failed flush is logged and
// the batch dropped; the parse log is diagnostic and never holds up ingestion.
type Writer struct {
	buffer  []api.Outcome
	mu      sync.Mutex
	flusher Flusher
	config  Config
	logger  *slog.Logger
	dropped int
}

// New creates a new buffered writer with the given flusher function.
func New(flusher Flusher, cfg Config, logger *slog.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Writer{
		buffer:  make([]api.Outcome, 0, cfg.BatchSize),
		flusher: flusher,
		config:  cfg,
		logger:  logger,
	}
}

// Write consumes outcomes from the input channel until it is closed or ctx is done,
// flushing whatever is buffered before returning.
func (w *Writer) Write(ctx context.Context, in <-chan api.Outcome) error {
	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	w.logger.Info("buffered writer started",
		"batch_size", w.config.BatchSize,
		"flush_interval", w.config.FlushInterval,
	)

	for {
		select {
		case <-ctx.Done():
			return w.handleShutdown()
		case <-ticker.C:
			w.handleFlush(ctx, "interval")
		case outcome, ok := <-in:
			if !ok {
				w.logger.Info("input channel closed, flushing remaining buffer")
				return w.finalFlush()
			}
			if w.add(outcome) {
				w.handleFlush(ctx, "batch size")
			}
		}
	}
}

func (w *Writer) handleShutdown() error {
	w.logger.Info("buffered writer stopping, flushing remaining buffer")
	if err := w.finalFlush(); err != nil {
		w.logger.Error("failed to flush on shutdown", "error", err)
	}
	return context.Canceled
}

func (w *Writer) finalFlush() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	return w.flush(ctx)
}

func (w *Writer) handleFlush(ctx context.Context, trigger string) {
	if err := w.flush(ctx); err != nil {
		w.logger.Error("failed to flush parse log", "trigger", trigger, "error", err)
	}
}

// add buffers outcome and reports whether the batch is full.
func (w *Writer) add(outcome api.Outcome) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffer = append(w.buffer, outcome)
	return len(w.buffer) >= w.config.BatchSize
}

// flush writes all buffered outcomes using the flusher function.
func (w *Writer) flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}

	// Copy buffer and reset
	toFlush := make([]api.Outcome, len(w.buffer))
	copy(toFlush, w.buffer)
	w.buffer = w.buffer[:0]
	w.mu.Unlock()

	w.logger.Debug("flushing buffer", "count", len(toFlush))

	if err := w.flusher(ctx, toFlush); err != nil {
		w.mu.Lock()
		w.dropped += len(toFlush)
		w.mu.Unlock()
		return err
	}

	w.logger.Debug("flushed parse log", "count", len(toFlush))
	return nil
}

// BufferLen returns the current number of buffered outcomes.
func (w *Writer) BufferLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Dropped returns how many outcomes were lost to failed flushes.
func (w *Writer) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}
