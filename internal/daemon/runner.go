// Package daemon wires sources, the work queue and the worker pool into a running
// ingestion pipeline.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"github.com/ArionMiles/receiptd/pkg/api"
)

// Options control a Runner.
type Options struct {
	// Once stops the pipeline after every source has finished and the queue is empty.
	Once bool
	// DrainPoll is how often the queue is checked in Once mode. Defaults to 200ms.
	DrainPoll time.Duration
	// EnqueueAttempts bounds retries of a transient enqueue failure. Defaults to 5.
	EnqueueAttempts uint
	// EnqueueDelay is the first retry delay, doubled on each attempt. Defaults to 200ms.
	EnqueueDelay time.Duration
}

// Runner manages the ingestion daemon lifecycle.
type Runner struct {
	c      *Components
	opts   Options
	logger *slog.Logger
}

// New creates a new daemon runner.
func New(c *Components, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DrainPoll <= 0 {
		opts.DrainPoll = 200 * time.Millisecond
	}
	if opts.EnqueueAttempts == 0 {
		opts.EnqueueAttempts = 5
	}
	if opts.EnqueueDelay <= 0 {
		opts.EnqueueDelay = 200 * time.Millisecond
	}

	return &Runner{c: c, opts: opts, logger: logger}
}

// Run starts the pipeline. It blocks until ctx is canceled, or in Once mode until all
// input has been processed, and returns after in-flight work has been finished or
// released and the parse log flushed.
func (r *Runner) Run(ctx context.Context) error {
	names := make([]string, 0, len(r.c.Sources))
	for _, s := range r.c.Sources {
		names = append(names, s.Name)
	}
	r.logger.Info("starting receiptd daemon",
		"sources", names,
		"fallback", r.c.Parser.FallbackAvailable(),
		"once", r.opts.Once,
	)

	if err := r.c.Mapper.Refresh(ctx); err != nil {
		r.logger.Warn("initial operator mapping load failed, operators stay unmapped until the next refresh", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		if err := r.c.Mapper.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("mapper error", "error", err)
		}
	}()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := r.c.Pool.Run(runCtx); err != nil {
			r.logger.Error("worker pool error", "error", err)
		}
	}()

	// The parse log outlives the run context so it can take the last outcomes.
	logDone := make(chan error, 1)
	go func() {
		logDone <- r.c.ParseLog.Write(context.WithoutCancel(ctx), r.c.outcomes)
	}()

	var pumps sync.WaitGroup
	for _, src := range r.c.Sources {
		pumps.Add(1)
		go func(src Source) {
			defer pumps.Done()
			r.pump(runCtx, src)
		}(src)
	}

	r.logger.Info("daemon started")
	if r.opts.Once {
		pumps.Wait()
		r.drain(runCtx)
		cancel()
	}

	<-runCtx.Done()
	pumps.Wait()
	<-poolDone
	close(r.c.outcomes)
	if err := <-logDone; err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("parse log error", "error", err)
	}
	background.Wait()

	st := r.c.Pool.Stats()
	r.logger.Info("daemon stopped",
		"persisted", st.Persisted,
		"duplicates", st.Duplicates,
		"parse_failed", st.ParseFailed,
		"dead_lettered", st.DeadLettered,
		"retried", st.Retried,
		"released", st.Released,
	)
	return nil
}

// pump moves messages from one source into the queue. A message is acknowledged to its
// source only after it has been enqueued.
func (r *Runner) pump(ctx context.Context, src Source) {
	logger := r.logger.With("source", src.Name)

	out := make(chan *api.RawMessage, 100)
	acks := make(chan string, 100)
	readDone := make(chan error, 1)
	go func() {
		readDone <- src.Reader.Read(ctx, out, acks)
	}()

	var enqueued, failed int
	for msg := range out {
		if err := r.enqueue(ctx, msg, logger); err != nil {
			failed++
			if ctx.Err() == nil {
				logger.Error("failed to enqueue message, leaving it unacknowledged",
					"chat_id", msg.OriginChatID,
					"message_id", msg.OriginMessageID,
					"error", err,
				)
			}
			continue
		}
		enqueued++

		if msg.AckKey == "" {
			continue
		}
		select {
		case acks <- msg.AckKey:
		case <-ctx.Done():
		}
	}

	err := <-readDone
	close(acks)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("source error", "error", err)
	}
	logger.Info("source finished", "enqueued", enqueued, "failed", failed)
}

func (r *Runner) enqueue(ctx context.Context, msg *api.RawMessage, logger *slog.Logger) error {
	return retry.Do(
		func() error {
			return r.c.Queue.Enqueue(ctx, msg)
		},
		retry.Context(ctx),
		retry.Attempts(r.opts.EnqueueAttempts),
		retry.Delay(r.opts.EnqueueDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(api.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("enqueue failed, retrying", "attempt", n+1, "error", err)
		}),
	)
}

// drain waits until the queue holds nothing unacknowledged.
func (r *Runner) drain(ctx context.Context) {
	ticker := time.NewTicker(r.opts.DrainPoll)
	defer ticker.Stop()

	for {
		n, err := r.c.Queue.Pending(ctx)
		switch {
		case err != nil:
			r.logger.Warn("failed to check queue depth", "error", err)
		case n == 0:
			r.logger.Info("queue drained")
			return
		default:
			r.logger.Debug("waiting for queue to drain", "pending", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
