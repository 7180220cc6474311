// Package postgres implements the work queue on a PostgreSQL table, leasing rows with
// SELECT ... FOR UPDATE SKIP LOCKED so that several workers and processes can share it.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ArionMiles/receiptd/pkg/api"
)

//go:embed 001_create_ingest_queue.sql
var migrationSQL string

// Config holds queue settings.
type Config struct {
	// Lease is how long a dequeued row stays invisible before redelivery.
	Lease time.Duration
	// PollInterval is how often an empty queue is polled.
	PollInterval time.Duration
}

// Queue is a PostgreSQL-backed api.Queue.
type Queue struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *slog.Logger
}

// New creates the queue table if needed. The pool is borrowed, not owned.
func New(ctx context.Context, pool *pgxpool.Pool, cfg Config, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	if _, err := pool.Exec(ctx, migrationSQL); err != nil {
		return nil, fmt.Errorf("creating queue table: %w", err)
	}

	return &Queue{pool: pool, cfg: cfg, logger: logger}, nil
}

// Enqueue inserts msg as a new row.
func (q *Queue) Enqueue(ctx context.Context, msg *api.RawMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	_, err = q.pool.Exec(ctx,
		`INSERT INTO ingest_queue (id, payload) VALUES ($1, $2)`,
		uuid.NewString(), payload,
	)
	if err != nil {
		return api.Transient(fmt.Errorf("enqueueing message: %w", err))
	}
	return nil
}

// Dequeue leases the oldest visible row, polling until one is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (*api.Delivery, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d, err := q.tryDequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.logger.Warn("dequeue failed", "error", err)
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryDequeue(ctx context.Context) (*api.Delivery, error) {
	var (
		d       api.Delivery
		payload []byte
	)
	err := q.pool.QueryRow(ctx, `
		UPDATE ingest_queue
		SET deliveries = deliveries + 1,
			leased_until = NOW() + make_interval(secs => $1)
		WHERE id = (
			SELECT id FROM ingest_queue
			WHERE available_at <= NOW()
				AND (leased_until IS NULL OR leased_until <= NOW())
			ORDER BY enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload, deliveries, enqueued_at
	`, q.cfg.Lease.Seconds()).Scan(&d.ID, &payload, &d.Deliveries, &d.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leasing row: %w", err)
	}

	var msg api.RawMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		// An undecodable row can never succeed; drop it rather than redeliver forever.
		q.logger.Error("dropping undecodable queue row", "id", d.ID, "error", err)
		if _, derr := q.pool.Exec(ctx, `DELETE FROM ingest_queue WHERE id = $1`, d.ID); derr != nil {
			return nil, fmt.Errorf("deleting undecodable row: %w", derr)
		}
		return nil, nil
	}
	d.Message = &msg
	return &d, nil
}

// Ack deletes the delivered row.
func (q *Queue) Ack(ctx context.Context, d *api.Delivery) error {
	if _, err := q.pool.Exec(ctx, `DELETE FROM ingest_queue WHERE id = $1`, d.ID); err != nil {
		return api.Transient(fmt.Errorf("acking %s: %w", d.ID, err))
	}
	return nil
}

// Nack releases the lease and makes the row visible again after delay.
func (q *Queue) Nack(ctx context.Context, d *api.Delivery, delay time.Duration) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE ingest_queue
		SET leased_until = NULL,
			available_at = NOW() + make_interval(secs => $2)
		WHERE id = $1
	`, d.ID, delay.Seconds())
	if err != nil {
		return api.Transient(fmt.Errorf("nacking %s: %w", d.ID, err))
	}
	return nil
}

// Pending returns the number of rows not yet acknowledged.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := q.pool.QueryRow(ctx, `SELECT count(*) FROM ingest_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting queue rows: %w", err)
	}
	return n, nil
}
