// Package postgres provides the PostgreSQL persistence gateway: transactions,
// operator mappings, retained failures and the parse log.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ArionMiles/receiptd/pkg/api"
)

//go:embed 001_create_tables.sql
var migrationSQL string

const uniqueViolation = "23505"

// Config holds the PostgreSQL store configuration.
type Config struct {
	// URL is a libpq-style connection string or postgres:// URL.
	URL string
	// MaxConns is the maximum number of connections in the pool.
	MaxConns int
	// ConnectAttempts bounds how many times the initial ping is tried.
	ConnectAttempts uint
}

// Store implements api.TransactionStore, api.MappingSource, api.FailureStore and
// api.OutcomeWriter on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to PostgreSQL and applies the schema.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = 5
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	err = retry.Do(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return pool.Ping(pingCtx)
		},
		retry.Context(ctx),
		retry.Attempts(cfg.ConnectAttempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("database not reachable, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("connected to PostgreSQL",
		"host", poolConfig.ConnConfig.Host,
		"port", poolConfig.ConnConfig.Port,
		"database", poolConfig.ConnConfig.Database,
	)

	s := &Store{
		pool:   pool,
		logger: logger,
	}

	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// runMigrations runs the database migrations.
func (s *Store) runMigrations(ctx context.Context) error {
	s.logger.Info("running database migrations")

	if _, err := s.pool.Exec(ctx, migrationSQL); err != nil {
		return fmt.Errorf("executing migration: %w", err)
	}

	s.logger.Info("migrations completed successfully")
	return nil
}

// Pool exposes the connection pool so the queue can share it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Exists reports whether a transaction with fp is stored.
func (s *Store) Exists(ctx context.Context, fp api.Fingerprint) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE fingerprint = $1)`, string(fp),
	).Scan(&exists)
	if err != nil {
		return false, api.Transient(fmt.Errorf("checking fingerprint: %w", err))
	}
	return exists, nil
}

// InsertIfAbsent inserts tx, relying on the unique fingerprint constraint so that
// concurrent inserts of the same event produce exactly one row.
func (s *Store) InsertIfAbsent(ctx context.Context, tx *api.Transaction) (api.InsertOutcome, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO transactions (
			fingerprint, amount, currency, operator_raw, application_mapped, is_p2p,
			card_last_4, transaction_date, transaction_type, balance_after,
			source_channel, source_type, source_chat_id, source_message_id, bot_identity,
			parsing_method, parsing_confidence, format, raw_message, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (fingerprint) DO NOTHING
		RETURNING id
	`,
		string(tx.Fingerprint),
		tx.Amount,
		tx.Currency,
		tx.OperatorRaw,
		nullString(tx.ApplicationMapped),
		tx.IsP2P,
		nullString(tx.CardLast4),
		tx.TransactionDate,
		string(tx.TransactionType),
		tx.BalanceAfter,
		string(tx.Source.Channel),
		string(tx.Source.Kind),
		tx.Source.ChatID,
		tx.Source.MessageID,
		tx.Source.BotIdentity,
		string(tx.ParsingMethod),
		tx.ParsingConfidence,
		tx.Format,
		tx.RawText,
		nullTime(tx.Source.ReceivedAt),
	).Scan(&id)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return api.Duplicate, nil
	case err != nil:
		return 0, classifyWriteError(fmt.Errorf("inserting transaction: %w", err))
	}

	// A retained failure for the same event is obsolete once the row exists.
	if _, err := s.pool.Exec(ctx, `DELETE FROM failed_messages WHERE fingerprint = $1`, string(tx.Fingerprint)); err != nil {
		s.logger.Warn("failed to clear retained failure", "fingerprint", tx.Fingerprint, "error", err)
	}

	return api.Inserted, nil
}

// ActiveMappings returns active operator mappings ordered by priority and pattern length.
func (s *Store) ActiveMappings(ctx context.Context) ([]api.OperatorMapping, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pattern, application_name, is_p2p, priority, is_active
		FROM operator_mappings
		WHERE is_active
		ORDER BY priority DESC, length(pattern) DESC, pattern
	`)
	if err != nil {
		return nil, api.Transient(fmt.Errorf("querying mappings: %w", err))
	}

	mappings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (api.OperatorMapping, error) {
		var m api.OperatorMapping
		err := row.Scan(&m.ID, &m.Pattern, &m.ApplicationName, &m.IsP2P, &m.Priority, &m.IsActive)
		return m, err
	})
	if err != nil {
		return nil, api.Transient(fmt.Errorf("reading mappings: %w", err))
	}
	return mappings, nil
}

var mappingColumns = []string{"pattern", "application_name", "is_p2p", "priority", "is_active"}

// ReplaceMappings swaps the reference table for rows in one database transaction.
func (s *Store) ReplaceMappings(ctx context.Context, rows []api.OperatorMapping) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM operator_mappings`); err != nil {
		return fmt.Errorf("clearing mappings: %w", err)
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"operator_mappings"}, mappingColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			m := rows[i]
			return []any{m.Pattern, m.ApplicationName, m.IsP2P, m.Priority, m.IsActive}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copying mappings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Info("replaced operator mappings", "count", len(rows))
	return nil
}

// UpsertMappings inserts rows, updating existing rows with the same pattern.
// It returns how many rows were newly inserted.
func (s *Store) UpsertMappings(ctx context.Context, rows []api.OperatorMapping) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, m := range rows {
		batch.Queue(`
			INSERT INTO operator_mappings (pattern, application_name, is_p2p, priority, is_active)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (pattern) DO UPDATE SET
				application_name = EXCLUDED.application_name,
				is_p2p = EXCLUDED.is_p2p,
				priority = EXCLUDED.priority,
				is_active = EXCLUDED.is_active,
				updated_at = NOW()
			RETURNING (xmax = 0)
		`, m.Pattern, m.ApplicationName, m.IsP2P, m.Priority, m.IsActive)
	}

	results := tx.SendBatch(ctx, batch)
	inserted := 0
	for i := range rows {
		var fresh bool
		if err := results.QueryRow().Scan(&fresh); err != nil {
			results.Close()
			return 0, fmt.Errorf("upserting mapping %q: %w", rows[i].Pattern, err)
		}
		if fresh {
			inserted++
		}
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return inserted, nil
}

// RetainFailure stores f for manual review, replacing an earlier record for the same
// fingerprint.
func (s *Store) RetainFailure(ctx context.Context, f api.Failure) error {
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO failed_messages (
			fingerprint, state, reason, attempts, raw_message,
			source_type, source_chat_id, source_message_id, bot_identity, received_at, failed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (fingerprint) DO UPDATE SET
			state = EXCLUDED.state,
			reason = EXCLUDED.reason,
			attempts = EXCLUDED.attempts,
			failed_at = EXCLUDED.failed_at
	`,
		string(f.Fingerprint),
		string(f.State),
		f.Reason,
		f.Attempts,
		f.Message.Text,
		string(f.Message.Source),
		f.Message.OriginChatID,
		f.Message.OriginMessageID,
		f.Message.BotIdentity,
		nullTime(f.Message.ReceivedAt),
		at,
	)
	if err != nil {
		return api.Transient(fmt.Errorf("retaining failure: %w", err))
	}
	return nil
}

var outcomeColumns = []string{"fingerprint", "delivery_id", "state", "method", "reason", "duration_ms", "logged_at"}

// WriteOutcomes bulk-loads parse-log entries.
func (s *Store) WriteOutcomes(ctx context.Context, outcomes []api.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"parse_log"}, outcomeColumns,
		pgx.CopyFromSlice(len(outcomes), func(i int) ([]any, error) {
			o := outcomes[i]
			return []any{
				string(o.Fingerprint),
				o.DeliveryID,
				string(o.State),
				string(o.Method),
				o.Reason,
				o.Duration.Milliseconds(),
				o.At,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copying parse log: %w", err)
	}
	return nil
}

// Counts summarizes persisted transactions and retained failures.
func (s *Store) Counts(ctx context.Context) (api.Counts, error) {
	var c api.Counts
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM transactions),
			(SELECT count(*) FROM failed_messages WHERE state = 'PARSE_FAILED'),
			(SELECT count(*) FROM failed_messages WHERE state = 'DEAD_LETTER')
	`).Scan(&c.Persisted, &c.Unparseable, &c.DeadLettered)
	if err != nil {
		return api.Counts{}, fmt.Errorf("counting rows: %w", err)
	}
	return c, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
		s.logger.Info("closed PostgreSQL connection pool")
	}
}

// classifyWriteError marks err transient unless the database rejected the row itself:
// data exceptions (class 22) and integrity violations (class 23) other than a unique
// violation fail the same way on every retry.
func classifyWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == uniqueViolation:
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return err
		}
	}
	return api.Transient(err)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
