// Package worker runs the ingestion state machine over queued raw messages.
//
// Each delivery moves through RECEIVED, FINGERPRINTED, PARSED, MAPPED and ends in one
// of PERSISTED, SKIPPED_DUPLICATE, PARSE_FAILED or DEAD_LETTER. Transient failures
// return the delivery to the queue with exponential backoff until the attempt cap.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ArionMiles/receiptd/pkg/api"
	"github.com/ArionMiles/receiptd/pkg/fingerprint"
	"github.com/ArionMiles/receiptd/pkg/mapper"
	"github.com/ArionMiles/receiptd/pkg/parser/regex"
)

// Parser turns notification text into a transaction.
type Parser interface {
	Parse(ctx context.Context, text string) (*api.ParsedTransaction, error)
}

// Resolver maps a raw operator string to an application.
type Resolver interface {
	Resolve(operatorRaw string) (mapper.Resolution, bool)
}

// Store is the part of the persistence gateway the workers write to.
type Store interface {
	api.TransactionStore
	api.FailureStore
}

// Deps are the collaborators of a Pool. Resolver and Outcomes are optional.
type Deps struct {
	Queue    api.Queue
	Parser   Parser
	Resolver Resolver
	Store    Store
	// Outcomes receives one entry per processed delivery. Sends never block; entries
	// are dropped when the channel is full.
	Outcomes chan<- api.Outcome
}

// Config holds worker pool settings.
type Config struct {
	Workers        int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	ParseTimeout   time.Duration
	PersistTimeout time.Duration
}

// Stats counts processed deliveries by terminal state.
type Stats struct {
	Persisted       int64
	Duplicates      int64
	ParseFailed     int64
	DeadLettered    int64
	Retried         int64
	Released        int64
	Panics          int64
	OutcomesDropped int64
}

// Pool is a fixed-size set of workers sharing one queue.
type Pool struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	persisted       atomic.Int64
	duplicates      atomic.Int64
	unparseable     atomic.Int64
	deadLettered    atomic.Int64
	retried         atomic.Int64
	released        atomic.Int64
	panics          atomic.Int64
	outcomesDropped atomic.Int64
}

// New creates a Pool, filling zero config values with defaults.
func New(deps Deps, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.ParseTimeout <= 0 {
		cfg.ParseTimeout = 30 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}

	return &Pool{deps: deps, cfg: cfg, logger: logger}
}

// Run starts the workers and blocks until ctx is canceled and every in-flight
// delivery has been finished or released.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "workers", p.cfg.Workers, "max_attempts", p.cfg.MaxAttempts)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, p.logger.With("worker", id))
		}(i)
	}
	wg.Wait()

	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, logger *slog.Logger) {
	for {
		d, err := p.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.BackoffBase):
			}
			continue
		}
		p.Process(ctx, d)
	}
}

// Process runs one delivery through the state machine and returns its final state for
// this attempt. It always acknowledges, negatively acknowledges or releases d.
func (p *Pool) Process(ctx context.Context, d *api.Delivery) (state api.State) {
	start := time.Now()
	msg := d.Message
	fp := fingerprint.Compute(msg)
	logger := p.logger.With("fingerprint", fp, "chat_id", msg.OriginChatID, "message_id", msg.OriginMessageID, "delivery", d.Deliveries)

	var (
		method api.ParsingMethod
		reason string
	)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			logger.Error("panic while processing message", "panic", r)
			reason = fmt.Sprintf("panic: %v", r)
			state = p.retry(ctx, d, fp, errors.New(reason), logger)
		}
		p.emit(api.Outcome{
			Fingerprint: fp,
			DeliveryID:  d.ID,
			State:       state,
			Method:      method,
			Reason:      reason,
			Duration:    time.Since(start),
			At:          time.Now(),
		})
	}()

	exists, err := p.exists(ctx, fp)
	if err != nil {
		reason = err.Error()
		return p.retry(ctx, d, fp, err, logger)
	}
	if exists {
		p.duplicates.Add(1)
		p.ack(d, logger)
		logger.Debug("duplicate message skipped before parsing")
		return api.StateSkippedDuplicate
	}

	parsed, err := p.parse(ctx, msg.Text)
	if err != nil {
		reason = err.Error()
		var pf *api.ParseFailure
		if errors.As(err, &pf) {
			reason = pf.Reason
			return p.handleParseFailure(ctx, d, fp, pf, logger)
		}
		return p.retry(ctx, d, fp, err, logger)
	}
	method = parsed.ParsingMethod

	tx := p.transaction(fp, msg, parsed)

	outcome, err := p.insert(ctx, tx)
	if err != nil {
		reason = err.Error()
		if !api.IsTransient(err) {
			return p.reject(ctx, d, fp, err, logger)
		}
		return p.retry(ctx, d, fp, err, logger)
	}

	p.ack(d, logger)
	if outcome == api.Duplicate {
		p.duplicates.Add(1)
		logger.Debug("duplicate message skipped at insert")
		return api.StateSkippedDuplicate
	}

	p.persisted.Add(1)
	logger.Info("transaction persisted",
		"amount", tx.Amount.String(),
		"currency", tx.Currency,
		"type", tx.TransactionType,
		"operator", tx.OperatorRaw,
		"application", tx.ApplicationMapped,
		"method", tx.ParsingMethod,
		"format", tx.Format,
	)
	return api.StatePersisted
}

func (p *Pool) parse(ctx context.Context, text string) (*api.ParsedTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ParseTimeout)
	defer cancel()
	return p.deps.Parser.Parse(ctx, text)
}

// insert outlives shutdown so a parsed message is not thrown away mid-write.
func (p *Pool) insert(ctx context.Context, tx *api.Transaction) (api.InsertOutcome, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()
	return p.deps.Store.InsertIfAbsent(ctx, tx)
}

func (p *Pool) exists(ctx context.Context, fp api.Fingerprint) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
	defer cancel()
	return p.deps.Store.Exists(ctx, fp)
}

func (p *Pool) transaction(fp api.Fingerprint, msg *api.RawMessage, parsed *api.ParsedTransaction) *api.Transaction {
	channel := regex.InferChannel(msg.Text)
	if msg.Source == api.SourceMail {
		channel = api.ChannelMail
	}

	tx := &api.Transaction{
		ParsedTransaction: *parsed,
		Fingerprint:       fp,
		Source: api.SourceMetadata{
			ChatID:      msg.OriginChatID,
			MessageID:   msg.OriginMessageID,
			BotIdentity: msg.BotIdentity,
			Kind:        msg.Source,
			Channel:     channel,
			ReceivedAt:  msg.ReceivedAt,
		},
		RawText: msg.Text,
	}

	if p.deps.Resolver != nil {
		if res, ok := p.deps.Resolver.Resolve(parsed.OperatorRaw); ok {
			tx.ApplicationMapped = res.ApplicationName
			tx.IsP2P = res.IsP2P
		}
	}
	return tx
}

func (p *Pool) handleParseFailure(ctx context.Context, d *api.Delivery, fp api.Fingerprint, pf *api.ParseFailure, logger *slog.Logger) api.State {
	err := p.retain(ctx, api.Failure{
		Fingerprint: fp,
		State:       api.StateParseFailed,
		Reason:      pf.Error(),
		Attempts:    d.Deliveries,
		Message:     *d.Message,
		At:          time.Now(),
	})
	if err != nil {
		return p.retry(ctx, d, fp, err, logger)
	}

	p.unparseable.Add(1)
	p.ack(d, logger)
	logger.Warn("message could not be parsed", "reason", pf.Reason)
	return api.StateParseFailed
}

// retry decides between a backoff redelivery, a dead letter and, during shutdown,
// a release.
func (p *Pool) retry(ctx context.Context, d *api.Delivery, fp api.Fingerprint, cause error, logger *slog.Logger) api.State {
	if ctx.Err() != nil {
		p.released.Add(1)
		p.nack(d, 0, logger)
		logger.Info("delivery released during shutdown")
		return api.StateReleased
	}

	if d.Deliveries >= p.cfg.MaxAttempts && p.deadLetter(ctx, d, fp, cause, logger) {
		return api.StateDeadLetter
	}

	delay := Backoff(d.Deliveries, p.cfg.BackoffBase, p.cfg.BackoffMax)
	p.retried.Add(1)
	p.nack(d, delay, logger)
	logger.Warn("transient failure, message requeued", "retry_in", delay, "error", cause)
	return api.StateTransientError
}

// reject dead-letters a delivery the store refused outright; redelivering it cannot help.
func (p *Pool) reject(ctx context.Context, d *api.Delivery, fp api.Fingerprint, cause error, logger *slog.Logger) api.State {
	if p.deadLetter(ctx, d, fp, cause, logger) {
		return api.StateDeadLetter
	}
	return p.retry(ctx, d, fp, cause, logger)
}

// deadLetter retains d and acknowledges it. It reports false when the failure could not
// be retained, in which case d is still unacknowledged.
func (p *Pool) deadLetter(ctx context.Context, d *api.Delivery, fp api.Fingerprint, cause error, logger *slog.Logger) bool {
	err := p.retain(ctx, api.Failure{
		Fingerprint: fp,
		State:       api.StateDeadLetter,
		Reason:      cause.Error(),
		Attempts:    d.Deliveries,
		Message:     *d.Message,
		At:          time.Now(),
	})
	if err != nil {
		logger.Error("failed to retain dead letter, keeping message queued", "error", err)
		return false
	}

	p.deadLettered.Add(1)
	p.ack(d, logger)
	logger.Error("message dead-lettered", "attempts", d.Deliveries, "error", cause)
	return true
}

func (p *Pool) retain(ctx context.Context, f api.Failure) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()
	return p.deps.Store.RetainFailure(ctx, f)
}

// ack and nack run on a detached context so that a decision already made is recorded
// even while shutting down. A lost ack only causes a redelivery, which dedup absorbs.
func (p *Pool) ack(d *api.Delivery, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PersistTimeout)
	defer cancel()
	if err := p.deps.Queue.Ack(ctx, d); err != nil {
		logger.Warn("failed to ack delivery", "error", err)
	}
}

func (p *Pool) nack(d *api.Delivery, delay time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PersistTimeout)
	defer cancel()
	if err := p.deps.Queue.Nack(ctx, d, delay); err != nil {
		logger.Warn("failed to nack delivery", "error", err)
	}
}

func (p *Pool) emit(o api.Outcome) {
	if p.deps.Outcomes == nil {
		return
	}
	select {
	case p.deps.Outcomes <- o:
	default:
		p.outcomesDropped.Add(1)
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Persisted:       p.persisted.Load(),
		Duplicates:      p.duplicates.Load(),
		ParseFailed:     p.unparseable.Load(),
		DeadLettered:    p.deadLettered.Load(),
		Retried:         p.retried.Load(),
		Released:        p.released.Load(),
		Panics:          p.panics.Load(),
		OutcomesDropped: p.outcomesDropped.Load(),
	}
}

// Backoff returns the delay before delivery attempt+1: base doubled per attempt,
// capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}
