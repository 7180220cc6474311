package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ArionMiles/receiptd/internal/plugins"
	"github.com/ArionMiles/receiptd/internal/worker"
	"github.com/ArionMiles/receiptd/pkg/api"
	"github.com/ArionMiles/receiptd/pkg/config"
	"github.com/ArionMiles/receiptd/pkg/mapper"
	"github.com/ArionMiles/receiptd/pkg/orchestrator"
	"github.com/ArionMiles/receiptd/pkg/parser/llm"
	"github.com/ArionMiles/receiptd/pkg/parser/regex"
	queuemem "github.com/ArionMiles/receiptd/pkg/queue/memory"
	queuepg "github.com/ArionMiles/receiptd/pkg/queue/postgres"
	storemem "github.com/ArionMiles/receiptd/pkg/store/memory"
	storepg "github.com/ArionMiles/receiptd/pkg/store/postgres"
	"github.com/ArionMiles/receiptd/pkg/writer/buffered"
	csvlog "github.com/ArionMiles/receiptd/pkg/writer/csv"
)

// outcomeBuffer sizes the channel between the workers and the parse log.
const outcomeBuffer = 256

// Store is the persistence gateway as used by the daemon and the CLI.
type Store interface {
	api.TransactionStore
	api.FailureStore
	api.MappingSource
	api.OutcomeWriter
	ReplaceMappings(ctx context.Context, rows []api.OperatorMapping) error
	UpsertMappings(ctx context.Context, rows []api.OperatorMapping) (int, error)
	Counts(ctx context.Context) (api.Counts, error)
}

// Backend is the opened persistence layer.
type Backend struct {
	Store Store
	// Pool is nil unless a postgres backend is configured.
	Pool *pgxpool.Pool
	pg   *storepg.Store
}

// OpenBackend opens the store selected by STORE_BACKEND. A database connection is made
// when either the store or the queue uses postgres.
func OpenBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Backend{}
	if cfg.StoreBackend == config.BackendPostgres || cfg.QueueBackend == config.BackendPostgres {
		pg, err := storepg.New(ctx, storepg.Config{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DatabaseMaxConns,
		}, logger.With("component", "store"))
		if err != nil {
			return nil, err
		}
		b.pg = pg
		b.Pool = pg.Pool()
	}

	if cfg.StoreBackend == config.BackendPostgres {
		b.Store = b.pg
	} else {
		b.Store = storemem.New()
	}
	return b, nil
}

// Close releases the database connection, if any.
func (b *Backend) Close() {
	if b.pg != nil {
		b.pg.Close()
	}
}

// NewParser builds the parser chain: the regex parser, and the language-model fallback
// when a credential is configured.
func NewParser(ctx context.Context, cfg config.Config, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}

	var fallback orchestrator.FallbackParser
	if cfg.FallbackConfigured() {
		p, err := llm.New(ctx, llm.Config{
			APIKey:     cfg.GeminiAPIKey,
			Model:      cfg.GeminiModel,
			Timeout:    cfg.LLMTimeout,
			Attempts:   uint(cfg.LLMAttempts),
			RetryDelay: cfg.LLMRetryDelay,
			Location:   loc,
		}, logger.With("component", "llm"))
		if err != nil {
			return nil, fmt.Errorf("creating fallback parser: %w", err)
		}
		fallback = p
	}

	return orchestrator.New(
		regex.New(regex.WithLocation(loc)),
		fallback,
		orchestrator.Config{ConfidenceThreshold: cfg.ConfidenceThreshold},
		logger.With("component", "parser"),
	), nil
}

// Source is an enabled message source.
type Source struct {
	Name   string
	Reader api.Reader
}

// Components is a fully wired pipeline.
type Components struct {
	Sources  []Source
	Queue    api.Queue
	Backend  *Backend
	Parser   *orchestrator.Orchestrator
	Mapper   *mapper.Mapper
	Pool     *worker.Pool
	ParseLog *buffered.Writer

	outcomes chan api.Outcome
	closers  []func() error
	closed   bool
}

// Close releases the backend and any parse-log files. Calling it again is a no-op.
func (c *Components) Close() {
	if c.closed {
		return
	}
	c.closed = true
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			slog.Warn("failed to close component", "error", err)
		}
	}
	c.Backend.Close()
}

// Build wires the pipeline described by cfg. Sources are created through the registry in
// the order SOURCES lists them.
func Build(ctx context.Context, cfg config.Config, registry *plugins.Registry, env plugins.Env, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if len(cfg.SourceList()) == 0 {
		return nil, errors.New("no sources enabled, set SOURCES")
	}

	backend, err := OpenBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	c, err := build(ctx, cfg, backend, registry, env, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return c, nil
}

func build(ctx context.Context, cfg config.Config, backend *Backend, registry *plugins.Registry, env plugins.Env, logger *slog.Logger) (_ *Components, err error) {
	c := &Components{
		Backend:  backend,
		outcomes: make(chan api.Outcome, outcomeBuffer),
	}
	defer func() {
		if err != nil {
			for _, closeFn := range c.closers {
				_ = closeFn()
			}
		}
	}()

	switch cfg.QueueBackend {
	case config.BackendPostgres:
		q, err := queuepg.New(ctx, backend.Pool, queuepg.Config{
			Lease:        cfg.QueueLease,
			PollInterval: cfg.QueuePollInterval,
		}, logger.With("component", "queue"))
		if err != nil {
			return nil, err
		}
		c.Queue = q
	default:
		c.Queue = queuemem.New(cfg.QueueLease)
	}

	parser, err := NewParser(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.Parser = parser

	if err := ensureMappings(ctx, cfg, backend.Store, logger); err != nil {
		return nil, err
	}
	c.Mapper = mapper.New(backend.Store, mapper.Config{
		RefreshInterval: cfg.MappingRefreshInterval,
	}, logger.With("component", "mapper"))

	c.Pool = worker.New(worker.Deps{
		Queue:    c.Queue,
		Parser:   parser,
		Resolver: c.Mapper,
		Store:    backend.Store,
		Outcomes: c.outcomes,
	}, worker.Config{
		Workers:        cfg.Workers,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
		ParseTimeout:   cfg.ParseTimeout,
		PersistTimeout: cfg.PersistTimeout,
	}, logger.With("component", "worker"))

	sinks := []api.OutcomeWriter{backend.Store}
	if cfg.ParseLogCSV != "" {
		w, err := csvlog.New(csvlog.Config{FilePath: cfg.ParseLogCSV}, logger.With("component", "parse_log_csv"))
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, w.Close)
		sinks = append(sinks, w)
	}
	c.ParseLog = buffered.New(fanOut(sinks), buffered.Config{
		BatchSize:     cfg.ParseLogBatch,
		FlushInterval: cfg.ParseLogFlush,
	}, logger.With("component", "parse_log"))

	env.Config = cfg
	for _, name := range cfg.SourceList() {
		reader, err := registry.CreateReader(name, env, logger.With("component", "reader", "source", name))
		if err != nil {
			return nil, fmt.Errorf("creating source %s: %w", name, err)
		}
		c.Sources = append(c.Sources, Source{Name: name, Reader: reader})
	}

	return c, nil
}

// fanOut writes every batch to all sinks and reports every failure.
func fanOut(sinks []api.OutcomeWriter) buffered.Flusher {
	return func(ctx context.Context, outcomes []api.Outcome) error {
		var errs []error
		for _, s := range sinks {
			if err := s.WriteOutcomes(ctx, outcomes); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// ensureMappings seeds the built-in operator table into an in-memory store. A durable
// store is only checked, since its table is managed with the mappings command.
func ensureMappings(ctx context.Context, cfg config.Config, store Store, logger *slog.Logger) error {
	if cfg.StoreBackend != config.BackendPostgres {
		return store.ReplaceMappings(ctx, mapper.DefaultMappings())
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := store.ActiveMappings(ctx)
	if err != nil {
		return fmt.Errorf("checking operator mappings: %w", err)
	}
	if len(rows) == 0 {
		logger.Warn("operator_mappings is empty, every operator will be unmapped; run `receiptd mappings seed`")
	}
	return nil
}
