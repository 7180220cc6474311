// Package orchestrator decides between the deterministic regex parser and the
// language-model fallback. It is the only place that choice is made.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ArionMiles/receiptd/pkg/api"
)

// DefaultConfidenceThreshold is the minimum regex confidence accepted without consulting
// the fallback.
const DefaultConfidenceThreshold = 0.8

// RegexParser is the deterministic first stage.
type RegexParser interface {
	Parse(text string) (*api.ParsedTransaction, bool)
}

// FallbackParser is the probabilistic second stage. Errors for which api.IsTransient
// holds are retried by the caller; any other error rejects the message.
type FallbackParser interface {
	Parse(ctx context.Context, text string) (*api.ParsedTransaction, error)
}

// Config holds orchestrator settings.
type Config struct {
	// ConfidenceThreshold defaults to DefaultConfidenceThreshold when zero.
	ConfidenceThreshold float64
}

// Orchestrator runs the regex parser and, when needed and available, the fallback.
type Orchestrator struct {
	regex     RegexParser
	fallback  FallbackParser
	threshold float64
	logger    *slog.Logger
}

// New creates an Orchestrator. A nil fallback puts it in regex-only mode, which is logged
// once here.
func New(regex RegexParser, fallback FallbackParser, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}

	if fallback == nil {
		logger.Warn("fallback parser unavailable, running in regex-only mode")
	}

	return &Orchestrator{
		regex:     regex,
		fallback:  fallback,
		threshold: cfg.ConfidenceThreshold,
		logger:    logger,
	}
}

// FallbackAvailable reports whether the fallback stage was configured.
func (o *Orchestrator) FallbackAvailable() bool {
	return o.fallback != nil
}

// Parse extracts a transaction from text.
//
// A regex match at or above the threshold is returned directly. Otherwise the fallback is
// consulted; if it is unavailable or rejects the text, a below-threshold regex match is
// still returned, and with no match at all the result is a *api.ParseFailure.
// Transient fallback errors are returned as-is so the caller can retry the message.
func (o *Orchestrator) Parse(ctx context.Context, text string) (*api.ParsedTransaction, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &api.ParseFailure{Reason: api.ReasonEmptyText}
	}

	tx, matched := o.regex.Parse(text)
	if matched && tx.ParsingConfidence >= o.threshold {
		return tx, nil
	}

	if o.fallback == nil {
		if matched {
			return tx, nil
		}
		return nil, &api.ParseFailure{Reason: api.ReasonFallbackUnavailable}
	}

	ftx, err := o.fallback.Parse(ctx, text)
	switch {
	case err == nil:
		return ftx, nil
	case api.IsTransient(err):
		return nil, fmt.Errorf("fallback parser: %w", err)
	case ctx.Err() != nil:
		return nil, api.Transient(fmt.Errorf("fallback parser interrupted: %w", ctx.Err()))
	case matched:
		o.logger.Debug("fallback rejected text, keeping low-confidence regex match",
			"format", tx.Format, "confidence", tx.ParsingConfidence, "error", err)
		return tx, nil
	default:
		return nil, &api.ParseFailure{Reason: api.ReasonFallbackRejected, Err: err}
	}
}
