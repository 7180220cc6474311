package mapper

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ArionMiles/receiptd/pkg/api"
)

const (
	// DefaultRefreshInterval is how often the reference table is re-read.
	DefaultRefreshInterval = time.Minute
	// DefaultRefreshTimeout bounds a single reload.
	DefaultRefreshTimeout = 10 * time.Second
)

// Config holds Mapper settings.
type Config struct {
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration
}

// Mapper holds the current Snapshot and refreshes it from a MappingSource.
type Mapper struct {
	source     api.MappingSource
	cfg        Config
	logger     *slog.Logger
	current    atomic.Pointer[Snapshot]
	invalidate chan struct{}
}

// New creates a Mapper. It holds no snapshot until the first Refresh; until then every
// operator resolves as unmapped.
func New(source api.MappingSource, cfg Config, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}

	return &Mapper{
		source:     source,
		cfg:        cfg,
		logger:     logger,
		invalidate: make(chan struct{}, 1),
	}
}

// Snapshot returns the current snapshot, possibly nil before the first refresh.
func (m *Mapper) Snapshot() *Snapshot {
	return m.current.Load()
}

// Resolve looks operatorRaw up in the current snapshot.
func (m *Mapper) Resolve(operatorRaw string) (Resolution, bool) {
	return m.Snapshot().Resolve(operatorRaw)
}

// Refresh reloads the reference rows. On failure the previous snapshot stays in place.
func (m *Mapper) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout)
	defer cancel()

	rows, err := m.source.ActiveMappings(ctx)
	if err != nil {
		return fmt.Errorf("loading operator mappings: %w", err)
	}

	snap := NewSnapshot(rows, time.Now())
	prev := m.current.Swap(snap)
	if prev == nil || prev.Len() != snap.Len() {
		m.logger.Info("operator mappings loaded", "rules", snap.Len())
	} else {
		m.logger.Debug("operator mappings refreshed", "rules", snap.Len())
	}
	return nil
}

// Invalidate requests a refresh as soon as Run can perform it. It never blocks.
func (m *Mapper) Invalidate() {
	select {
	case m.invalidate <- struct{}{}:
	default:
	}
}

// Run refreshes on the configured interval and on invalidation until ctx is canceled.
func (m *Mapper) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-m.invalidate:
			m.logger.Debug("operator mappings invalidated")
		}
		if err := m.Refresh(ctx); err != nil {
			m.logger.Warn("failed to refresh operator mappings, keeping previous snapshot", "error", err)
		}
	}
}
