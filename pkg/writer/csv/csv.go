// Package csv appends parse-log entries to a CSV file, one row per outcome.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/ArionMiles/receiptd/pkg/api"
)

type column struct {
	name  string
	value func(api.Outcome) string
}

var columns = []column{
	{"At", func(o api.Outcome) string { return o.At.UTC().Format(time.RFC3339Nano) }},
	{"Fingerprint", func(o api.Outcome) string { return string(o.Fingerprint) }},
	{"Delivery", func(o api.Outcome) string { return o.DeliveryID }},
	{"State", func(o api.Outcome) string { return string(o.State) }},
	{"Method", func(o api.Outcome) string { return string(o.Method) }},
	{"Reason", func(o api.Outcome) string { return o.Reason }},
	{"DurationMs", func(o api.Outcome) string { return strconv.FormatInt(o.Duration.Milliseconds(), 10) }},
}

// Header is the first row of every file.
var Header = func() []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.name
	}
	return names
}()

// Config holds configuration for the CSV writer.
type Config struct {
	// FilePath is created if missing and appended to otherwise.
	FilePath string
}

// Writer implements api.OutcomeWriter. It is safe for concurrent use.
type Writer struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
	csv  *csv.Writer
	rows int
}

// New opens cfg.FilePath. An existing file must start with Header, so rows from an
// older layout are never mixed with new ones.
func New(cfg Config, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening csv file: %w", err)
	}

	w := &Writer{path: cfg.FilePath, logger: logger, file: file, csv: csv.NewWriter(file)}
	if err := w.prepare(); err != nil {
		return nil, errors.Join(err, file.Close())
	}

	logger.Info("csv parse log opened", "file", cfg.FilePath)
	return w, nil
}

func (w *Writer) prepare() error {
	existing, err := csv.NewReader(w.file).Read()
	switch {
	case errors.Is(err, io.EOF):
		return w.flush(Header)
	case err != nil:
		return fmt.Errorf("reading csv header: %w", err)
	case !slices.Equal(existing, Header):
		return fmt.Errorf("%s has header %v, expected %v", w.path, existing, Header)
	}
	return nil
}

func (w *Writer) flush(records ...[]string) error {
	if err := w.csv.WriteAll(records); err != nil {
		return fmt.Errorf("writing csv: %w", err)
	}
	return nil
}

// WriteOutcomes appends a batch and flushes it to the file.
func (w *Writer) WriteOutcomes(_ context.Context, outcomes []api.Outcome) error {
	records := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		row := make([]string, len(columns))
		for i, c := range columns {
			row[i] = c.value(o)
		}
		records = append(records, row)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flush(records...); err != nil {
		return err
	}
	w.rows += len(records)
	w.logger.Debug("appended outcomes", "count", len(records))
	return nil
}

// Close closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.csv.Flush()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing csv file: %w", err)
	}
	w.logger.Info("csv parse log closed", "file", w.path, "rows", w.rows)
	return nil
}
