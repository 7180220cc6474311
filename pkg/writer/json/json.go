// Package json writes raw messages as relay envelopes, one JSON object per line, so that
// captured notifications can be replayed through the relay source.
package json

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ArionMiles/receiptd/pkg/api"
	"github.com/ArionMiles/receiptd/pkg/reader/relay"
)

// Writer encodes messages to an underlying stream.
type Writer struct {
	mu    sync.Mutex
	enc   *json.Encoder
	count int
}

// New creates a Writer on w.
func New(w io.Writer) *Writer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Writer{enc: enc}
}

// Write appends msg as one line.
func (w *Writer) Write(msg *api.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enc.Encode(relay.FromRawMessage(msg)); err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of messages written.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
