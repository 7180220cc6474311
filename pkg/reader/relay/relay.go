// Package relay implements a Reader for the listener session. The listener pushes one
// JSON envelope per line; this reader consumes them from a file, a pipe or stdin.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ArionMiles/receiptd/pkg/api"
)

// maxLineSize bounds a single envelope.
const maxLineSize = 1 << 20

// Envelope is the listener's wire format.
type Envelope struct {
	RawText         string    `json:"raw_text"`
	SourceType      string    `json:"source_type"`
	SourceChatID    ID        `json:"source_chat_id"`
	SourceMessageID ID        `json:"source_message_id"`
	BotIdentity     string    `json:"bot_identity,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

// ID accepts both JSON numbers and strings, since listeners emit chat ids either way.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Kind maps the envelope's source_type to a SourceKind.
func (e Envelope) Kind() api.SourceKind {
	switch strings.ToLower(strings.TrimSpace(e.SourceType)) {
	case "bot", "manual":
		return api.SourceBot
	case "mail", "email":
		return api.SourceMail
	case "replay", "backfill":
		return api.SourceReplay
	default:
		return api.SourceListener
	}
}

// Decode parses one envelope line.
func Decode(line []byte, now time.Time) (*api.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.SourceChatID == "" {
		return nil, fmt.Errorf("envelope without source_chat_id")
	}
	received := env.ReceivedAt
	if received.IsZero() {
		received = now
	}

	return &api.RawMessage{
		OriginChatID:    string(env.SourceChatID),
		OriginMessageID: string(env.SourceMessageID),
		BotIdentity:     env.BotIdentity,
		Source:          env.Kind(),
		Text:            env.RawText,
		ReceivedAt:      received,
	}, nil
}

// FromRawMessage is the inverse of Decode.
func FromRawMessage(msg *api.RawMessage) Envelope {
	return Envelope{
		RawText:         msg.Text,
		SourceType:      string(msg.Source),
		SourceChatID:    ID(msg.OriginChatID),
		SourceMessageID: ID(msg.OriginMessageID),
		BotIdentity:     msg.BotIdentity,
		ReceivedAt:      msg.ReceivedAt,
	}
}

// Config holds configuration for the relay reader.
type Config struct {
	// Path is the file to read. "-" or empty reads stdin.
	Path string
}

// Reader reads listener envelopes line by line.
type Reader struct {
	open   func() (io.ReadCloser, error)
	name   string
	logger *slog.Logger
}

// New creates a Reader for cfg.Path.
func New(cfg Config, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Path == "" || cfg.Path == "-" {
		return NewFromReader(os.Stdin, "stdin", logger)
	}
	return &Reader{
		open:   func() (io.ReadCloser, error) { return os.Open(cfg.Path) },
		name:   cfg.Path,
		logger: logger,
	}
}

// NewFromReader creates a Reader over an already open stream.
func NewFromReader(rd io.Reader, name string, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		open:   func() (io.ReadCloser, error) { return io.NopCloser(rd), nil },
		name:   name,
		logger: logger,
	}
}

// Read emits one RawMessage per valid line until the stream ends or ctx is canceled.
// Malformed lines are logged and skipped.
func (r *Reader) Read(ctx context.Context, out chan<- *api.RawMessage, ackChan <-chan string) error {
	defer close(out)

	go drain(ctx, ackChan)

	rc, err := r.open()
	if err != nil {
		return fmt.Errorf("opening relay input %s: %w", r.name, err)
	}
	defer rc.Close()

	// Scanning blocks on stdin; closing the stream on cancel unblocks it where supported.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			rc.Close()
		case <-stop:
		}
	}()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	lineNo, emitted := 0, 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		msg, err := Decode(line, time.Now())
		if err != nil {
			r.logger.Warn("skipping malformed relay line", "input", r.name, "line", lineNo, "error", err)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- msg:
			emitted++
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading relay input %s: %w", r.name, err)
	}

	r.logger.Info("relay input exhausted", "input", r.name, "lines", lineNo, "messages", emitted)
	return ctx.Err()
}

func drain(ctx context.Context, ackChan <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ackChan:
			if !ok {
				return
			}
		}
	}
}
