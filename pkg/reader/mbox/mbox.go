// Package mbox implements a Reader that replays an mbox archive, for backfilling
// notifications received by mail before the live sources were running.
package mbox

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"strings"

	gombox "github.com/emersion/go-mbox"

	"github.com/ArionMiles/receiptd/internal/mailtext"
	"github.com/ArionMiles/receiptd/pkg/api"
)

// Identity is the BotIdentity of replayed messages.
const Identity = "mbox"

// Config holds configuration for the mbox reader.
type Config struct {
	// Path is the mbox file to replay.
	Path string
}

// Reader replays an mbox file once.
type Reader struct {
	path   string
	logger *slog.Logger
}

// New creates a Reader for cfg.Path.
func New(cfg Config, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("mbox path is required")
	}
	return &Reader{path: cfg.Path, logger: logger}, nil
}

// Read emits one RawMessage per mail with a text body, then returns.
func (r *Reader) Read(ctx context.Context, out chan<- *api.RawMessage, ackChan <-chan string) error {
	defer close(out)

	go drain(ctx, ackChan)

	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("opening mbox %s: %w", r.path, err)
	}
	defer f.Close()

	mr := gombox.NewReader(f)
	count, skipped := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := mr.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading mbox %s: %w", r.path, err)
		}

		msg, err := Convert(entry)
		if err != nil {
			skipped++
			r.logger.Warn("skipping unreadable mail", "index", count+skipped, "error", err)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- msg:
			count++
		}
	}

	r.logger.Info("mbox replay complete", "path", r.path, "messages", count, "skipped", skipped)
	return nil
}

// Convert parses one RFC 5322 message into a RawMessage.
func Convert(rd io.Reader) (*api.RawMessage, error) {
	m, err := mail.ReadMessage(rd)
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	text, err := bodyText(m.Header.Get("Content-Type"), m.Header.Get("Content-Transfer-Encoding"), m.Body)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, fmt.Errorf("message has no text body")
	}

	from := m.Header.Get("From")
	if addr, err := mail.ParseAddress(from); err == nil {
		from = addr.Address
	}

	received, err := m.Header.Date()
	if err != nil {
		return nil, fmt.Errorf("message without a valid Date header: %w", err)
	}

	id := strings.Trim(m.Header.Get("Message-Id"), "<> ")
	if id == "" {
		// Stable across replays of the same archive.
		sum := sha256.Sum256([]byte(from + "\x00" + m.Header.Get("Date") + "\x00" + text))
		id = hex.EncodeToString(sum[:8])
	}

	return &api.RawMessage{
		OriginChatID:    from,
		OriginMessageID: id,
		BotIdentity:     Identity,
		Source:          api.SourceReplay,
		Text:            text,
		ReceivedAt:      received,
	}, nil
}

// bodyText returns the text/plain part, or the rendered text/html part when there is no
// plain alternative.
func bodyText(contentType, encoding string, body io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		var htmlText string
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return "", fmt.Errorf("reading multipart body: %w", err)
			}

			text, err := bodyText(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
			if err != nil {
				return "", err
			}
			if text == "" {
				continue
			}
			ptype, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
			if ptype == "text/html" {
				if htmlText == "" {
					htmlText = text
				}
				continue
			}
			return text, nil
		}
		return htmlText, nil
	}

	if mediaType != "text/plain" && mediaType != "text/html" {
		return "", nil
	}

	raw, err := io.ReadAll(decoder(encoding, body))
	if err != nil {
		return "", fmt.Errorf("decoding body: %w", err)
	}
	if mediaType == "text/html" {
		return mailtext.FromHTML(string(raw)), nil
	}
	return mailtext.Clean(string(raw)), nil
}

func decoder(encoding string, body io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, body)
	case "quoted-printable":
		return quotedprintable.NewReader(body)
	default:
		return body
	}
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
