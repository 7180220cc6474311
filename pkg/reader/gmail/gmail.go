// Package gmail implements a Reader that polls a Gmail mailbox for notification mails.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/ArionMiles/receiptd/internal/mailtext"
	"github.com/ArionMiles/receiptd/pkg/api"
)

// Identity is the BotIdentity of mail messages.
const Identity = "gmail"

// Scopes are the OAuth scopes the reader needs: reading mail and removing the UNREAD label.
var Scopes = []string{gmail.GmailModifyScope}

// Reader reads notification mails from Gmail.
type Reader struct {
	client     *gmail.Service
	query      string
	interval   time.Duration
	maxResults int64
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// Config holds configuration for the Gmail reader.
type Config struct {
	// Query selects the mails to ingest. Defaults to "is:unread".
	Query string
	// Interval between polls. Defaults to 30 seconds.
	Interval time.Duration
	// MaxResults caps the messages fetched per poll. Defaults to 100.
	MaxResults int64
}

// New creates a new Gmail reader. Extra client options are passed to the Gmail service.
func New(httpClient *http.Client, cfg Config, logger *slog.Logger, opts ...option.ClientOption) (*Reader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	client, err := gmail.NewService(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}

	if cfg.Query == "" {
		cfg.Query = "is:unread"
	}
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxResults == 0 {
		cfg.MaxResults = 100
	}

	return &Reader{
		client:     client,
		query:      cfg.Query,
		interval:   cfg.Interval,
		maxResults: cfg.MaxResults,
		logger:     logger,
		pending:    make(map[string]struct{}),
	}, nil
}

// Read polls the mailbox and sends matching mails to the output channel until ctx is
// canceled. Mails are only marked as read after their acknowledgment arrives on ackChan,
// which happens once they are enqueued.
func (r *Reader) Read(ctx context.Context, out chan<- *api.RawMessage, ackChan <-chan string) error {
	defer close(out)

	// Start goroutine to mark messages as read when acknowledged
	go r.handleAcknowledgments(ctx, ackChan)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Run immediately on start
	r.poll(ctx, out)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("gmail reader stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			r.poll(ctx, out)
		}
	}
}

// handleAcknowledgments marks emails as read once they are safely enqueued.
func (r *Reader) handleAcknowledgments(ctx context.Context, ackChan <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case msgID, ok := <-ackChan:
			if !ok {
				r.logger.Info("acknowledgment channel closed")
				return
			}
			r.markAsRead(ctx, msgID)
		}
	}
}

// markAsRead marks a message as read in Gmail.
func (r *Reader) markAsRead(ctx context.Context, msgID string) {
	_, err := r.client.Users.Messages.Modify("me", msgID, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(ctx).Do()
	if err != nil {
		// The mail stays unread and the next poll offers it again.
		r.logger.Warn("failed to mark message as read", "message_id", msgID, "error", err)
	} else {
		r.logger.Debug("marked message as read", "message_id", msgID)
	}

	r.mu.Lock()
	delete(r.pending, msgID)
	r.mu.Unlock()
}

// claim records msgID as emitted and reports whether it was not already in flight.
func (r *Reader) claim(msgID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[msgID]; ok {
		return false
	}
	r.pending[msgID] = struct{}{}
	return true
}

func (r *Reader) release(msgID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, msgID)
}

func (r *Reader) poll(ctx context.Context, out chan<- *api.RawMessage) {
	resp, err := r.client.Users.Messages.List("me").Q(r.query).MaxResults(r.maxResults).Context(ctx).Do()
	if err != nil {
		r.logger.Error("failed to list messages", "query", r.query, "error", err)
		return
	}

	r.logger.Debug("found messages", "query", r.query, "count", len(resp.Messages))

	for _, msg := range resp.Messages {
		if !r.claim(msg.Id) {
			continue
		}
		if err := r.processMessage(ctx, msg.Id, out); err != nil {
			r.release(msg.Id)
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("failed to process message", "message_id", msg.Id, "error", err)
		}
	}
}

func (r *Reader) processMessage(ctx context.Context, msgID string, out chan<- *api.RawMessage) error {
	msg, err := r.client.Users.Messages.Get("me", msgID).Format("full").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("getting message: %w", err)
	}

	raw, ok := ToRawMessage(msg)
	if !ok {
		r.logger.Warn("empty message body", "message_id", msgID, "subject", header(msg.Payload, "Subject"))
		r.release(msgID)
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- raw:
	}
	return nil
}

// ToRawMessage converts a full-format Gmail message. It reports false when the message
// carries no text.
func ToRawMessage(msg *gmail.Message) (*api.RawMessage, bool) {
	if msg == nil || msg.Payload == nil {
		return nil, false
	}

	text := ExtractText(msg.Payload)
	if text == "" {
		return nil, false
	}

	return &api.RawMessage{
		OriginChatID:    senderAddress(header(msg.Payload, "From")),
		OriginMessageID: msg.Id,
		BotIdentity:     Identity,
		Source:          api.SourceMail,
		Text:            text,
		ReceivedAt:      time.UnixMilli(msg.InternalDate),
		AckKey:          msg.Id,
	}, true
}

// ExtractText returns the text/plain body of a message part tree, falling back to the
// rendered text/html body.
func ExtractText(part *gmail.MessagePart) string {
	if text := findBody(part, "text/plain"); text != "" {
		return mailtext.Clean(text)
	}
	if html := findBody(part, "text/html"); html != "" {
		return mailtext.FromHTML(html)
	}
	return ""
}

func findBody(part *gmail.MessagePart, mimeType string) string {
	if part == nil {
		return ""
	}
	if strings.HasPrefix(part.MimeType, mimeType) && part.Body != nil && part.Body.Data != "" {
		if data, err := decode(part.Body.Data); err == nil {
			return string(data)
		}
	}
	for _, child := range part.Parts {
		if text := findBody(child, mimeType); text != "" {
			return text
		}
	}
	return ""
}

// decode handles Gmail's URL-safe base64, with or without padding.
func decode(data string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(data)
}

func header(part *gmail.MessagePart, name string) string {
	if part == nil {
		return ""
	}
	for _, h := range part.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func senderAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return addr.Address
	}
	return strings.TrimSpace(from)
}
