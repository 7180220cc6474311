// Package telegram implements a Reader for the bot session: notifications sent or
// forwarded to a Telegram bot.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ArionMiles/receiptd/pkg/api"
)

// Bot is the subset of *tgbotapi.BotAPI the reader uses.
type Bot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Config holds configuration for the Telegram reader.
type Config struct {
	// Token is the bot token. Required by New.
	Token string
	// AllowedChats restricts which chats are accepted. Empty accepts every chat.
	AllowedChats []int64
	// PollTimeout is the long-polling timeout in seconds. Defaults to 30.
	PollTimeout int
}

// Reader reads notifications from a Telegram bot.
type Reader struct {
	bot      Bot
	identity string
	cfg      Config
	logger   *slog.Logger
}

// New connects to the Bot API with cfg.Token.
func New(cfg Config, logger *slog.Logger) (*Reader, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}

	return NewWithBot(bot, bot.Self.UserName, cfg, logger), nil
}

// NewWithBot creates a Reader over an existing bot. identity names the bot in each
// RawMessage.
func NewWithBot(bot Bot, identity string, cfg Config, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}

	return &Reader{
		bot:      bot,
		identity: identity,
		cfg:      cfg,
		logger:   logger,
	}
}

// Read forwards incoming text messages until ctx is canceled.
// Updates are confirmed to Telegram by the polling offset, so acknowledgments are drained
// without further action.
func (r *Reader) Read(ctx context.Context, out chan<- *api.RawMessage, ackChan <-chan string) error {
	defer close(out)

	go drain(ctx, ackChan)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = r.cfg.PollTimeout
	updates := r.bot.GetUpdatesChan(u)
	defer r.bot.StopReceivingUpdates()

	r.logger.Info("telegram reader started", "bot", r.identity, "allowed_chats", len(r.cfg.AllowedChats))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("telegram reader stopping", "reason", ctx.Err())
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}

			msg, ok := FromUpdate(update, r.identity)
			if !ok {
				continue
			}
			if !r.allowed(update) {
				r.logger.Debug("ignoring message from chat not in allow list", "chat_id", chatOf(update))
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- msg:
			}
		}
	}
}

func (r *Reader) allowed(update tgbotapi.Update) bool {
	if len(r.cfg.AllowedChats) == 0 {
		return true
	}
	return slices.Contains(r.cfg.AllowedChats, chatOf(update))
}

func chatOf(update tgbotapi.Update) int64 {
	if m := message(update); m != nil && m.Chat != nil {
		return m.Chat.ID
	}
	return 0
}

func message(update tgbotapi.Update) *tgbotapi.Message {
	switch {
	case update.Message != nil:
		return update.Message
	case update.ChannelPost != nil:
		return update.ChannelPost
	default:
		return nil
	}
}

// FromUpdate converts a Telegram update into a RawMessage. Edits and updates without text
// are ignored. A forwarded message keeps the identity of the original post so that the
// same notification forwarded twice is recognized as one event.
func FromUpdate(update tgbotapi.Update, identity string) (*api.RawMessage, bool) {
	m := message(update)
	if m == nil || m.Chat == nil {
		return nil, false
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if strings.TrimSpace(text) == "" {
		return nil, false
	}

	chatID := m.Chat.ID
	messageID := m.MessageID
	if m.ForwardFromChat != nil && m.ForwardFromMessageID != 0 {
		chatID = m.ForwardFromChat.ID
		messageID = m.ForwardFromMessageID
	}

	return &api.RawMessage{
		OriginChatID:    strconv.FormatInt(chatID, 10),
		OriginMessageID: strconv.Itoa(messageID),
		BotIdentity:     identity,
		Source:          api.SourceBot,
		Text:            text,
		ReceivedAt:      m.Time(),
	}, true
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
