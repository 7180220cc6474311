package plugins

import (
	"fmt"
	"log/slog"

	"github.com/ArionMiles/receiptd/pkg/api"
	gmailreader "github.com/ArionMiles/receiptd/pkg/reader/gmail"
	"github.com/ArionMiles/receiptd/pkg/reader/mbox"
	"github.com/ArionMiles/receiptd/pkg/reader/relay"
	"github.com/ArionMiles/receiptd/pkg/reader/telegram"
)

// Default returns a registry with every built-in source.
func Default() *Registry {
	r := NewRegistry()
	for _, p := range []SourcePlugin{
		TelegramPlugin{},
		RelayPlugin{},
		GmailPlugin{},
		MboxPlugin{},
	} {
		// Names are distinct constants.
		_ = r.Register(p)
	}
	return r
}

// TelegramPlugin is the bot session source.
type TelegramPlugin struct{}

func (TelegramPlugin) Name() string { return "telegram" }

func (TelegramPlugin) Description() string {
	return "Notifications sent or forwarded to a Telegram bot"
}

func (TelegramPlugin) RequiredScopes() []string { return nil }

func (TelegramPlugin) NewReader(env Env, logger *slog.Logger) (api.Reader, error) {
	chats, err := env.Config.AllowedChats()
	if err != nil {
		return nil, err
	}
	return telegram.New(telegram.Config{
		Token:        env.Config.TelegramBotToken,
		AllowedChats: chats,
	}, logger)
}

// RelayPlugin is the listener session source.
type RelayPlugin struct{}

func (RelayPlugin) Name() string { return "relay" }

func (RelayPlugin) Description() string {
	return "Listener session envelopes, one JSON object per line, from a file or stdin"
}

func (RelayPlugin) RequiredScopes() []string { return nil }

func (RelayPlugin) NewReader(env Env, logger *slog.Logger) (api.Reader, error) {
	return relay.New(relay.Config{Path: env.Config.RelayPath}, logger), nil
}

// GmailPlugin polls a Gmail mailbox.
type GmailPlugin struct{}

func (GmailPlugin) Name() string { return "gmail" }

func (GmailPlugin) Description() string {
	return "Notification mails from Gmail, marked read once queued"
}

func (GmailPlugin) RequiredScopes() []string { return gmailreader.Scopes }

func (p GmailPlugin) NewReader(env Env, logger *slog.Logger) (api.Reader, error) {
	if env.HTTPClient == nil {
		return nil, fmt.Errorf("gmail source requires an OAuth client")
	}
	httpClient, err := env.HTTPClient(p.RequiredScopes()...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail client: %w", err)
	}
	return gmailreader.New(httpClient, gmailreader.Config{
		Query:    env.Config.GmailQuery,
		Interval: env.Config.GmailInterval,
	}, logger)
}

// MboxPlugin replays an mbox archive.
type MboxPlugin struct{}

func (MboxPlugin) Name() string { return "mbox" }

func (MboxPlugin) Description() string {
	return "One-shot replay of an mbox archive for backfills"
}

func (MboxPlugin) RequiredScopes() []string { return nil }

func (MboxPlugin) NewReader(env Env, logger *slog.Logger) (api.Reader, error) {
	return mbox.New(mbox.Config{Path: env.Config.MboxPath}, logger)
}
