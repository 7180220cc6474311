package relay

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArionMiles/receiptd/pkg/api"
	"github.com/ArionMiles/receiptd/pkg/logging"
)

func TestDecode(t *testing.T) {
	now := time.Date(2025, 4, 5, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		line     string
		wantChat string
		wantMsg  string
		wantKind api.SourceKind
		wantAt   time.Time
		wantErr  bool
	}{
		{
			name:     "numeric ids",
			line:     `{"raw_text":"💸 Оплата","source_type":"userbot","source_chat_id":-1001234,"source_message_id":77,"received_at":"2025-04-05T12:58:00+05:00"}`,
			wantChat: "-1001234",
			wantMsg:  "77",
			wantKind: api.SourceListener,
			wantAt:   time.Date(2025, 4, 5, 7, 58, 0, 0, time.UTC),
		},
		{
			name:     "string ids and bot source",
			line:     `{"raw_text":"x","source_type":"BOT","source_chat_id":"915326936","source_message_id":"3"}`,
			wantChat: "915326936",
			wantMsg:  "3",
			wantKind: api.SourceBot,
			wantAt:   now,
		},
		{
			name:    "missing chat",
			line:    `{"raw_text":"x"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			line:    `raw text`,
			wantErr: true,
		},
		{
			name:    "object id",
			line:    `{"raw_text":"x","source_chat_id":{"id":1}}`,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.line), now)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantChat, msg.OriginChatID)
			assert.Equal(t, tc.wantMsg, msg.OriginMessageID)
			assert.Equal(t, tc.wantKind, msg.Source)
			assert.True(t, tc.wantAt.Equal(msg.ReceivedAt), "received_at %v", msg.ReceivedAt)
		})
	}
}

func TestRead_SkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"raw_text":"first","source_type":"listener","source_chat_id":1,"source_message_id":1}`,
		``,
		`garbage`,
		`{"raw_text":"second","source_type":"listener","source_chat_id":1,"source_message_id":2}`,
	}, "\n")

	r := NewFromReader(strings.NewReader(input), "test", logging.Discard())
	out := make(chan *api.RawMessage, 4)
	require.NoError(t, r.Read(context.Background(), out, nil))

	var texts []string
	for m := range out {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"first", "second"}, texts)
}

func TestRead_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.jsonl")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"raw_text":"only","source_chat_id":"c","source_message_id":"m"}`+"\n"), 0o600))

	r := New(Config{Path: path}, logging.Discard())
	out := make(chan *api.RawMessage, 1)
	require.NoError(t, r.Read(context.Background(), out, nil))

	m := <-out
	require.NotNil(t, m)
	assert.Equal(t, "only", m.Text)
}

func TestRead_MissingFile(t *testing.T) {
	r := New(Config{Path: filepath.Join(t.TempDir(), "absent.jsonl")}, logging.Discard())
	err := r.Read(context.Background(), make(chan *api.RawMessage, 1), nil)
	assert.Error(t, err)
}

func TestFromRawMessage_RoundTrip(t *testing.T) {
	for _, kind := range []api.SourceKind{api.SourceBot, api.SourceListener, api.SourceMail, api.SourceReplay} {
		msg := &api.RawMessage{
			OriginChatID:    "-1001",
			OriginMessageID: "42",
			BotIdentity:     "receipts_bot",
			Source:          kind,
			Text:            "line one\nline two",
			ReceivedAt:      time.Date(2025, 4, 5, 7, 58, 0, 0, time.UTC),
		}

		line, err := json.Marshal(FromRawMessage(msg))
		require.NoError(t, err)

		got, err := Decode(line, time.Now())
		require.NoError(t, err)
		assert.Equal(t, msg, got, string(kind))
	}
}
