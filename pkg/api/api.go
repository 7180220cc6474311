// Package api defines the core interfaces and data structures for receiptd.
package api

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SourceKind identifies the kind of session a message arrived through.
type SourceKind string

const (
	// SourceBot is a manually operated bot session.
	SourceBot SourceKind = "bot"
	// SourceListener is a passive listener session relaying a user account's chats.
	SourceListener SourceKind = "listener"
	// SourceMail is a mailbox polled over an API.
	SourceMail SourceKind = "mail"
	// SourceReplay is an offline backfill from an archive.
	SourceReplay SourceKind = "replay"
)

// RawMessage is a notification as received from a source, before any parsing.
// It is never modified after the source adapter creates it.
type RawMessage struct {
	OriginChatID    string     `json:"origin_chat_id"`
	OriginMessageID string     `json:"origin_message_id"`
	BotIdentity     string     `json:"bot_identity"`
	Source          SourceKind `json:"source"`
	Text            string     `json:"text"`
	ReceivedAt      time.Time  `json:"received_at"`

	// AckKey is sent back to the producing reader once the message is safely enqueued.
	// Empty when the reader does not track acknowledgments.
	AckKey string `json:"-"`
}

// Fingerprint is the hex digest identifying a unique ingestion event.
type Fingerprint string

// TransactionType classifies the direction of a transaction.
type TransactionType string

const (
	Debit      TransactionType = "DEBIT"
	Credit     TransactionType = "CREDIT"
	Conversion TransactionType = "CONVERSION"
	Reversal   TransactionType = "REVERSAL"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case Debit, Credit, Conversion, Reversal:
		return true
	}
	return false
}

// ParsingMethod names the parser stage that produced a ParsedTransaction.
type ParsingMethod string

const (
	MethodRegex ParsingMethod = "REGEX"
	MethodLLM   ParsingMethod = "LLM"
)

// SourceChannel is the delivery channel inferred from the notification text.
type SourceChannel string

const (
	ChannelTelegram SourceChannel = "TELEGRAM"
	ChannelSMS      SourceChannel = "SMS"
	ChannelMail     SourceChannel = "MAIL"
)

// ParsedTransaction holds the fields extracted from a notification.
type ParsedTransaction struct {
	Amount            decimal.Decimal     `json:"amount"`
	Currency          string              `json:"currency"`
	OperatorRaw       string              `json:"operator_raw"`
	CardLast4         string              `json:"card_last_4,omitempty"`
	TransactionDate   time.Time           `json:"transaction_date"`
	TransactionType   TransactionType     `json:"transaction_type"`
	BalanceAfter      decimal.NullDecimal `json:"balance_after"`
	ParsingMethod     ParsingMethod       `json:"parsing_method"`
	ParsingConfidence float64             `json:"parsing_confidence"`
	// Format is the regex format name that matched. Empty for LLM results.
	Format string `json:"format,omitempty"`
}

// SourceMetadata describes where a persisted transaction came from.
type SourceMetadata struct {
	ChatID      string        `json:"chat_id"`
	MessageID   string        `json:"message_id"`
	BotIdentity string        `json:"bot_identity"`
	Kind        SourceKind    `json:"kind"`
	Channel     SourceChannel `json:"channel"`
	ReceivedAt  time.Time     `json:"received_at"`
}

// Transaction is the persisted record: a parsed transaction plus its identity and mapping.
type Transaction struct {
	ParsedTransaction

	Fingerprint Fingerprint `json:"fingerprint"`
	// ApplicationMapped is empty when the operator did not resolve.
	ApplicationMapped string         `json:"application_mapped,omitempty"`
	IsP2P             bool           `json:"is_p2p"`
	Source            SourceMetadata `json:"source"`
	RawText           string         `json:"raw_text"`
}

// OperatorMapping is one row of the operator reference table.
type OperatorMapping struct {
	ID              int64  `json:"id,omitempty"`
	Pattern         string `json:"operator_pattern"`
	ApplicationName string `json:"application_name"`
	IsP2P           bool   `json:"is_p2p"`
	Priority        int    `json:"priority"`
	IsActive        bool   `json:"is_active"`
}

// Reader reads raw messages from a source and sends them to the provided channel.
// Implementations close the channel when they return.
// The ackChan carries AckKey values of messages that were durably enqueued.
type Reader interface {
	Read(ctx context.Context, out chan<- *RawMessage, ackChan <-chan string) error
}

// Delivery is a leased queue item. It stays invisible to other consumers until it is
// acknowledged, negatively acknowledged, or its lease expires.
type Delivery struct {
	ID      string
	Message *RawMessage
	// Deliveries counts how many times the item has been handed out, this one included.
	Deliveries int
	EnqueuedAt time.Time
}

// Queue is an at-least-once work queue of raw messages.
type Queue interface {
	Enqueue(ctx context.Context, msg *RawMessage) error
	// Dequeue blocks until an item is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Ack removes a delivered item permanently.
	Ack(ctx context.Context, d *Delivery) error
	// Nack returns a delivered item to the queue, visible again after delay.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
	// Pending counts items not yet acknowledged, leased ones included.
	Pending(ctx context.Context) (int64, error)
}

// InsertOutcome is the result of an insert-if-absent call.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota + 1
	Duplicate
)

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// TransactionStore is the persistence gateway for transactions.
type TransactionStore interface {
	// Exists reports whether a transaction with the fingerprint is already stored.
	Exists(ctx context.Context, fp Fingerprint) (bool, error)
	// InsertIfAbsent stores tx unless its fingerprint is already present.
	// The check and the insert are atomic.
	InsertIfAbsent(ctx context.Context, tx *Transaction) (InsertOutcome, error)
}

// MappingSource provides the active rows of the operator reference table.
type MappingSource interface {
	ActiveMappings(ctx context.Context) ([]OperatorMapping, error)
}

// Failure is a message retained after it left the pipeline without being persisted.
type Failure struct {
	Fingerprint Fingerprint
	State       State
	Reason      string
	Attempts    int
	Message     RawMessage
	At          time.Time
}

// FailureStore retains unparseable and dead-lettered messages for manual review.
type FailureStore interface {
	RetainFailure(ctx context.Context, f Failure) error
}

// Outcome is one parse-log entry describing how a delivery was processed.
type Outcome struct {
	Fingerprint Fingerprint
	DeliveryID  string
	State       State
	Method      ParsingMethod
	Reason      string
	Duration    time.Duration
	At          time.Time
}

// OutcomeWriter stores batches of parse-log entries.
type OutcomeWriter interface {
	WriteOutcomes(ctx context.Context, outcomes []Outcome) error
}

// Counts summarizes the pipeline's terminal outcomes for monitoring.
type Counts struct {
	Persisted    int64
	Unparseable  int64
	DeadLettered int64
}
