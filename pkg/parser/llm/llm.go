// Package llm implements the language-model fallback parser on top of the Gemini API.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/shopspring/decimal"
	"google.golang.org/genai"

	"github.com/ArionMiles/receiptd/pkg/api"
)

const (
	DefaultModel      = "gemini-2.5-flash"
	DefaultTimeout    = 20 * time.Second
	DefaultAttempts   = 2
	DefaultRetryDelay = 500 * time.Millisecond
)

const systemPrompt = `You extract transactions from Uzbek bank and payment-app notifications (Uzcard, Humo, Click, Payme, Paynet, bank SMS).

Context:
- Amounts are usually in UZS, sometimes USD. Separators vary: "400.000,00" and "400,000.00" are the same amount.
- Dates appear as DD.MM.YY, DD.MM.YYYY, YY-MM-DD or YYYY-MM-DD, with HH:MM times in Tashkent local time.
- The operator is the merchant or payment gateway name exactly as written (for example "OQ P2P>TASHKENT").
- Cards are shown by their last four digits after asterisks (***6714, *6714).
- transaction_type is one of:
  DEBIT for payments, purchases and withdrawals (Оплата, Pokupka, Spisanie, oplata),
  CREDIT for deposits and refunds (Пополнение, Popolnenie),
  CONVERSION for currency exchange (Конверсия),
  REVERSAL for cancellations (OTMENA, Отмена).

Return a single JSON object with the fields amount, currency, transaction_date_iso (YYYY-MM-DDTHH:MM:SS),
card_last_4, operator_raw, transaction_type, balance_after and confidence (0.0 to 1.0, how certain you are).
Use null for fields that are not present. Do not wrap the JSON in Markdown.`

// Generator is the subset of the Gemini client used by the parser.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config holds fallback parser settings.
type Config struct {
	APIKey string
	Model  string
	// Timeout bounds a single inference call.
	Timeout time.Duration
	// Attempts is the number of calls made for one Parse when the service is unreachable.
	Attempts   uint
	RetryDelay time.Duration
	// Location is applied to timestamps returned without a zone.
	Location *time.Location
}

// Available reports whether cfg carries a usable credential.
func Available(cfg Config) bool {
	return strings.TrimSpace(cfg.APIKey) != ""
}

// Parser calls the model once per Parse, with bounded retries on transport failures.
type Parser struct {
	gen       Generator
	model     string
	timeout   time.Duration
	attempts  uint
	delay     time.Duration
	location  *time.Location
	genConfig *genai.GenerateContentConfig
	logger    *slog.Logger
}

// New creates a Parser backed by the Gemini API. Without an API key it returns an error
// wrapping api.ErrUnavailable and makes no network call.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Parser, error) {
	if !Available(cfg) {
		return nil, fmt.Errorf("gemini fallback parser: %w", api.ErrUnavailable)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return NewWithGenerator(client.Models, cfg, logger), nil
}

// NewWithGenerator creates a Parser around an existing generator.
func NewWithGenerator(gen Generator, cfg Config, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	return &Parser{
		gen:      gen,
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		attempts: cfg.Attempts,
		delay:    cfg.RetryDelay,
		location: cfg.Location,
		genConfig: &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
			Temperature:       genai.Ptr[float32](0.1),
			ResponseMIMEType:  "application/json",
			ResponseSchema:    responseSchema(),
		},
		logger: logger,
	}
}

// Parse extracts a transaction from text.
//
// Transport failures and timeouts are retried up to the configured attempt count and then
// returned wrapped as api.ErrTransient. A response that cannot be turned into a valid
// transaction is returned as *ParseError and is not retried.
func (p *Parser) Parse(ctx context.Context, text string) (*api.ParsedTransaction, error) {
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: "Parse this financial notification:\n\n" + text}},
	}}

	var result *api.ParsedTransaction
	err := retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()

			resp, err := p.gen.GenerateContent(callCtx, p.model, contents, p.genConfig)
			if err != nil {
				return api.Transient(fmt.Errorf("generating content: %w", err))
			}

			tx, err := p.decode(resp.Text())
			if err != nil {
				return err
			}
			result = tx
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(p.attempts),
		retry.Delay(p.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(api.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("fallback inference failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ParseError reports a model response that does not describe a valid transaction.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return "invalid model response: " + e.Reason
}

type inference struct {
	Amount             decimal.NullDecimal `json:"amount"`
	Currency           *string             `json:"currency"`
	TransactionDateISO string              `json:"transaction_date_iso"`
	CardLast4          *string             `json:"card_last_4"`
	OperatorRaw        *string             `json:"operator_raw"`
	TransactionType    string              `json:"transaction_type"`
	BalanceAfter       decimal.NullDecimal `json:"balance_after"`
	Confidence         float64             `json:"confidence"`
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

func (p *Parser) decode(raw string) (*api.ParsedTransaction, error) {
	clean := cleanModelJSON(raw)
	if clean == "" {
		return nil, &ParseError{Reason: "empty response", Raw: raw}
	}

	var inf inference
	if err := json.Unmarshal([]byte(clean), &inf); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("decoding JSON: %v", err), Raw: raw}
	}

	if !inf.Amount.Valid || !inf.Amount.Decimal.IsPositive() {
		return nil, &ParseError{Reason: "missing or non-positive amount", Raw: raw}
	}
	typ := api.TransactionType(strings.ToUpper(strings.TrimSpace(inf.TransactionType)))
	if !typ.Valid() {
		return nil, &ParseError{Reason: fmt.Sprintf("unknown transaction type %q", inf.TransactionType), Raw: raw}
	}
	when, err := p.parseDate(inf.TransactionDateISO)
	if err != nil {
		return nil, &ParseError{Reason: err.Error(), Raw: raw}
	}

	tx := &api.ParsedTransaction{
		Amount:            inf.Amount.Decimal,
		Currency:          "UZS",
		TransactionDate:   when,
		TransactionType:   typ,
		BalanceAfter:      inf.BalanceAfter,
		ParsingMethod:     api.MethodLLM,
		ParsingConfidence: min(max(inf.Confidence, 0), 1),
	}
	if inf.Currency != nil && strings.TrimSpace(*inf.Currency) != "" {
		tx.Currency = strings.ToUpper(strings.TrimSpace(*inf.Currency))
	}
	if inf.OperatorRaw != nil {
		tx.OperatorRaw = strings.TrimSpace(*inf.OperatorRaw)
	}
	if inf.CardLast4 != nil {
		tx.CardLast4 = lastFourDigits(*inf.CardLast4)
	}
	return tx, nil
}

func (p *Parser) parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing transaction date")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(p.location), nil
	}
	for _, layout := range dateLayouts[1:] {
		if t, err := time.ParseInLocation(layout, s, p.location); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable transaction date %q", s)
}

func lastFourDigits(s string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 4 {
		return ""
	}
	return digits[len(digits)-4:]
}

// cleanModelJSON strips Markdown fences and any text around the outermost JSON object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return ""
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return s
}

func responseSchema() *genai.Schema {
	nullable := genai.Ptr(true)
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"amount":               {Type: genai.TypeNumber, Description: "Transaction amount"},
			"currency":             {Type: genai.TypeString, Description: "ISO currency code", Nullable: nullable},
			"transaction_date_iso": {Type: genai.TypeString, Description: "YYYY-MM-DDTHH:MM:SS"},
			"card_last_4":          {Type: genai.TypeString, Nullable: nullable},
			"operator_raw":         {Type: genai.TypeString, Nullable: nullable},
			"transaction_type": {
				Type: genai.TypeString,
				Enum: []string{string(api.Debit), string(api.Credit), string(api.Conversion), string(api.Reversal)},
			},
			"balance_after": {Type: genai.TypeNumber, Nullable: nullable},
			"confidence":    {Type: genai.TypeNumber, Description: "0.0 to 1.0"},
		},
		Required: []string{"amount", "transaction_date_iso", "transaction_type", "confidence"},
	}
}
