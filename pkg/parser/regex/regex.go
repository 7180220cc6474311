// Package regex extracts transactions from notification text with an ordered list of
// format definitions. The first format that structurally matches wins.
package regex

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ArionMiles/receiptd/pkg/api"
)

// DefaultTimezone is the zone notification timestamps are written in.
const DefaultTimezone = "Asia/Tashkent"

// DefaultCurrency is assumed when a format matches without a currency code.
const DefaultCurrency = "UZS"

// Format describes one notification layout.
//
// Rules are searched in order and every named capture group fills the field of the same
// name the first time it matches. Recognized group names are amount, currency, operator,
// card, balance, date, time and kind. A format matches only when amount, date and time are
// all captured.
type Format struct {
	Name       string
	Confidence float64
	// Precheck is a cheap substring test run before any rule. Nil means always run.
	Precheck func(text string) bool
	Rules    []*regexp.Regexp
	// Kinds maps lower-cased kind captures to transaction types.
	Kinds map[string]api.TransactionType
	// YearFirst selects YY-MM-DD dates instead of DD.MM.YY.
	YearFirst bool
}

// Parser tries formats in priority order.
type Parser struct {
	formats  []Format
	location *time.Location
}

// Option configures a Parser.
type Option func(*Parser)

// WithFormats replaces the default format list. Order is priority order.
func WithFormats(formats ...Format) Option {
	return func(p *Parser) {
		p.formats = formats
	}
}

// WithLocation sets the zone used to interpret notification timestamps.
func WithLocation(loc *time.Location) Option {
	return func(p *Parser) {
		if loc != nil {
			p.location = loc
		}
	}
}

// New creates a parser with DefaultFormats unless overridden.
func New(opts ...Option) *Parser {
	p := &Parser{
		formats:  DefaultFormats(),
		location: defaultLocation(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultLocation() *time.Location {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		return time.FixedZone(DefaultTimezone, 5*60*60)
	}
	return loc
}

// FormatNames lists the configured formats in priority order.
func (p *Parser) FormatNames() []string {
	names := make([]string, len(p.formats))
	for i, f := range p.formats {
		names[i] = f.Name
	}
	return names
}

// Parse returns the transaction extracted by the first matching format.
// ok is false when no format matches; that is the normal hand-off to the fallback parser.
func (p *Parser) Parse(text string) (tx *api.ParsedTransaction, ok bool) {
	if strings.TrimSpace(text) == "" {
		return nil, false
	}
	for i := range p.formats {
		f := &p.formats[i]
		if f.Precheck != nil && !f.Precheck(text) {
			continue
		}
		if tx, ok := f.extract(text, p.location); ok {
			return tx, true
		}
	}
	return nil, false
}

func (f *Format) extract(text string, loc *time.Location) (*api.ParsedTransaction, bool) {
	fields := make(map[string]string)
	for _, re := range f.Rules {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		for i, name := range re.SubexpNames() {
			if name == "" || m[i] == "" {
				continue
			}
			if _, seen := fields[name]; !seen {
				fields[name] = strings.TrimSpace(m[i])
			}
		}
	}

	amount, err := NormalizeAmount(fields["amount"])
	if err != nil || !amount.IsPositive() {
		return nil, false
	}
	when, err := parseDateTime(fields["date"], fields["time"], f.YearFirst, loc)
	if err != nil {
		return nil, false
	}

	tx := &api.ParsedTransaction{
		Amount:            amount,
		Currency:          DefaultCurrency,
		OperatorRaw:       strings.Trim(fields["operator"], " \t,.;"),
		CardLast4:         fields["card"],
		TransactionDate:   when,
		TransactionType:   f.transactionType(fields["kind"], text),
		ParsingMethod:     api.MethodRegex,
		ParsingConfidence: f.Confidence,
		Format:            f.Name,
	}
	if c := fields["currency"]; c != "" {
		tx.Currency = strings.ToUpper(c)
	}
	if b := fields["balance"]; b != "" {
		if balance, err := NormalizeAmount(b); err == nil {
			tx.BalanceAfter = decimal.NullDecimal{Decimal: balance, Valid: true}
		}
	}
	return tx, true
}

// transactionType applies REVERSAL > CONVERSION > captured kind > sign and keyword
// inference > DEBIT.
func (f *Format) transactionType(kind, text string) api.TransactionType {
	inferred, inferredOK := InferType(text)
	if inferredOK && (inferred == api.Reversal || inferred == api.Conversion) {
		return inferred
	}
	if t, ok := f.Kinds[strings.ToLower(kind)]; ok {
		return t
	}
	if inferredOK {
		return inferred
	}
	return api.Debit
}
