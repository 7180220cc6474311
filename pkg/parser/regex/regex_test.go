package regex

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArionMiles/receiptd/pkg/api"
)

var tashkent = time.FixedZone("Asia/Tashkent", 5*60*60)

const (
	humoText = "💸 Оплата\n➖ 400.000,00 UZS\n📍 OQ P2P>TASHKENT\n💳 HUMOCARD *6714\n🕓 12:58 05.04.2025\n💰 535.000,40 UZS"
	smsText  = "Pokupka: XK FAMILY SHOP, TOSHKENT, 02.04.25 11:48 karta ***0907. summa:80000.00 UZS, balans:2527792.14 UZS"
	semiText = "FW: HUMOCARD *6921: oplata 200000.00 UZS; SmartBank P2P HUMO U; 25-04-02 15:33; Dostupno: 1852200.28 UZS"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestParse_HumoNotification(t *testing.T) {
	p := New(WithLocation(tashkent))

	tx, ok := p.Parse(humoText)
	require.True(t, ok)

	assert.Equal(t, "humo_notification", tx.Format)
	assert.True(t, tx.Amount.Equal(mustDecimal(t, "400000.00")), "amount %s", tx.Amount)
	assert.True(t, tx.BalanceAfter.Valid)
	assert.True(t, tx.BalanceAfter.Decimal.Equal(mustDecimal(t, "535000.40")), "balance %s", tx.BalanceAfter.Decimal)
	assert.Equal(t, "6714", tx.CardLast4)
	assert.Equal(t, "OQ P2P>TASHKENT", tx.OperatorRaw)
	assert.Equal(t, api.Debit, tx.TransactionType)
	assert.Equal(t, "UZS", tx.Currency)
	assert.Equal(t, api.MethodRegex, tx.ParsingMethod)
	assert.InDelta(t, 0.95, tx.ParsingConfidence, 1e-9)
	assert.True(t, tx.TransactionDate.Equal(time.Date(2025, 4, 5, 12, 58, 0, 0, tashkent)), "date %s", tx.TransactionDate)
}

func TestParse_HumoCredit(t *testing.T) {
	text := "🎉 Пополнение\n➕ 1 250 000,00 UZS\n📍 UPAY P2P\n💳 HUMOCARD *1111\n🕘 09:05 17.11.24\n💰 2 000 000,00 UZS"

	tx, ok := New(WithLocation(tashkent)).Parse(text)
	require.True(t, ok)
	assert.Equal(t, api.Credit, tx.TransactionType)
	assert.True(t, tx.Amount.Equal(mustDecimal(t, "1250000")), "amount %s", tx.Amount)
	assert.Equal(t, 2024, tx.TransactionDate.Year())
}

func TestParse_SMSInline(t *testing.T) {
	tx, ok := New(WithLocation(tashkent)).Parse(smsText)
	require.True(t, ok)

	assert.Equal(t, "sms_inline", tx.Format)
	assert.Equal(t, "XK FAMILY SHOP", tx.OperatorRaw)
	assert.Equal(t, "0907", tx.CardLast4)
	assert.True(t, tx.Amount.Equal(mustDecimal(t, "80000")))
	assert.True(t, tx.BalanceAfter.Decimal.Equal(mustDecimal(t, "2527792.14")))
	assert.Equal(t, api.Debit, tx.TransactionType)
	assert.True(t, tx.TransactionDate.Equal(time.Date(2025, 4, 2, 11, 48, 0, 0, tashkent)))
}

func TestParse_SMSReversalAndCredit(t *testing.T) {
	p := New(WithLocation(tashkent))

	tx, ok := p.Parse("OTMENA Pokupka: KORZINKA, 03.04.2025 10:00 karta ***0907. summa:15000.00 UZS")
	require.True(t, ok)
	assert.Equal(t, api.Reversal, tx.TransactionType)
	assert.Equal(t, 2025, tx.TransactionDate.Year())

	tx, ok = p.Parse("Popolnenie scheta: PAYME P2P, 03.04.25 10:00 karta ***0907. summa:50000.00 UZS, balans:60000.00 UZS")
	require.True(t, ok)
	assert.Equal(t, api.Credit, tx.TransactionType)
	assert.Equal(t, "PAYME P2P", tx.OperatorRaw)
}

func TestParse_Semicolon(t *testing.T) {
	tx, ok := New(WithLocation(tashkent)).Parse(semiText)
	require.True(t, ok)

	assert.Equal(t, "semicolon", tx.Format)
	assert.Equal(t, "SmartBank P2P HUMO U", tx.OperatorRaw)
	assert.Equal(t, "6921", tx.CardLast4)
	assert.True(t, tx.Amount.Equal(mustDecimal(t, "200000")))
	assert.True(t, tx.BalanceAfter.Decimal.Equal(mustDecimal(t, "1852200.28")))
	assert.InDelta(t, 0.92, tx.ParsingConfidence, 1e-9)
	assert.True(t, tx.TransactionDate.Equal(time.Date(2025, 4, 2, 15, 33, 0, 0, tashkent)))
}

func TestParse_FourDigitYearSemicolon(t *testing.T) {
	text := "HUMOCARD *6921: popolnenie 1.500.000,50 UZS; PAYNET P2P; 2025-04-02 08:01; Dostupno: 3.352.200,78 UZS"

	tx, ok := New(WithLocation(tashkent)).Parse(text)
	require.True(t, ok)
	assert.Equal(t, api.Credit, tx.TransactionType)
	assert.True(t, tx.Amount.Equal(mustDecimal(t, "1500000.50")), "amount %s", tx.Amount)
	assert.True(t, tx.TransactionDate.Equal(time.Date(2025, 4, 2, 8, 1, 0, 0, tashkent)))
}

func TestParse_NoMatch(t *testing.T) {
	p := New()
	for _, text := range []string{
		"",
		"   ",
		"Hello! Your verification code is 123456",
		"💳 card was blocked, call the bank",
		"summa: karta",
	} {
		tx, ok := p.Parse(text)
		assert.False(t, ok, "text %q", text)
		assert.Nil(t, tx)
	}
}

// Text carrying both an inline SMS body and a semicolon-delimited card line.
const mixedText = "HUMOCARD *6921: oplata 200000.00 UZS; Pokupka: SHOP, 02.04.25 11:48 karta ***6921. summa:200000.00 UZS; 25-04-02 15:33;"

func TestParse_Precedence(t *testing.T) {
	inlineFirst := New(WithLocation(tashkent), WithFormats(SMSInline(), Semicolon()))
	tx, ok := inlineFirst.Parse(mixedText)
	require.True(t, ok)
	assert.Equal(t, "sms_inline", tx.Format)

	semicolonFirst := New(WithLocation(tashkent), WithFormats(Semicolon(), SMSInline()))
	tx, ok = semicolonFirst.Parse(mixedText)
	require.True(t, ok)
	assert.Equal(t, "semicolon", tx.Format)

	tx, ok = New(WithLocation(tashkent)).Parse(mixedText)
	require.True(t, ok)
	assert.Equal(t, "sms_inline", tx.Format, "default order checks inline before semicolon")
}

func TestParse_InvalidCalendarDate(t *testing.T) {
	_, ok := New().Parse("Pokupka: SHOP, 31.02.25 11:48 karta ***0907. summa:100.00 UZS")
	assert.False(t, ok)
}

func TestNormalizeAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"400.000,00", "400000.00"},
		{"400,000.00", "400000.00"},
		{"400 000,00", "400000.00"},
		{"1.234.567,89", "1234567.89"},
		{"1,234,567.89", "1234567.89"},
		{"80000.00", "80000"},
		{"80000,5", "80000.5"},
		{"400.000", "400000"},
		{"1,000,000", "1000000"},
		{"1 250 000", "1250000"},
		{"12", "12"},
		{"0.500", "0.5"},
		{"0,250", "0.25"},
		{".750", "0.75"},
		{"10.500", "10500"},
	}

	for _, tc := range tests {
		got, err := NormalizeAmount(tc.in)
		require.NoError(t, err, tc.in)
		assert.True(t, got.Equal(mustDecimal(t, tc.want)), "%q: got %s want %s", tc.in, got, tc.want)
	}

	for _, bad := range []string{"", " ", "abc", "12a"} {
		_, err := NormalizeAmount(bad)
		assert.Error(t, err, bad)
	}
}

func TestInferType(t *testing.T) {
	tests := []struct {
		text string
		want api.TransactionType
		ok   bool
	}{
		{"OTMENA Pokupka ➕", api.Reversal, true},
		{"Конверсия ➖ 10 USD", api.Conversion, true},
		{"➕ 100 UZS Oplata", api.Credit, true},
		{"➖ 100 UZS Popolnenie", api.Debit, true},
		{"KIRIM 100", api.Credit, true},
		{"E-Com oplata", api.Debit, true},
		{"nothing here", "", false},
	}
	for _, tc := range tests {
		got, ok := InferType(tc.text)
		assert.Equal(t, tc.ok, ok, tc.text)
		assert.Equal(t, tc.want, got, tc.text)
	}
}

func TestInferChannel(t *testing.T) {
	assert.Equal(t, api.ChannelTelegram, InferChannel(humoText))
	assert.Equal(t, api.ChannelSMS, InferChannel(smsText))
}

func TestFormatNames(t *testing.T) {
	assert.Equal(t, []string{"humo_notification", "sms_inline", "semicolon"}, New().FormatNames())
}
