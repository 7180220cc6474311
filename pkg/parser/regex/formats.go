package regex

import (
	"regexp"
	"strings"

	"github.com/ArionMiles/receiptd/pkg/api"
)

// amountPattern matches a number that starts and ends with a digit and may contain
// spaces, dots and commas as separators.
const amountPattern = `\d(?:[\d \x{00A0}.,]*\d)?`

const currencyPattern = `UZS|USD|EUR|RUB`

// DefaultFormats returns the built-in formats in priority order.
func DefaultFormats() []Format {
	return []Format{HumoNotification(), SMSInline(), Semicolon()}
}

// HumoNotification matches the emoji-framed card notification:
//
//	💸 Оплата
//	➖ 400.000,00 UZS
//	📍 OQ P2P>TASHKENT
//	💳 HUMOCARD *6714
//	🕓 12:58 05.04.2025
//	💰 535.000,40 UZS
func HumoNotification() Format {
	return Format{
		Name:       "humo_notification",
		Confidence: 0.95,
		Precheck: func(text string) bool {
			return containsAny(text, "💳", "📍", "💸", "➖", "➕", "💰")
		},
		Rules: []*regexp.Regexp{
			regexp.MustCompile(`[➖➕💸]\s*(?P<amount>` + amountPattern + `)\s*(?P<currency>` + currencyPattern + `)`),
			regexp.MustCompile(`(?i)(?P<kind>Оплата|Пополнение|Операция|Конверсия|Отмена|Списание)`),
			regexp.MustCompile(`(?:HUMO-?CARD|UZCARD|💳)[^\n\d]*?\*+\s*(?P<card>\d{4})`),
			regexp.MustCompile(`📍\s*(?P<operator>[^\n]+)`),
			regexp.MustCompile(`[\x{1F550}-\x{1F567}⏰]\s*(?P<time>\d{1,2}:\d{2})\s+(?P<date>\d{2}\.\d{2}\.(?:\d{4}|\d{2}))`),
			regexp.MustCompile(`💰\s*(?P<balance>` + amountPattern + `)`),
		},
		Kinds: map[string]api.TransactionType{
			"оплата":     api.Debit,
			"операция":   api.Debit,
			"списание":   api.Debit,
			"пополнение": api.Credit,
			"конверсия":  api.Conversion,
			"отмена":     api.Reversal,
		},
	}
}

// SMSInline matches single-line bank SMS:
//
//	Pokupka: XK FAMILY SHOP, TOSHKENT, 02.04.25 11:48 karta ***0907. summa:80000.00 UZS, balans:2527792.14 UZS
func SMSInline() Format {
	return Format{
		Name:       "sms_inline",
		Confidence: 0.90,
		Precheck: func(text string) bool {
			lower := strings.ToLower(text)
			return strings.Contains(lower, "summa:") && strings.Contains(lower, "karta")
		},
		Rules: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^\s*(?:FW:\s*)?(?P<kind>Pokupka|Spisanie|Popolnenie|E-Com|Platezh|OTMENA)`),
			regexp.MustCompile(`(?i)(?:Pokupka|Spisanie c karty|Popolnenie scheta|E-Com oplata|Platezh|OTMENA[^:\n]*):\s*(?P<operator>.+?)(?:,|\s+\d{2}\.\d{2})`),
			regexp.MustCompile(`(?P<date>\d{2}\.\d{2}\.(?:\d{4}|\d{2}))\s+(?P<time>\d{1,2}:\d{2})`),
			regexp.MustCompile(`(?i)summa:\s*(?P<amount>` + amountPattern + `)\s*(?P<currency>` + currencyPattern + `)`),
			regexp.MustCompile(`(?i)karta\s*\*+(?P<card>\d{4})`),
			regexp.MustCompile(`(?i)balans:\s*(?P<balance>` + amountPattern + `)`),
		},
		Kinds: map[string]api.TransactionType{
			"pokupka":    api.Debit,
			"spisanie":   api.Debit,
			"e-com":      api.Debit,
			"platezh":    api.Debit,
			"popolnenie": api.Credit,
			"otmena":     api.Reversal,
		},
	}
}

// Semicolon matches semicolon-delimited card notifications, usually forwarded:
//
//	FW: HUMOCARD *6921: oplata 200000.00 UZS; SmartBank P2P HUMO U; 25-04-02 15:33; Dostupno: 1852200.28 UZS
func Semicolon() Format {
	return Format{
		Name:       "semicolon",
		Confidence: 0.92,
		Precheck: func(text string) bool {
			return strings.Contains(strings.ToUpper(text), "HUMOCARD") && strings.Contains(text, ";")
		},
		Rules: []*regexp.Regexp{
			regexp.MustCompile(`(?i)HUMOCARD\s*\*+(?P<card>\d{4}):\s*(?P<kind>oplata|popolnenie|operacija|otmena|konversiya)\s+(?P<amount>` + amountPattern + `)\s*(?P<currency>` + currencyPattern + `)`),
			regexp.MustCompile(`;\s*(?P<operator>[^;]+?)\s*;`),
			regexp.MustCompile(`;\s*(?P<date>(?:\d{4}|\d{2})-\d{2}-\d{2})\s+(?P<time>\d{1,2}:\d{2})`),
			regexp.MustCompile(`(?i)Dostupno:\s*(?P<balance>` + amountPattern + `)`),
		},
		Kinds: map[string]api.TransactionType{
			"oplata":     api.Debit,
			"operacija":  api.Debit,
			"popolnenie": api.Credit,
			"otmena":     api.Reversal,
			"konversiya": api.Conversion,
		},
		YearFirst: true,
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
