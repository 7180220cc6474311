package regex

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/ArionMiles/receiptd/pkg/api"
)

var errEmptyAmount = errors.New("empty amount")

// NormalizeAmount parses amounts written with either dot or comma separators.
//
// When both separators appear, the one occurring last is the decimal separator and the
// other groups thousands, so "400.000,00" and "400,000.00" are both 400000.00. A lone
// separator that repeats, or that is followed by exactly three digits after a non-zero
// integer part, groups thousands.
// Spaces and apostrophes are ignored.
func NormalizeAmount(s string) (decimal.Decimal, error) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '\'' || r == '’' {
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, ".,")
	if s == "" {
		return decimal.Decimal{}, errEmptyAmount
	}

	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastComma >= 0:
		s = singleSeparator(s, ",")
	case lastDot >= 0:
		s = singleSeparator(s, ".")
	}

	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != '-' {
			return decimal.Decimal{}, fmt.Errorf("invalid amount %q", s)
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return d, nil
}

func singleSeparator(s, sep string) string {
	if strings.Count(s, sep) > 1 {
		return strings.ReplaceAll(s, sep, "")
	}
	idx := strings.LastIndex(s, sep)
	// "0.500" is half a unit: a thousands group never follows a bare zero.
	lead := strings.TrimPrefix(s[:idx], "-")
	if len(s)-idx-1 == 3 && lead != "" && lead != "0" {
		return strings.Replace(s, sep, "", 1)
	}
	return strings.Replace(s, sep, ".", 1)
}

// parseDateTime combines a date (DD.MM.YY[YY], or YY[YY]-MM-DD when yearFirst) and a
// time (H:MM) in loc. Two-digit years are taken as 20YY.
func parseDateTime(date, clock string, yearFirst bool, loc *time.Location) (time.Time, error) {
	parts := strings.FieldsFunc(date, func(r rune) bool { return r < '0' || r > '9' })
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("invalid date %q", date)
	}
	yearStr, month, day := parts[2], parts[1], parts[0]
	if yearFirst {
		yearStr, day = parts[0], parts[2]
	}

	year, err := strconv.Atoi(yearStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid year %q", yearStr)
	}
	switch len(yearStr) {
	case 2:
		year += 2000
	case 4:
	default:
		return time.Time{}, fmt.Errorf("invalid year %q", yearStr)
	}
	m, errM := strconv.Atoi(month)
	d, errD := strconv.Atoi(day)

	hm := strings.Split(clock, ":")
	if len(hm) != 2 || errM != nil || errD != nil {
		return time.Time{}, fmt.Errorf("invalid date/time %q %q", date, clock)
	}
	hour, errH := strconv.Atoi(hm[0])
	minute, errMin := strconv.Atoi(hm[1])
	if errH != nil || errMin != nil || hour > 23 || minute > 59 {
		return time.Time{}, fmt.Errorf("invalid time %q", clock)
	}

	t := time.Date(year, time.Month(m), d, hour, minute, 0, 0, loc)
	if t.Month() != time.Month(m) || t.Day() != d {
		return time.Time{}, fmt.Errorf("invalid calendar date %q", date)
	}
	return t, nil
}

var (
	reversalKeywords   = []string{"ОТМЕНА", "OTMENA"}
	conversionKeywords = []string{"КОНВЕРС", "CONVERSION", "KONVERS"}
	creditKeywords     = []string{"ПОПОЛНЕНИЕ", "POPOLNENIE", "KIRIM"}
	debitKeywords      = []string{"ОПЛАТА", "OPLATA", "POKUPKA", "PLATEZH", "SPISANIE", "E-COM"}
)

// InferType guesses the transaction type from explicit evidence in the text, by priority
// REVERSAL > CONVERSION > sign (➕ credit, ➖ debit) > keyword.
func InferType(text string) (api.TransactionType, bool) {
	upper := strings.ToUpper(text)
	switch {
	case containsAny(upper, reversalKeywords...):
		return api.Reversal, true
	case containsAny(upper, conversionKeywords...):
		return api.Conversion, true
	case containsAny(text, "➕", "🎉"):
		return api.Credit, true
	case strings.Contains(text, "➖"):
		return api.Debit, true
	case containsAny(upper, creditKeywords...):
		return api.Credit, true
	case containsAny(upper, debitKeywords...):
		return api.Debit, true
	}
	return "", false
}

// InferChannel reports TELEGRAM for texts carrying pictographic emoji and SMS otherwise.
func InferChannel(text string) api.SourceChannel {
	for _, r := range text {
		if (r >= 0x1F300 && r <= 0x1FAFF) || (r >= 0x2600 && r <= 0x27BF) {
			return api.ChannelTelegram
		}
	}
	return api.ChannelSMS
}
