package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ArionMiles/receiptd/pkg/api"
)

func message(chat, id, text string) *api.RawMessage {
	return &api.RawMessage{
		OriginChatID:    chat,
		OriginMessageID: id,
		Text:            text,
		ReceivedAt:      time.Now(),
	}
}

func TestCompute_Deterministic(t *testing.T) {
	m := message("-100200", "77", "💸 Оплата\n➖ 400.000,00 UZS")

	first := Compute(m)
	for range 10 {
		assert.Equal(t, first, Compute(m))
	}
	assert.Len(t, string(first), 64)
}

func TestCompute_IgnoresVolatileFormatting(t *testing.T) {
	base := message("chat", "1", "Pokupka: XK FAMILY SHOP, 02.04.25 11:48 summa:80000.00 UZS")

	variants := []string{
		"  Pokupka: XK FAMILY SHOP,   02.04.25 11:48\n summa:80000.00 UZS \n",
		"Pokupka:\u00a0XK FAMILY SHOP, 02.04.25 11:48 summa:80000.00 UZS",
		"Pokupka: XK​ FAMILY SHOP, 02.04.25 11:48 summa:80000.00 UZS",
		"Pokupka: XK FAMILY SHOP,\t02.04.25 11:48\r\nsumma:80000.00 UZS",
	}
	for _, text := range variants {
		assert.Equal(t, Compute(base), Compute(message("chat", "1", text)), "text %q", text)
	}
}

func TestCompute_DistinguishesEvents(t *testing.T) {
	a := Compute(message("chat", "1", "summa:100 UZS"))

	assert.NotEqual(t, a, Compute(message("chat", "2", "summa:100 UZS")))
	assert.NotEqual(t, a, Compute(message("other", "1", "summa:100 UZS")))
	assert.NotEqual(t, a, Compute(message("chat", "1", "summa:101 UZS")))
	assert.NotEqual(t,
		Compute(message("ab", "c", "x")),
		Compute(message("a", "bc", "x")),
		"field boundaries must be part of the digest")
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a b c", Normalize(" a\n\tb\u00a0 c "))
	assert.Equal(t, "", Normalize(" \n "))
	// Fullwidth digits fold to ASCII under NFKC.
	assert.Equal(t, "123", Normalize("１２３"))
}
