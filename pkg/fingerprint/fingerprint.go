// Package fingerprint derives the deduplication key of a raw message.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ArionMiles/receiptd/pkg/api"
)

// Normalize folds compatibility characters (NFKC), drops invisible format runes such as
// zero-width joiners, and collapses whitespace runs to a single space.
func Normalize(text string) string {
	t := transform.Chain(norm.NFKC, runes.Remove(runes.In(unicode.Cf)))
	out, _, err := transform.String(t, text)
	if err != nil {
		out = text
	}
	return strings.Join(strings.Fields(out), " ")
}

// Compute returns the fingerprint of msg: a SHA-256 over the origin chat id, the origin
// message id, and the normalized text. Fields are length-prefixed so that shifting
// characters between them changes the digest.
func Compute(msg *api.RawMessage) api.Fingerprint {
	h := sha256.New()
	writeField(h, msg.OriginChatID)
	writeField(h, msg.OriginMessageID)
	writeField(h, Normalize(msg.Text))
	return api.Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

func writeField(h hash.Hash, s string) {
	h.Write([]byte(strconv.Itoa(len(s))))
	h.Write([]byte{':'})
	h.Write([]byte(s))
}
