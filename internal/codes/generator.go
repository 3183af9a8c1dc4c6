// Package codes issues single-use redemption codes: value generation,
// QR artifact binding and batch registration.
package codes

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Alphabet is the fixed symbol set for code values. I, L, O, 0 and 1
// are excluded so consumers typing a code off a label cannot confuse
// glyphs.
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// Prefix marks every value as belonging to this system.
const Prefix = "VS"

// randomSymbols is the entropy carried by each value: 12 symbols from a
// 31-symbol alphabet (~59 bits), enough that insert-retry on collision
// is a safety net rather than the uniqueness mechanism.
const randomSymbols = 12

// groupSize splits the random part into blocks of 4 for transcription.
const groupSize = 4

// Generator produces candidate code values. Uniqueness is enforced by
// the store's UNIQUE constraint at persistence time, never here.
type Generator struct{}

// NewGenerator creates a code value generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// GenerateValue returns a fresh candidate value, formatted like
// VS-XXXX-XXXX-XXXX. It fails closed: any entropy failure yields an
// error, never a degraded value.
func (g *Generator) GenerateValue() (string, error) {
	var b strings.Builder
	b.WriteString(Prefix)

	buf := make([]byte, 2*randomSymbols)
	written := 0
	for written < randomSymbols {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read entropy: %w", err)
		}
		for _, c := range buf {
			sym, ok := symbolFor(c)
			if !ok {
				continue
			}
			if written%groupSize == 0 {
				b.WriteByte('-')
			}
			b.WriteByte(sym)
			written++
			if written == randomSymbols {
				break
			}
		}
	}
	return b.String(), nil
}

// symbolFor maps one random byte onto the alphabet. Bytes in the tail
// of the range that does not divide evenly (248-255 for 31 symbols) are
// rejected, keeping every symbol equally likely.
func symbolFor(c byte) (byte, bool) {
	limit := 256 / len(Alphabet) * len(Alphabet)
	if int(c) >= limit {
		return 0, false
	}
	return Alphabet[int(c)%len(Alphabet)], true
}

// Normalize folds a consumer-submitted string into canonical form:
// trimmed, uppercased, separators dropped, then re-grouped. The result
// is comparable against stored values regardless of how the consumer
// typed it.
func Normalize(submitted string) string {
	s := strings.ToUpper(strings.TrimSpace(submitted))
	s = strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '_', '.':
			return -1
		}
		return r
	}, s)
	if !strings.HasPrefix(s, Prefix) {
		return s
	}
	body := s[len(Prefix):]

	var b strings.Builder
	b.WriteString(Prefix)
	for i := 0; i < len(body); i += groupSize {
		end := i + groupSize
		if end > len(body) {
			end = len(body)
		}
		b.WriteByte('-')
		b.WriteString(body[i:end])
	}
	return b.String()
}

// WellFormed reports whether a normalized value has the exact shape of
// a generated code. Malformed submissions can be classified INVALID
// without a store round trip.
func WellFormed(value string) bool {
	rest, ok := strings.CutPrefix(value, Prefix)
	if !ok {
		return false
	}
	body := strings.ReplaceAll(rest, "-", "")
	if len(body) != randomSymbols {
		return false
	}
	for i := 0; i < len(body); i++ {
		if !strings.ContainsRune(Alphabet, rune(body[i])) {
			return false
		}
	}
	return true
}
