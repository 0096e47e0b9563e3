package db

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"unicode/utf8"
)

// SanitizeForJSONB makes a string safe for storage in a PostgreSQL JSONB
// column: NUL bytes are stripped (JSONB cannot represent them), as are lone
// surrogate sequences, which appear in text copied from platforms with lax
// UTF-16 handling.
//
// The function is idempotent: applying it twice yields the same result.
func SanitizeForJSONB(s string) string {
	if s == "" {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == 0:
			// Stripped: JSONB rejects NUL.
		case r == utf8.RuneError && size == 1:
			// Stripped: invalid byte sequence, which includes lone surrogates
			// that survived a bad UTF-16 to UTF-8 conversion.
		case r >= 0xD800 && r <= 0xDFFF:
			// Stripped: surrogate code point encoded directly (never valid in
			// UTF-8 output, but lenient decoders can produce it).
		default:
			b.WriteRune(r)
		}
		i += size
	}

	return b.String()
}

// JSONText stores a JSON document in a text/JSONB column, sanitizing it on
// write via SanitizeForJSONB. Callers treat "" as an absent document.
type JSONText string

// Value implements driver.Valuer.
func (j JSONText) Value() (driver.Value, error) {
	return SanitizeForJSONB(string(j)), nil
}

// Scan implements sql.Scanner.
func (j *JSONText) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = ""
	case string:
		*j = JSONText(v)
	case []byte:
		*j = JSONText(v)
	default:
		return fmt.Errorf("db: JSONText.Scan: expected string or []byte, got %T", value)
	}
	return nil
}
