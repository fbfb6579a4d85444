// Package text prepares request text before it is handed to a synthesis engine.
package text

import (
	"errors"
	"strings"
	"unicode"
)

// ErrEmptyText is returned when the input text is empty or whitespace-only.
var ErrEmptyText = errors.New("text is empty")

// Normalize prepares raw request text for an engine's stdin.
// Invalid UTF-8 is replaced, line endings become \n, control characters
// other than \n and \t are dropped, and surrounding whitespace is trimmed.
// Text that is empty after this returns ErrEmptyText.
func Normalize(s string) (string, error) {
	s = strings.ToValidUTF8(s, "�")

	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	s = strings.TrimSpace(s)

	if s == "" {
		return "", ErrEmptyText
	}

	return s, nil
}

// IsBlank reports whether s would be rejected by Normalize.
func IsBlank(s string) bool {
	_, err := Normalize(s)
	return err != nil
}
