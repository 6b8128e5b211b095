package summarizer

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"brevpulse/internal/domain"
)

// Simple tidies prose without any model: capitalized titles, descriptions ending with a full stop.
type Simple struct{}

// NewSimple creates the fallback polisher.
func NewSimple() *Simple {
	return &Simple{}
}

// Polish returns a tidied copy of items.
func (s *Simple) Polish(_ context.Context, items []domain.DigestItem) ([]domain.DigestItem, error) {
	out := make([]domain.DigestItem, len(items))
	for i, item := range items {
		item.Title = capitalize(strings.TrimSpace(item.Title))
		item.Description = sentence(strings.TrimSpace(item.Description))
		out[i] = item
	}
	return out, nil
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func sentence(s string) string {
	if s == "" {
		return s
	}
	s = capitalize(s)
	if strings.HasSuffix(s, "…") || strings.ContainsAny(s[len(s)-1:], ".!?") {
		return s
	}
	return s + "."
}
