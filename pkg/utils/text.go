package utils

import (
	"strings"
	"unicode"
)

// Truncate returns s truncated to maxLen characters, with "..." appended if truncated.
// If maxLen is 0 or negative, returns s unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// NormalizeTerm lowercases a term and trims surrounding punctuation and
// whitespace. Interior punctuation is kept so identifiers like
// "ISO 13485:8.2.1" or "rev-03" survive normalization.
func NormalizeTerm(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r)
	})
}

// Tokenize splits text on whitespace and returns normalized, non-empty tokens.
func Tokenize(text string) []string {
	fields := strings.Fields(text)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if t := NormalizeTerm(f); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// UniqueTokens returns the distinct tokens of text, order of first occurrence.
func UniqueTokens(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range Tokenize(text) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
