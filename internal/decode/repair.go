package decode

import (
	"regexp"
	"strings"
)

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	singleQuoteKey  = regexp.MustCompile(`([{,]\s*)'([^']*)'\s*:`)
	singleQuoteVal  = regexp.MustCompile(`:\s*'([^']*)'`)
	missingCommaRe  = regexp.MustCompile(`(["}\]])\s*\n(\s*")`)
)

// repair applies mechanical fixes for the syntax errors models actually
// produce: raw control characters, trailing commas, unquoted keys,
// single-quoted strings, and missing separators between members.
func repair(doc string) string {
	s := stripControlChars(doc)
	s = singleQuoteKey.ReplaceAllString(s, `$1"$2":`)
	s = singleQuoteVal.ReplaceAllString(s, `: "$1"`)
	s = bareKeyRe.ReplaceAllString(s, `$1"$2":`)
	s = missingCommaRe.ReplaceAllString(s, "$1,\n$2")
	s = trailingCommaRe.ReplaceAllString(s, `$1`)
	return s
}

// stripControlChars removes raw control characters JSON forbids inside
// strings. Tabs and newlines stay: they only occur legally between tokens
// once the strings themselves are clean.
func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, s)
}

// extractPartial recovers a parseable object from a damaged document.
// It finds the first top-level object, and when the document is truncated it
// closes the dangling string and any open braces and brackets, trimming an
// incomplete trailing member first.
func extractPartial(doc string) (string, bool) {
	start := strings.IndexAny(doc, "{[")
	if start < 0 {
		return "", false
	}
	s := doc[start:]

	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				return s[:i+1], true
			}
		}
	}

	// Truncated input: close what is open.
	if inString {
		s += `"`
	}
	s = strings.TrimRight(s, " \t\n\r")
	// An incomplete trailing member ("key": or a dangling comma) would make
	// the closed document invalid; drop it.
	s = strings.TrimRight(s, ",")
	if idx := strings.LastIndexByte(s, ':'); idx == len(s)-1 {
		if cut := strings.LastIndexByte(s[:idx], ','); cut >= 0 {
			s = s[:cut]
		} else if cut := strings.LastIndexByte(s[:idx], '{'); cut >= 0 {
			s = s[:cut+1]
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s, len(stack) > 0
}
