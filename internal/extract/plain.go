package extract

import (
	"strings"
	"unicode/utf8"
)

// extractPlain passes text documents through as-is so their words reach the
// verification path untouched. Invalid UTF-8 sequences are replaced with the
// replacement character rather than failing the document.
func extractPlain(content []byte) (string, error) {
	if !utf8.Valid(content) {
		content = []byte(strings.ToValidUTF8(string(content), "�"))
	}
	return string(content), nil
}
