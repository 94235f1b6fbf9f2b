package extract

import (
	"fmt"
	"regexp"
	"strings"
)

// odContentPath is the path to the main content inside any OpenDocument zip
// (.odt, .odp, .ods share the same layout).
const odContentPath = "content.xml"

// odTextTags match OpenDocument text elements (with optional attributes).
// Separate open/close patterns keep matching to a single element.
var odTextTags = []*regexp.Regexp{
	regexp.MustCompile(`<text:h[^>]*>([^<]*)</text:h>`),
	regexp.MustCompile(`<text:p[^>]*>([^<]*)</text:p>`),
	regexp.MustCompile(`<text:span[^>]*>([^<]*)</text:span>`),
}

// extractOpenDocument extracts text from OpenDocument bytes (.odt, .odp,
// .ods). All text:h, text:p, and text:span content is collected.
func extractOpenDocument(content []byte) (string, error) {
	zr, err := openZip(content)
	if err != nil {
		return "", fmt.Errorf("extract OpenDocument: not a zip: %w", err)
	}
	contentXML, err := readZipEntry(zr, odContentPath)
	if err != nil {
		return "", fmt.Errorf("extract OpenDocument: %w", err)
	}
	if contentXML == nil {
		return "", fmt.Errorf("extract OpenDocument: %s not found", odContentPath)
	}
	s := string(contentXML)
	var b strings.Builder
	for _, re := range odTextTags {
		for _, p := range re.FindAllStringSubmatch(s, -1) {
			if t := strings.TrimSpace(p[1]); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}
