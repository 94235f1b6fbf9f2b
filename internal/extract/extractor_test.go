package extract

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
)

// buildZip creates an in-memory zip with the given entries.
func buildZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractBytes_plain(t *testing.T) {
	e := NewExtractor()
	text, err := e.ExtractBytes([]byte("hello world"), ".txt")
	if err != nil {
		t.Fatal(err)
	}
	if text != "hello world" {
		t.Errorf("got %q", text)
	}
}

func TestExtractBytes_plainInvalidUTF8(t *testing.T) {
	e := NewExtractor()
	text, err := e.ExtractBytes([]byte{0x68, 0x69, 0xff}, ".txt")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(text, "hi") {
		t.Errorf("got %q", text)
	}
}

func TestExtractBytes_docx(t *testing.T) {
	docXML := `<?xml version="1.0"?><w:document><w:body>
		<w:p w:rsidR="00A"><w:r><w:t>Tighten the bolt</w:t></w:r></w:p>
		<w:p><w:r><w:t xml:space="preserve">to 2.5 Nm</w:t></w:r></w:p>
	</w:body></w:document>`
	content := buildZip(t, map[string]string{"word/document.xml": docXML})

	e := NewExtractor()
	text, err := e.ExtractBytes(content, ".docx")
	if err != nil {
		t.Fatal(err)
	}
	if text != "Tighten the bolt to 2.5 Nm" {
		t.Errorf("got %q", text)
	}
}

func TestExtractBytes_docxRenamedMainDocument(t *testing.T) {
	ct := `<?xml version="1.0"?><Types>
		<Override PartName="/word/document2.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
	</Types>`
	content := buildZip(t, map[string]string{
		"[Content_Types].xml": ct,
		"word/document2.xml":  `<w:document><w:body><w:p><w:r><w:t>renamed body</w:t></w:r></w:p></w:body></w:document>`,
	})

	e := NewExtractor()
	text, err := e.ExtractBytes(content, ".docx")
	if err != nil {
		t.Fatal(err)
	}
	if text != "renamed body" {
		t.Errorf("got %q", text)
	}
}

func TestExtractBytes_openDocument(t *testing.T) {
	contentXML := `<?xml version="1.0"?><office:document-content>
		<text:h text:outline-level="1">Work Instruction</text:h>
		<text:p>Calibrate the torque wrench.</text:p>
	</office:document-content>`
	content := buildZip(t, map[string]string{"content.xml": contentXML})

	e := NewExtractor()
	for _, ext := range []string{".odt", ".odp", ".ods"} {
		text, err := e.ExtractBytes(content, ext)
		if err != nil {
			t.Fatalf("%s: %v", ext, err)
		}
		if !strings.Contains(text, "Work Instruction") || !strings.Contains(text, "Calibrate the torque wrench.") {
			t.Errorf("%s: got %q", ext, text)
		}
	}
}

func TestExtractBytes_pptx(t *testing.T) {
	slide := `<p:sld><p:txBody><a:p><a:r><a:t>Slide title</a:t></a:r><a:r><a:t xml:space="preserve">and body</a:t></a:r></a:p></p:txBody></p:sld>`
	content := buildZip(t, map[string]string{"ppt/slides/slide1.xml": slide})

	e := NewExtractor()
	text, err := e.ExtractBytes(content, ".pptx")
	if err != nil {
		t.Fatal(err)
	}
	if text != "Slide title and body" {
		t.Errorf("got %q", text)
	}
}

func TestExtractBytes_notAZip(t *testing.T) {
	e := NewExtractor()
	if _, err := e.ExtractBytes([]byte("plain bytes"), ".docx"); err == nil {
		t.Error("expected error for non-zip docx")
	}
}

func TestExtractPages_nonPDFSinglePage(t *testing.T) {
	e := NewExtractor()
	pages, err := e.ExtractPages([]byte("one chunk of text"), ".txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 1 || pages[0] != "one chunk of text" {
		t.Errorf("got %v", pages)
	}
}

func TestWords(t *testing.T) {
	e := NewExtractor()
	words, err := e.Words([]byte("Check the bolt. Check the torque!"), ".txt")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"check", "the", "bolt", "torque"}
	if len(words) != len(want) {
		t.Fatalf("got %v, want %v", words, want)
	}
	for i := range want {
		if words[i] != want[i] {
			t.Errorf("words[%d] = %q, want %q", i, words[i], want[i])
		}
	}
}

func TestSupported(t *testing.T) {
	if !Supported(".pdf") || !Supported(".docx") || !Supported(".txt") {
		t.Error("common formats should be supported")
	}
	if Supported(".exe") {
		t.Error(".exe should not be supported")
	}
}
