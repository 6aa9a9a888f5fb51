package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/hyperjump/chishiki/internal/models"
	"github.com/xuri/excelize/v2"
)

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func docxBody(paragraphs ...string) string {
	var b strings.Builder
	b.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		b.WriteString(`<w:p w:rsidR="00AB"><w:pPr><w:pStyle w:val="Normal"/></w:pPr>` + p + `</w:p>`)
	}
	b.WriteString(`</w:body></w:document>`)
	return b.String()
}

func run(text string) string {
	return `<w:r><w:t xml:space="preserve">` + text + `</w:t></w:r>`
}

func TestNormalizeTag(t *testing.T) {
	tests := map[string]string{".PDF": "pdf", "pdf": "pdf", " .Md ": "md", "": ""}
	for in, want := range tests {
		if got := NormalizeTag(in); got != want {
			t.Errorf("NormalizeTag(%q) = %q, want %q", in, got, want)
		}
	}
	if got := TagForFile("/tmp/Report.DOCX"); got != "docx" {
		t.Errorf("TagForFile = %q", got)
	}
}

func TestParse_plain(t *testing.T) {
	r := NewRegistry()
	got, err := r.Parse([]byte("Hello world\nLine 2"), ".TXT")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != "Hello world\nLine 2" {
		t.Errorf("got %q", got)
	}
}

func TestParse_plainInvalidUTF8(t *testing.T) {
	got, err := NewRegistry().Parse([]byte("hello\x80world"), "rst")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != "hello�world" {
		t.Errorf("got %q", got)
	}
}

func TestParse_unsupported(t *testing.T) {
	_, err := NewRegistry().Parse([]byte("raw"), ".xyz")
	if !errors.Is(err, models.ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestParse_parseFailureWrapped(t *testing.T) {
	r := NewRegistry()
	for _, tag := range []string{"docx", "pptx", "odp", "ods", "xlsx", "pdf"} {
		_, err := r.Parse([]byte("definitely not a zip or pdf"), tag)
		if !errors.Is(err, models.ErrParseFailure) {
			t.Errorf("%s: expected ErrParseFailure, got %v", tag, err)
		}
	}
}

func TestRegistry_RegisterOverrides(t *testing.T) {
	r := NewRegistry()
	r.Register(".CUSTOM", func(b []byte) (string, error) { return strings.ToUpper(string(b)), nil })
	if !r.Supports("custom") {
		t.Fatal("custom tag should be supported")
	}
	got, err := r.Parse([]byte("abc"), "custom")
	if err != nil || got != "ABC" {
		t.Errorf("got %q, %v", got, err)
	}
	for _, tag := range []string{"txt", "md", "html", "pdf", "docx", "odt", "rtf", "xlsx", "pptx", "odp", "ods"} {
		if !r.Supports(tag) {
			t.Errorf("%s should be supported", tag)
		}
	}
}

func TestParse_markdown(t *testing.T) {
	src := "# Refund policy\n\nRefunds are **processed** within _five_ days.\nSee [the FAQ](https://example.com/faq).\n\n- first item\n- second item\n\n```go\nfmt.Println(\"hi\")\n```\n\n<div>raw html</div>\n"
	got, err := NewRegistry().Parse([]byte(src), "md")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := "Refund policy\n\nRefunds are processed within five days.\nSee the FAQ.\n\nfirst item\nsecond item\n\nfmt.Println(\"hi\")"
	if got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestParse_markdownTable(t *testing.T) {
	src := "| Plan | Price |\n|------|-------|\n| Basic | 5 |\n"
	got, err := NewRegistry().Parse([]byte(src), "markdown")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != "Plan\tPrice\nBasic\t5" {
		t.Errorf("got %q", got)
	}
}

func TestParse_html(t *testing.T) {
	page := `<html><head><title>T</title><style>body{}</style></head><body>
<nav>Home | About</nav>
<h1>Shipping</h1>
<p>Orders ship in <b>two</b> days.</p>
<script>alert("x")</script>
<footer>Copyright</footer>
</body></html>`
	got, err := NewRegistry().Parse([]byte(page), "htm")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !strings.Contains(got, "Shipping") || !strings.Contains(got, "Orders ship in **two** days.") {
		t.Errorf("missing body text: %q", got)
	}
	for _, unwanted := range []string{"alert", "Home | About", "Copyright", "body{}"} {
		if strings.Contains(got, unwanted) {
			t.Errorf("%q should be stripped: %q", unwanted, got)
		}
	}
}

func TestParse_excel(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	f.SetCellValue("Sheet1", "A1", "Title")
	f.SetCellValue("Sheet1", "A2", "Value 1")
	f.SetCellValue("Sheet1", "B2", "Value 2")
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := NewRegistry().Parse(buf.Bytes(), "xlsx")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != "Title\nValue 1\tValue 2" {
		t.Errorf("got %q", got)
	}
}

func TestParse_excelSheetsAreBlocks(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	f.SetCellValue("Sheet1", "A1", "Prices")
	f.SetCellValue("Sheet1", "A3", "tea")
	f.SetCellValue("Sheet1", "B3", "3")
	if _, err := f.NewSheet("Empty"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.NewSheet("Notes"); err != nil {
		t.Fatal(err)
	}
	f.SetCellValue("Notes", "A1", "closed on sundays")
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := NewRegistry().Parse(buf.Bytes(), "xlsx")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if want := "Prices\ntea\t3\n\nclosed on sundays"; got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestJoinBlocks(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"  page one \n", "", "\n\t", "page two"}, "page one\n\npage two"},
		{[]string{"only"}, "only"},
	}
	for _, tt := range tests {
		if got := joinBlocks(tt.in); got != tt.want {
			t.Errorf("joinBlocks(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParse_docxParagraphs(t *testing.T) {
	content := zipOf(t, map[string]string{
		"word/document.xml": docxBody(run("Search")+run("able"), run("Tom &amp; Jerry"), ""),
	})
	got, err := NewRegistry().Parse(content, "docx")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != "Searchable\nTom & Jerry" {
		t.Errorf("got %q", got)
	}
}

func TestParse_docxContentTypes(t *testing.T) {
	tests := []struct {
		name     string
		override string
	}{
		{"PartName first", `<Override PartName="/word/document2.xml" ContentType="` + docxMainContentType + `"/>`},
		{"ContentType first", `<Override ContentType="` + docxMainContentType + `" PartName="/word/document2.xml"/>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := zipOf(t, map[string]string{
				contentTypesPath:     `<?xml version="1.0"?><Types>` + tt.override + `</Types>`,
				"word/document2.xml": docxBody(run("Content from document2")),
			})
			got, err := NewRegistry().Parse(content, "docx")
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got != "Content from document2" {
				t.Errorf("got %q", got)
			}
		})
	}
}

func TestParse_docxMissingBody(t *testing.T) {
	_, err := NewRegistry().Parse(zipOf(t, map[string]string{"other.xml": "<x/>"}), "docx")
	if !errors.Is(err, models.ErrParseFailure) {
		t.Errorf("expected ErrParseFailure, got %v", err)
	}
}

func TestParse_pptxSlideOrder(t *testing.T) {
	slide := func(text string) string {
		return `<p:sld><p:cSld><p:spTree><p:sp><p:txBody><a:p><a:r><a:t>` + text + `</a:t></a:r></a:p></p:txBody></p:sp></p:spTree></p:cSld></p:sld>`
	}
	content := zipOf(t, map[string]string{
		"ppt/slides/slide10.xml":           slide("Tenth"),
		"ppt/slides/slide2.xml":            slide("Second"),
		"ppt/slides/slide1.xml":            slide("First"),
		"ppt/slides/_rels/slide1.xml.rels": `<a:t>ignored</a:t>`,
	})
	got, err := NewRegistry().Parse(content, "pptx")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != "First\n\nSecond\n\nTenth" {
		t.Errorf("got %q", got)
	}
}

func TestParse_odfBlocks(t *testing.T) {
	contentXML := `<office:document><office:body>` +
		`<text:h text:outline-level="1">Heading</text:h>` +
		`<text:p text:style-name="P1">Cell <text:span text:style-name="T1">one</text:span></text:p>` +
		`<text:p/>` +
		`<text:p>Cell two</text:p>` +
		`</office:body></office:document>`
	for _, tag := range []string{"odp", "ods"} {
		got, err := NewRegistry().Parse(zipOf(t, map[string]string{"content.xml": contentXML}), tag)
		if err != nil {
			t.Fatalf("%s: %v", tag, err)
		}
		if got != "Heading\nCell one\nCell two" {
			t.Errorf("%s: got %q", tag, got)
		}
	}
}

func TestParse_odfContentNotFound(t *testing.T) {
	_, err := NewRegistry().Parse(zipOf(t, map[string]string{"meta.xml": "<x/>"}), "ods")
	if !errors.Is(err, models.ErrParseFailure) {
		t.Errorf("expected ErrParseFailure, got %v", err)
	}
}
