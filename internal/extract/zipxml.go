package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
)

func openZip(content []byte, format string) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("extract %s: not a zip: %w", format, err)
	}
	return zr, nil
}

// readZipEntry returns the contents of the named entry, or nil if it does not exist.
func readZipEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		return data, nil
	}
	return nil, nil
}

// collectText returns the unescaped inner text of every match of re's first group, in document order.
func collectText(re *regexp.Regexp, xml string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(xml, -1) {
		if t := strings.TrimSpace(html.UnescapeString(m[1])); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// odfBlock matches OpenDocument paragraphs and headings, spans included.
var (
	odfBlock = regexp.MustCompile(`(?s)<text:(?:p|h)(?:\s[^>]*[^/])?>(.*?)</text:(?:p|h)>`)
	xmlTag   = regexp.MustCompile(`<[^>]+>`)
)

// extractODF pulls paragraph and heading text out of an OpenDocument content.xml, one line per block.
func extractODF(content []byte, format string) (string, error) {
	zr, err := openZip(content, format)
	if err != nil {
		return "", err
	}
	contentXML, err := readZipEntry(zr, "content.xml")
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", format, err)
	}
	if contentXML == nil {
		return "", fmt.Errorf("extract %s: content.xml not found", format)
	}
	var lines []string
	for _, m := range odfBlock.FindAllStringSubmatch(string(contentXML), -1) {
		inner := xmlTag.ReplaceAllString(m[1], "")
		if t := strings.TrimSpace(html.UnescapeString(inner)); t != "" {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func extractODP(content []byte) (string, error) { return extractODF(content, "ODP") }

func extractODS(content []byte) (string, error) { return extractODF(content, "ODS") }
