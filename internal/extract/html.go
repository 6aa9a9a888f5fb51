package extract

import (
	"bytes"
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// extractHTML strips page chrome and scripts with goquery, then converts the remaining body to
// Markdown so headings and lists keep their paragraph structure.
func extractHTML(content []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("parse HTML: %w", err)
	}
	doc.Find("script, style, noscript, template, iframe").Remove()
	doc.Find("nav, header, footer, aside").Remove()

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	converter := md.NewConverter("", true, nil)
	text := converter.Convert(body)
	if strings.TrimSpace(text) == "" {
		text = body.Text()
	}
	return strings.TrimSpace(text), nil
}
