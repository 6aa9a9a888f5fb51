// Package extract turns uploaded file bytes into plain text.
package extract

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hyperjump/chishiki/internal/models"
)

// Parser extracts text from the raw bytes of one format.
type Parser func(content []byte) (string, error)

// Registry maps format tags (lowercase extensions without the dot) to parsers.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry returns a registry with every built-in parser registered.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, tag := range []string{"txt", "text", "rst", "csv", "log"} {
		r.Register(tag, extractPlain)
	}
	r.Register("md", extractMarkdown)
	r.Register("markdown", extractMarkdown)
	r.Register("html", extractHTML)
	r.Register("htm", extractHTML)
	r.Register("pdf", extractPDF)
	r.Register("docx", extractDOCX)
	r.Register("odt", extractWithCat)
	r.Register("rtf", extractWithCat)
	r.Register("xlsx", extractExcel)
	r.Register("pptx", extractPPTX)
	r.Register("odp", extractODP)
	r.Register("ods", extractODS)
	return r
}

// NormalizeTag lowercases tag and strips a leading dot, so ".PDF" and "pdf" are the same format.
func NormalizeTag(tag string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(tag)), ".")
}

// TagForFile returns the format tag of a file name.
func TagForFile(name string) string {
	return NormalizeTag(filepath.Ext(name))
}

// Register adds or replaces the parser for tag.
func (r *Registry) Register(tag string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[NormalizeTag(tag)] = p
}

// Supports reports whether a parser is registered for tag.
func (r *Registry) Supports(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.parsers[NormalizeTag(tag)]
	return ok
}

// Supported returns the registered tags, sorted.
func (r *Registry) Supported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.parsers))
	for tag := range r.parsers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Parse extracts text from content. An unknown tag fails with ErrUnsupportedFormat and a parser
// error is wrapped in ErrParseFailure.
func (r *Registry) Parse(content []byte, tag string) (string, error) {
	tag = NormalizeTag(tag)
	r.mu.RLock()
	p, ok := r.parsers[tag]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, tag)
	}
	text, err := p(content)
	if err != nil {
		if errors.Is(err, models.ErrParseFailure) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %v", models.ErrParseFailure, tag, err)
	}
	return text, nil
}
