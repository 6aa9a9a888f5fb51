// Package cli provides output helpers for the Chishiki command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// OutputFormat is the format of command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

const previewWords = 60

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes passage search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d passages in %dms (%s)\n\n", len(response.Passages), response.QueryTime, response.Mode)
	if len(response.Passages) == 0 && response.Suggestion != "" {
		fmt.Fprintf(w, "Did you mean: %s\n\n", response.Suggestion)
	}
	for i, p := range response.Passages {
		writePassage(w, i+1, p)
	}
	return nil
}

func writePassage(w io.Writer, rank int, p models.Passage) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "%d. %s (chunk %d) | Score: %.4f\n", rank, p.DocumentName, p.ChunkIndex, p.Score)
	fmt.Fprintf(w, "\n%s\n\n", TruncateWords(p.Text, previewWords))
}

// WriteAnswer writes a QA answer to w in the given format.
func WriteAnswer(w io.Writer, answer *models.Answer, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, answer)
	}
	fmt.Fprintf(w, "\n%s\n\n", answer.Answer)
	fmt.Fprintf(w, "Mode: %s | Best score: %.4f | Request: %s\n", answer.Mode, answer.MaxScore, answer.RequestID)
	if len(answer.Sources) > 0 {
		fmt.Fprintln(w, "Sources:")
		for _, s := range answer.Sources {
			fmt.Fprintf(w, "  - %s (chunk %d, score %.4f)\n", s.DocumentName, s.ChunkIndex, s.Score)
		}
	}
	if u := answer.Usage; u != nil {
		fmt.Fprintf(w, "Tokens: %d prompt + %d completion = %d\n", u.PromptTokens, u.CompletionTokens, u.TotalTokens)
	}
	return nil
}

// WriteDocuments writes a document listing to w in the given format.
func WriteDocuments(w io.Writer, docs []*models.Document, format OutputFormat) error {
	if format == OutputJSON {
		if docs == nil {
			docs = []*models.Document{}
		}
		return writeJSON(w, docs)
	}
	if len(docs) == 0 {
		fmt.Fprintln(w, "No documents.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCHUNKS\tSIZE\tUPDATED")
	for _, d := range docs {
		name := d.FileName
		if d.Status == models.StatusFailed && d.ErrorMessage != "" {
			name += " (" + utils.Truncate(d.ErrorMessage, 40) + ")"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n",
			d.ID, name, d.Status, d.ChunkCount, d.FileSize, d.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
