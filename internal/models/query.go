package models

import "fmt"

// SearchMode selects the passage search backend.
type SearchMode string

const (
	SearchSemantic SearchMode = "semantic"
	SearchKeyword  SearchMode = "keyword"
	SearchHybrid   SearchMode = "hybrid"
)

// SearchQuery is a passage search request (no language model involved).
type SearchQuery struct {
	Query string     `json:"query"`
	TopK  int        `json:"top_k,omitempty"`
	Mode  SearchMode `json:"mode,omitempty"`
}

// Validate ensures the query is non-empty and normalizes top_k and mode.
func (q *SearchQuery) Validate(defaultTopK, maxTopK int) error {
	if q.Query == "" {
		return fmt.Errorf("%w: query cannot be empty", ErrInvalidRequest)
	}
	if q.TopK <= 0 {
		q.TopK = defaultTopK
	}
	if maxTopK > 0 && q.TopK > maxTopK {
		q.TopK = maxTopK
	}
	switch q.Mode {
	case "":
		q.Mode = SearchSemantic
	case SearchSemantic, SearchKeyword, SearchHybrid:
	default:
		return fmt.Errorf("%w: unknown search mode %q", ErrInvalidRequest, q.Mode)
	}
	return nil
}
