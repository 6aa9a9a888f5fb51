package models

// SearchResponse is the response for a passage search request.
type SearchResponse struct {
	Query    string     `json:"query"`
	Mode     SearchMode `json:"mode"`
	Passages []Passage  `json:"passages"`
	// Suggestion is a corrected query offered when a keyword search finds nothing.
	Suggestion string `json:"suggestion,omitempty"`
	QueryTime  int64  `json:"query_time_ms"`
}
