package models

import "time"

// AnswerMode is the routing decision of one question.
type AnswerMode string

const (
	ModeGrounded   AnswerMode = "grounded"
	ModeUngrounded AnswerMode = "ungrounded"
)

// AnswerSource values reported to clients and stored in the QA log.
const (
	SourceKnowledgeBase = "knowledge_base"
	SourceLLM           = "llm"
)

// Passage is a retrieved chunk enriched with its owning document's name.
type Passage struct {
	DocumentID   int64   `json:"document_id"`
	DocumentName string  `json:"document_name"`
	ChunkIndex   int     `json:"chunk_index"`
	Text         string  `json:"text"`
	Score        float64 `json:"score"`
}

// Source is a document that contributed to a grounded answer, with its best passage.
type Source struct {
	DocumentID   int64   `json:"document_id"`
	DocumentName string  `json:"document_name"`
	ChunkIndex   int     `json:"chunk_index"`
	Score        float64 `json:"score"`
}

// Usage holds token counts reported by the language model.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Answer is the result of one question.
type Answer struct {
	RequestID    string     `json:"request_id"`
	Question     string     `json:"question"`
	Answer       string     `json:"answer"`
	Mode         AnswerMode `json:"mode"`
	AnswerSource string     `json:"answer_source"`
	MaxScore     float64    `json:"max_score"`
	Sources      []Source   `json:"sources"`
	Passages     []Passage  `json:"passages,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// QALog is one append-only record of a question-answering attempt.
type QALog struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"request_id"`
	Question     string    `json:"question"`
	Answer       *string   `json:"answer,omitempty"`
	Sources      []Source  `json:"sources"`
	AnswerSource string    `json:"answer_source,omitempty"`
	Usage        Usage     `json:"usage"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
