package qa

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hyperjump/chishiki/internal/llm"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
	"go.uber.org/zap"
)

// Retriever returns passages for a question, most similar first.
type Retriever interface {
	Retrieve(ctx context.Context, question string, topK int) ([]models.Passage, error)
}

// LogStore appends QA log rows.
type LogStore interface {
	CreateQALog(ctx context.Context, entry *models.QALog) error
}

// AskRequest is one question. TopK <= 0 uses the retriever's default.
type AskRequest struct {
	Question string `json:"question" validate:"required,max=4000"`
	TopK     int    `json:"top_k" validate:"omitempty,min=1,max=50"`
}

// AskError carries the request id of a failed question.
type AskError struct {
	RequestID string
	Err       error
}

func (e *AskError) Error() string { return e.Err.Error() }
func (e *AskError) Unwrap() error { return e.Err }

// Service routes questions between grounded and ungrounded answering.
type Service struct {
	retriever   Retriever
	model       llm.ChatModel
	logs        LogStore
	prompts     *PromptBuilder
	threshold   float64
	temperature float64
	maxTokens   int
	newID       func() string
	logger      *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithThreshold sets the minimum best-passage similarity for a grounded answer.
func WithThreshold(t float64) Option {
	return func(s *Service) { s.threshold = t }
}

// WithGeneration sets the temperature and token budget of every model call.
func WithGeneration(temperature float64, maxTokens int) Option {
	return func(s *Service) {
		s.temperature = temperature
		if maxTokens > 0 {
			s.maxTokens = maxTokens
		}
	}
}

// WithPromptBuilder replaces the default prompt builder.
func WithPromptBuilder(b *PromptBuilder) Option {
	return func(s *Service) { s.prompts = b }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = utils.OrNop(l) }
}

// NewService creates a Service.
func NewService(r Retriever, model llm.ChatModel, logs LogStore, opts ...Option) *Service {
	s := &Service{
		retriever:   r,
		model:       model,
		logs:        logs,
		prompts:     NewPromptBuilder(8000),
		threshold:   0.3,
		temperature: 0.7,
		maxTokens:   2000,
		newID:       uuid.NewString,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Route decides how to answer from the retrieved passages. No passages, or a best score
// strictly below threshold, means the knowledge base is not relevant enough.
func Route(passages []models.Passage, threshold float64) (models.AnswerMode, float64) {
	if len(passages) == 0 {
		return models.ModeUngrounded, 0
	}
	best := passages[0].Score
	for _, p := range passages[1:] {
		if p.Score > best {
			best = p.Score
		}
	}
	if best < threshold {
		return models.ModeUngrounded, best
	}
	return models.ModeGrounded, best
}

// Sources lists the distinct documents of passages in order; the first passage of a document wins.
func Sources(passages []models.Passage) []models.Source {
	seen := make(map[int64]struct{}, len(passages))
	out := make([]models.Source, 0, len(passages))
	for _, p := range passages {
		if _, ok := seen[p.DocumentID]; ok {
			continue
		}
		seen[p.DocumentID] = struct{}{}
		out = append(out, models.Source{
			DocumentID:   p.DocumentID,
			DocumentName: p.DocumentName,
			ChunkIndex:   p.ChunkIndex,
			Score:        p.Score,
		})
	}
	return out
}

// Ask answers one question and appends a QA log row, also when it fails.
// Failures are returned as *AskError; model failures wrap models.ErrLanguageModelFailure.
// The work runs to completion even if ctx is cancelled; the QA log records the outcome.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*models.Answer, error) {
	ctx = context.WithoutCancel(ctx)
	requestID := s.newID()
	log := s.logger.With(zap.String("request_id", requestID))

	question := strings.TrimSpace(req.Question)
	if question == "" {
		s.writeFailure(ctx, log, requestID, question, models.ErrEmptyQuestion)
		return nil, &AskError{RequestID: requestID, Err: models.ErrEmptyQuestion}
	}

	passages, err := s.retriever.Retrieve(ctx, question, req.TopK)
	if err != nil {
		s.writeFailure(ctx, log, requestID, question, err)
		return nil, &AskError{RequestID: requestID, Err: err}
	}

	mode, maxScore := Route(passages, s.threshold)
	answer := &models.Answer{
		RequestID: requestID,
		Question:  question,
		Mode:      mode,
		MaxScore:  maxScore,
		Sources:   []models.Source{},
	}
	var messages []llm.Message
	if mode == models.ModeGrounded {
		messages = s.prompts.Grounded(passages, question)
		answer.AnswerSource = models.SourceKnowledgeBase
		answer.Sources = Sources(passages)
		answer.Passages = passages
	} else {
		messages = s.prompts.Ungrounded(question)
		answer.AnswerSource = models.SourceLLM
	}

	completion, err := s.model.Chat(ctx, messages, llm.Options{Temperature: s.temperature, MaxTokens: s.maxTokens})
	if err != nil {
		if !errors.Is(err, models.ErrLanguageModelFailure) {
			err = fmt.Errorf("%w: %w", models.ErrLanguageModelFailure, err)
		}
		s.writeFailure(ctx, log, requestID, question, err)
		return nil, &AskError{RequestID: requestID, Err: err}
	}

	answer.Answer = completion.Text
	if mode == models.ModeUngrounded {
		answer.Answer = Disclaimer + completion.Text
	}
	if u := completion.Usage; u != nil {
		answer.Usage = &models.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}

	entry := &models.QALog{
		RequestID:    requestID,
		Question:     question,
		Answer:       &answer.Answer,
		Sources:      answer.Sources,
		AnswerSource: answer.AnswerSource,
	}
	if answer.Usage != nil {
		entry.Usage = *answer.Usage
	}
	if err := s.logs.CreateQALog(ctx, entry); err != nil {
		log.Error("failed to write QA log", zap.Error(err))
	}
	log.Info("question answered",
		zap.String("mode", string(mode)),
		zap.Float64("max_score", maxScore),
		zap.Int("passages", len(passages)))
	return answer, nil
}

func (s *Service) writeFailure(ctx context.Context, log *zap.Logger, requestID, question string, cause error) {
	log.Error("question failed", zap.Error(cause))
	msg := cause.Error()
	entry := &models.QALog{
		RequestID:    requestID,
		Question:     question,
		Sources:      []models.Source{},
		ErrorMessage: &msg,
	}
	if err := s.logs.CreateQALog(ctx, entry); err != nil {
		log.Error("failed to write QA log", zap.Error(err))
	}
}
