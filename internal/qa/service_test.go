package qa

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hyperjump/chishiki/internal/llm"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetriever struct {
	passages []models.Passage
	err      error
	gotTopK  int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, question string, topK int) ([]models.Passage, error) {
	f.gotTopK = topK
	return f.passages, f.err
}

type fakeModel struct {
	onChat   func()
	ctxErr   error
	reply    string
	usage    *llm.Usage
	err      error
	messages []llm.Message
	opts     llm.Options
}

func (f *fakeModel) Name() string { return "fake" }

func (f *fakeModel) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Completion, error) {
	if f.onChat != nil {
		f.onChat()
	}
	f.ctxErr = ctx.Err()
	f.messages = messages
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Text: f.reply, Usage: f.usage}, nil
}

type fakeLogs struct {
	entries []*models.QALog
	err     error
}

func (f *fakeLogs) CreateQALog(ctx context.Context, entry *models.QALog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.entries = append(f.entries, entry)
	return f.err
}

func newTestService(r Retriever, m llm.ChatModel, logs LogStore) *Service {
	s := NewService(r, m, logs, WithThreshold(0.3), WithGeneration(0.7, 2000))
	s.newID = func() string { return "req-1" }
	return s
}

func TestAsk_BelowThresholdIsUngrounded(t *testing.T) {
	r := &fakeRetriever{passages: []models.Passage{
		{DocumentID: 1, DocumentName: "a.txt", Text: "unrelated", Score: 0.29},
		{DocumentID: 2, DocumentName: "b.txt", Text: "also unrelated", Score: 0.1},
	}}
	m := &fakeModel{reply: "Paris."}
	logs := &fakeLogs{}

	got, err := newTestService(r, m, logs).Ask(context.Background(), AskRequest{Question: "Capital of France?", TopK: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, r.gotTopK)
	assert.Equal(t, models.ModeUngrounded, got.Mode)
	assert.Equal(t, models.SourceLLM, got.AnswerSource)
	assert.Empty(t, got.Sources)
	assert.Equal(t, Disclaimer+"Paris.", got.Answer)
	assert.InDelta(t, 0.29, got.MaxScore, 1e-9)

	require.Len(t, m.messages, 2)
	assert.NotContains(t, m.messages[1].Content, "unrelated", "ungrounded prompt carries only the question")
	assert.Contains(t, m.messages[1].Content, "Capital of France?")

	require.Len(t, logs.entries, 1)
	assert.Equal(t, models.SourceLLM, logs.entries[0].AnswerSource)
	assert.Equal(t, got.Answer, *logs.entries[0].Answer)
}

func TestAsk_AboveThresholdIsGrounded(t *testing.T) {
	r := &fakeRetriever{passages: []models.Passage{
		{DocumentID: 1, DocumentName: "refunds.md", ChunkIndex: 2, Text: "Refunds take five days.", Score: 0.31},
		{DocumentID: 2, DocumentName: "faq.md", ChunkIndex: 0, Text: "Contact support.", Score: 0.2},
		{DocumentID: 1, DocumentName: "refunds.md", ChunkIndex: 3, Text: "Exceptions apply.", Score: 0.15},
	}}
	m := &fakeModel{reply: "Five days.", usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}}
	logs := &fakeLogs{}

	got, err := newTestService(r, m, logs).Ask(context.Background(), AskRequest{Question: " How long do refunds take? "})
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, models.ModeGrounded, got.Mode)
	assert.Equal(t, models.SourceKnowledgeBase, got.AnswerSource)
	assert.Equal(t, "Five days.", got.Answer)
	assert.Equal(t, []models.Source{
		{DocumentID: 1, DocumentName: "refunds.md", ChunkIndex: 2, Score: 0.31},
		{DocumentID: 2, DocumentName: "faq.md", ChunkIndex: 0, Score: 0.2},
	}, got.Sources)
	require.NotNil(t, got.Usage)
	assert.Equal(t, 12, got.Usage.TotalTokens)

	assert.Equal(t, llm.Options{Temperature: 0.7, MaxTokens: 2000}, m.opts)
	assert.Contains(t, m.messages[1].Content, "[Source 1: refunds.md]\nRefunds take five days.")
	assert.Contains(t, m.messages[1].Content, "How long do refunds take?")

	require.Len(t, logs.entries, 1)
	e := logs.entries[0]
	assert.Equal(t, models.SourceKnowledgeBase, e.AnswerSource)
	assert.Len(t, e.Sources, 2)
	assert.Equal(t, 12, e.Usage.TotalTokens)
	assert.Nil(t, e.ErrorMessage)
}

func TestAsk_EmptyRetrievalIsUngrounded(t *testing.T) {
	got, err := newTestService(&fakeRetriever{}, &fakeModel{reply: "x"}, &fakeLogs{}).Ask(context.Background(), AskRequest{Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, models.ModeUngrounded, got.Mode)
	assert.True(t, strings.HasPrefix(got.Answer, Disclaimer))
}

func TestAsk_ModelFailureIsLogged(t *testing.T) {
	r := &fakeRetriever{passages: []models.Passage{{DocumentID: 1, Score: 0.9, Text: "t"}}}
	m := &fakeModel{err: errors.New("upstream 503")}
	logs := &fakeLogs{}

	got, err := newTestService(r, m, logs).Ask(context.Background(), AskRequest{Question: "q"})
	assert.Nil(t, got)
	assert.ErrorIs(t, err, models.ErrLanguageModelFailure)
	var askErr *AskError
	require.ErrorAs(t, err, &askErr)
	assert.Equal(t, "req-1", askErr.RequestID)

	require.Len(t, logs.entries, 1)
	e := logs.entries[0]
	assert.Nil(t, e.Answer)
	require.NotNil(t, e.ErrorMessage)
	assert.Contains(t, *e.ErrorMessage, "upstream 503")
	assert.Equal(t, "q", e.Question)
}

func TestAsk_RetrievalFailureIsReturnedAsIs(t *testing.T) {
	boom := errors.New("index unreadable")
	logs := &fakeLogs{}
	_, err := newTestService(&fakeRetriever{err: boom}, &fakeModel{}, logs).Ask(context.Background(), AskRequest{Question: "q"})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, models.ErrLanguageModelFailure)
	require.Len(t, logs.entries, 1)
	assert.NotNil(t, logs.entries[0].ErrorMessage)
}

func TestAsk_LogFailureDoesNotMaskAnswer(t *testing.T) {
	logs := &fakeLogs{err: errors.New("database is locked")}
	got, err := newTestService(&fakeRetriever{}, &fakeModel{reply: "fine"}, logs).Ask(context.Background(), AskRequest{Question: "q"})
	require.NoError(t, err)
	assert.Contains(t, got.Answer, "fine")
}

func TestAsk_EmptyQuestion(t *testing.T) {
	logs := &fakeLogs{}
	_, err := newTestService(&fakeRetriever{}, &fakeModel{}, logs).Ask(context.Background(), AskRequest{Question: "   "})
	assert.ErrorIs(t, err, models.ErrEmptyQuestion)
	var askErr *AskError
	require.ErrorAs(t, err, &askErr)
	assert.Equal(t, "req-1", askErr.RequestID)
	require.Len(t, logs.entries, 1)
	assert.Nil(t, logs.entries[0].Answer)
	require.NotNil(t, logs.entries[0].ErrorMessage)
	assert.Contains(t, *logs.entries[0].ErrorMessage, "empty")
}

func TestAsk_CancelledRequestStillLogged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := &fakeModel{reply: "late answer", onChat: cancel}
	logs := &fakeLogs{}

	got, err := newTestService(&fakeRetriever{}, m, logs).Ask(ctx, AskRequest{Question: "q"})
	require.NoError(t, err)
	assert.NoError(t, m.ctxErr, "the model call must not see the request cancellation")
	assert.Contains(t, got.Answer, "late answer")
	require.Len(t, logs.entries, 1)
	assert.Equal(t, "req-1", logs.entries[0].RequestID)
}

func TestAsk_AlreadyCancelledRequestStillLogged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	logs := &fakeLogs{}

	_, err := newTestService(&fakeRetriever{}, &fakeModel{reply: "ok"}, logs).Ask(ctx, AskRequest{Question: "q"})
	require.NoError(t, err)
	assert.Len(t, logs.entries, 1)
}

func TestRoute(t *testing.T) {
	mode, best := Route(nil, 0.3)
	assert.Equal(t, models.ModeUngrounded, mode)
	assert.Zero(t, best)

	mode, best = Route([]models.Passage{{Score: 0.1}, {Score: 0.3}}, 0.3)
	assert.Equal(t, models.ModeGrounded, mode, "a score equal to the threshold is grounded")
	assert.InDelta(t, 0.3, best, 1e-9)
}
