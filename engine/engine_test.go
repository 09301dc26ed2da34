package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gamma-omg/docqa/docstore"
	"github.com/gamma-omg/docqa/history"
	"github.com/gamma-omg/docqa/llm"
)

type mockChatter struct {
	mock.Mock
}

func (m *mockChatter) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	args := m.Called(ctx, messages)
	return args.String(0), args.Error(1)
}

type fakeRetriever struct {
	results []docstore.SearchResult
	err     error
	queries []string
}

func (r *fakeRetriever) Retrieve(ctx context.Context, query string) ([]docstore.SearchResult, error) {
	r.queries = append(r.queries, query)
	return r.results, r.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func Test_Query_NotReady(t *testing.T) {
	model := &mockChatter{}
	e := NewQueryEngine(discardLogger(), model)

	_, err := e.Query(context.Background(), nil, "anything")
	require.ErrorIs(t, err, ErrNotReady)
	model.AssertNotCalled(t, "Chat", mock.Anything, mock.Anything)
}

func Test_Query_UsesRetrievedContext(t *testing.T) {
	idx := &fakeRetriever{results: []docstore.SearchResult{
		{File: "planets.pdf", Text: "Venus is the hottest planet."},
	}}
	model := &mockChatter{}
	model.On("Chat", mock.Anything, mock.MatchedBy(func(msgs []llm.Message) bool {
		return len(msgs) == 2 &&
			msgs[0].Role == llm.RoleSystem &&
			strings.Contains(msgs[0].Content, "Venus is the hottest planet.") &&
			msgs[1].Role == llm.RoleUser &&
			msgs[1].Content == "Which planet is hottest?"
	})).Return("Venus", nil).Once()

	e := NewQueryEngine(discardLogger(), model)
	answer, err := e.Query(context.Background(), idx, "Which planet is hottest?")
	require.NoError(t, err)
	assert.Equal(t, "Venus", answer)
	assert.Equal(t, []string{"Which planet is hottest?"}, idx.queries)
	model.AssertExpectations(t)
}

func Test_Query_NoResults(t *testing.T) {
	model := &mockChatter{}
	model.On("Chat", mock.Anything, mock.MatchedBy(func(msgs []llm.Message) bool {
		return strings.Contains(msgs[0].Content, noContext)
	})).Return("I don't know", nil).Once()

	e := NewQueryEngine(discardLogger(), model)
	answer, err := e.Query(context.Background(), &fakeRetriever{}, "?")
	require.NoError(t, err)
	assert.Equal(t, "I don't know", answer)
}

func Test_Query_RetrieveError(t *testing.T) {
	model := &mockChatter{}
	e := NewQueryEngine(discardLogger(), model)

	_, err := e.Query(context.Background(), &fakeRetriever{err: errors.New("store down")}, "?")
	require.Error(t, err)
	model.AssertNotCalled(t, "Chat", mock.Anything, mock.Anything)
}

func Test_Chat_Ordering(t *testing.T) {
	prior := history.History{
		{Role: history.RoleUser, Content: "A"},
		{Role: history.RoleAssistant, Content: "B"},
	}
	idx := &fakeRetriever{results: []docstore.SearchResult{{File: "f.pdf", Text: "ctx"}}}

	var sent []llm.Message
	model := &mockChatter{}
	model.On("Chat", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).([]llm.Message) }).
		Return("D", nil).Once()

	e := NewChatEngine(discardLogger(), model)
	reply, updated, err := e.Chat(context.Background(), idx, prior, "C")
	require.NoError(t, err)
	assert.Equal(t, "D", reply)

	require.Len(t, sent, 4)
	assert.Equal(t, llm.RoleSystem, sent[0].Role)
	assert.Equal(t, llm.UserMessage("A"), sent[1])
	assert.Equal(t, llm.AssistantMessage("B"), sent[2])
	assert.Equal(t, llm.UserMessage("C"), sent[3])

	assert.Equal(t, history.History{
		{Role: history.RoleUser, Content: "A"},
		{Role: history.RoleAssistant, Content: "B"},
		{Role: history.RoleUser, Content: "C"},
		{Role: history.RoleAssistant, Content: "D"},
	}, updated)
	assert.Len(t, prior, 2)
	assert.Equal(t, []string{"C"}, idx.queries)
}

func Test_Chat_ModelError(t *testing.T) {
	model := &mockChatter{}
	model.On("Chat", mock.Anything, mock.Anything).Return("", errors.New("rate limited")).Once()

	e := NewChatEngine(discardLogger(), model)
	_, updated, err := e.Chat(context.Background(), &fakeRetriever{}, history.History{}, "hi")
	require.Error(t, err)
	assert.Nil(t, updated)
}

func Test_Chat_NotReady(t *testing.T) {
	e := NewChatEngine(discardLogger(), &mockChatter{})

	_, _, err := e.Chat(context.Background(), nil, nil, "hi")
	require.ErrorIs(t, err, ErrNotReady)
}
