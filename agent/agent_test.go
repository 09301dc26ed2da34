package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamma-omg/docqa/docstore"
	"github.com/gamma-omg/docqa/engine"
	"github.com/gamma-omg/docqa/geocode"
	"github.com/gamma-omg/docqa/llm"
)

// scriptedModel replays canned responses and records every request.
type scriptedModel struct {
	responses []*llm.ChatResponse
	err       error
	requests  [][]llm.Message
	tools     []llm.ToolDescriptor
}

func (m *scriptedModel) ChatWithTools(ctx context.Context, messages []llm.Message, tools []llm.ToolDescriptor) (*llm.ChatResponse, error) {
	m.requests = append(m.requests, append([]llm.Message(nil), messages...))
	m.tools = tools
	if m.err != nil {
		return nil, m.err
	}
	if len(m.requests) > len(m.responses) {
		return &llm.ChatResponse{ToolCalls: []llm.ToolCall{{ID: "again", Name: "ask_question", Arguments: `{"query": "x"}`}}}, nil
	}

	return m.responses[len(m.requests)-1], nil
}

type stubGeocoder struct {
	loc *geocode.Location
	err error
	got []string
}

func (g *stubGeocoder) Geocode(ctx context.Context, address string) (*geocode.Location, error) {
	g.got = append(g.got, address)
	return g.loc, g.err
}

type stubQuerier struct {
	answer string
	err    error
}

func (q *stubQuerier) Query(ctx context.Context, idx engine.Retriever, question string) (string, error) {
	if idx == nil {
		return "", engine.ErrNotReady
	}
	return q.answer, q.err
}

type nopRetriever struct{}

func (nopRetriever) Retrieve(ctx context.Context, query string) ([]docstore.SearchResult, error) {
	return nil, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openNop(ctx context.Context) (engine.Retriever, error) {
	return nopRetriever{}, nil
}

func Test_New_DuplicateTool(t *testing.T) {
	g := NewGeocodeTool(&stubGeocoder{})
	_, err := New(discardLogger(), &scriptedModel{}, Config{}, g, g)
	require.Error(t, err)
}

func Test_Route_DirectAnswer(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{{Content: "Hello!"}}}
	a, err := New(discardLogger(), model, Config{},
		NewRetrievalTool(openNop, &stubQuerier{}),
		NewGeocodeTool(&stubGeocoder{}))
	require.NoError(t, err)

	answer, err := a.Route(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello!", answer)

	require.Len(t, model.requests, 1)
	assert.Equal(t, llm.RoleSystem, model.requests[0][0].Role)
	assert.Equal(t, llm.UserMessage("hi"), model.requests[0][1])

	var names []string
	for _, d := range model.tools {
		names = append(names, d.Name)
		assert.True(t, json.Valid(d.Parameters))
	}
	assert.Equal(t, []string{"ask_question", "getAddressComponents"}, names)
}

func Test_Route_GeocodeTool(t *testing.T) {
	geo := &stubGeocoder{loc: &geocode.Location{Address: "Eiffel Tower", Lat: 48.8584, Lng: 2.2945, City: "Paris", Country: "France"}}
	model := &scriptedModel{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "getAddressComponents", Arguments: `{"address": "Eiffel Tower"}`}}},
		{Content: "The Eiffel Tower is in Paris, France."},
	}}
	a, err := New(discardLogger(), model, Config{}, NewGeocodeTool(geo))
	require.NoError(t, err)

	answer, err := a.Route(context.Background(), "Where is the Eiffel Tower?")
	require.NoError(t, err)
	assert.Equal(t, "The Eiffel Tower is in Paris, France.", answer)
	assert.Equal(t, []string{"Eiffel Tower"}, geo.got)

	require.Len(t, model.requests, 2)
	second := model.requests[1]
	require.Len(t, second, 4)
	assert.Equal(t, llm.RoleAssistant, second[2].Role)
	assert.Equal(t, "c1", second[2].ToolCalls[0].ID)
	assert.Equal(t, llm.RoleTool, second[3].Role)
	assert.Equal(t, "c1", second[3].ToolCallID)

	var loc geocode.Location
	require.NoError(t, json.Unmarshal([]byte(second[3].Content), &loc))
	assert.Equal(t, "Paris", loc.City)
}

func Test_Route_GeocodeNoResults(t *testing.T) {
	geo := &stubGeocoder{err: &geocode.GeocodeError{Address: "nowhere", Err: geocode.ErrNoResults}}
	model := &scriptedModel{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "getAddressComponents", Arguments: `{"address": "nowhere"}`}}},
		{Content: "I could not find that address."},
	}}
	a, err := New(discardLogger(), model, Config{}, NewGeocodeTool(geo))
	require.NoError(t, err)

	answer, err := a.Route(context.Background(), "Where is nowhere?")
	require.NoError(t, err)
	assert.Equal(t, "I could not find that address.", answer)

	toolMsg := model.requests[1][3]
	assert.True(t, strings.HasPrefix(toolMsg.Content, "Error: "), toolMsg.Content)
	assert.Contains(t, toolMsg.Content, geocode.ErrNoResults.Error())
}

func Test_Route_RetrievalTool(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "ask_question", Arguments: `{"query": "hottest planet"}`}}},
		{Content: "Venus."},
	}}
	a, err := New(discardLogger(), model, Config{}, NewRetrievalTool(openNop, &stubQuerier{answer: "Venus is the hottest planet."}))
	require.NoError(t, err)

	answer, err := a.Route(context.Background(), "Which planet is hottest?")
	require.NoError(t, err)
	assert.Equal(t, "Venus.", answer)
	assert.Equal(t, "Venus is the hottest planet.", model.requests[1][3].Content)
}

func Test_Route_UnknownTool(t *testing.T) {
	model := &scriptedModel{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "weather", Arguments: `{}`}}},
		{Content: "Sorry."},
	}}
	a, err := New(discardLogger(), model, Config{})
	require.NoError(t, err)

	_, err = a.Route(context.Background(), "weather?")
	require.NoError(t, err)
	assert.Equal(t, "Error: unknown tool weather", model.requests[1][3].Content)
}

func Test_Route_MaxIterations(t *testing.T) {
	model := &scriptedModel{}
	a, err := New(discardLogger(), model, Config{MaxIterations: 3}, NewRetrievalTool(openNop, &stubQuerier{answer: "x"}))
	require.NoError(t, err)

	_, err = a.Route(context.Background(), "loop")
	require.ErrorIs(t, err, ErrMaxIterations)
	assert.Len(t, model.requests, 3)
}

func Test_Route_ModelError(t *testing.T) {
	a, err := New(discardLogger(), &scriptedModel{err: errors.New("unavailable")}, Config{})
	require.NoError(t, err)

	_, err = a.Route(context.Background(), "hi")
	require.Error(t, err)
}

func Test_RetrievalTool_Invoke(t *testing.T) {
	opened := 0
	open := func(ctx context.Context) (engine.Retriever, error) {
		opened++
		return nopRetriever{}, nil
	}
	tool := NewRetrievalTool(open, &stubQuerier{answer: "answer"})

	out, err := tool.Invoke(context.Background(), json.RawMessage(`{"query": "q"}`))
	require.NoError(t, err)
	assert.Equal(t, "answer", out)

	_, err = tool.Invoke(context.Background(), json.RawMessage(`{"query": "q"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, opened, "index is reopened on every call")

	_, err = tool.Invoke(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)

	_, err = tool.Invoke(context.Background(), json.RawMessage(`not json`))
	require.Error(t, err)
}

func Test_RetrievalTool_OpenError(t *testing.T) {
	notBuilt := errors.New("index has not been built")
	tool := NewRetrievalTool(func(ctx context.Context) (engine.Retriever, error) {
		return nil, notBuilt
	}, &stubQuerier{})

	_, err := tool.Invoke(context.Background(), json.RawMessage(`{"query": "q"}`))
	require.ErrorIs(t, err, notBuilt)
}

func Test_GeocodeTool_Invoke(t *testing.T) {
	geo := &stubGeocoder{loc: &geocode.Location{Address: "x", Lat: 1, Lng: 2}}
	tool := NewGeocodeTool(geo)

	out, err := tool.Invoke(context.Background(), json.RawMessage(`{"address": "x"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"address": "x", "lat": 1, "lng": 2}`, out)

	_, err = tool.Invoke(context.Background(), json.RawMessage(`{"address": "  "}`))
	require.Error(t, err)
	assert.Len(t, geo.got, 1)
}
