// Package engine answers questions and holds conversations over a retriever.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gamma-omg/docqa/docstore"
	"github.com/gamma-omg/docqa/history"
	"github.com/gamma-omg/docqa/llm"
)

// ErrNotReady is returned when no index is loaded.
var ErrNotReady = errors.New("query engine is not ready")

type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]docstore.SearchResult, error)
}

const (
	queryPrompt = `You answer questions about the user's documents.
Use only the context below. If the context does not contain the answer, say that you don't know.

Context:
%s`

	chatPrompt = `You are a helpful assistant chatting about the user's documents.
Use the context below together with the conversation so far. If the context is not relevant, answer from the conversation.

Context:
%s`

	noContext = "(no relevant documents found)"
)

type QueryEngine struct {
	log *slog.Logger
	llm llm.Chatter
}

func NewQueryEngine(log *slog.Logger, model llm.Chatter) *QueryEngine {
	return &QueryEngine{log: log, llm: model}
}

// Query retrieves the chunks most relevant to question and synthesizes an answer.
func (e *QueryEngine) Query(ctx context.Context, idx Retriever, question string) (string, error) {
	if idx == nil {
		return "", ErrNotReady
	}

	contextText, err := retrieveContext(ctx, idx, question)
	if err != nil {
		return "", err
	}

	answer, err := e.llm.Chat(ctx, []llm.Message{
		llm.SystemPrompt(fmt.Sprintf(queryPrompt, contextText)),
		llm.UserMessage(question),
	})
	if err != nil {
		return "", fmt.Errorf("failed to synthesize answer: %w", err)
	}

	e.log.Debug("query answered", "question_length", len(question), "answer_length", len(answer))
	return answer, nil
}

type ChatEngine struct {
	log *slog.Logger
	llm llm.Chatter
}

func NewChatEngine(log *slog.Logger, model llm.Chatter) *ChatEngine {
	return &ChatEngine{log: log, llm: model}
}

// Chat appends message to h, retrieves context for it and asks the model for a
// reply given the whole conversation. The returned history ends with the user
// message followed by the reply; h itself is never modified.
func (e *ChatEngine) Chat(ctx context.Context, idx Retriever, h history.History, message string) (string, history.History, error) {
	if idx == nil {
		return "", nil, ErrNotReady
	}

	updated := h.Clone()
	updated = append(updated, history.Turn{Role: history.RoleUser, Content: message})

	contextText, err := retrieveContext(ctx, idx, message)
	if err != nil {
		return "", nil, err
	}

	messages := make([]llm.Message, 0, len(updated)+1)
	messages = append(messages, llm.SystemPrompt(fmt.Sprintf(chatPrompt, contextText)))
	for _, t := range updated {
		switch t.Role {
		case history.RoleAssistant:
			messages = append(messages, llm.AssistantMessage(t.Content))
		default:
			messages = append(messages, llm.UserMessage(t.Content))
		}
	}

	reply, err := e.llm.Chat(ctx, messages)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate chat reply: %w", err)
	}

	updated = append(updated, history.Turn{Role: history.RoleAssistant, Content: reply})
	e.log.Debug("chat turn completed", "turns", len(updated))

	return reply, updated, nil
}

func retrieveContext(ctx context.Context, idx Retriever, query string) (string, error) {
	res, err := idx.Retrieve(ctx, query)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve context: %w", err)
	}
	if len(res) == 0 {
		return noContext, nil
	}

	var sb strings.Builder
	for i, r := range res {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s]\n%s", r.File, r.Text)
	}

	return sb.String(), nil
}
