// Package agent routes user messages through a tool-calling model.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gamma-omg/docqa/llm"
)

// ErrMaxIterations is returned when the model keeps requesting tools past the
// configured number of rounds.
var ErrMaxIterations = errors.New("agent exceeded maximum tool iterations")

const defaultSystemPrompt = `You are an assistant for a document library.
Use ask_question for anything the user's documents may answer and getAddressComponents to resolve addresses.
If a tool reports an error, explain the failure to the user instead of guessing.`

// Tool is a capability the model may invoke by name.
type Tool interface {
	Name() string
	Description() string
	// InputSchema is the JSON Schema of the arguments Invoke accepts.
	InputSchema() map[string]any
	Invoke(ctx context.Context, input json.RawMessage) (string, error)
}

type Config struct {
	MaxIterations int
	SystemPrompt  string
}

type Agent struct {
	log           *slog.Logger
	llm           llm.ToolCaller
	tools         []Tool
	byName        map[string]Tool
	descriptors   []llm.ToolDescriptor
	maxIterations int
	systemPrompt  string
}

func New(log *slog.Logger, model llm.ToolCaller, cfg Config, tools ...Tool) (*Agent, error) {
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 5
	}

	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}

	a := &Agent{
		log:           log,
		llm:           model,
		byName:        make(map[string]Tool, len(tools)),
		maxIterations: maxIterations,
		systemPrompt:  prompt,
	}

	for _, t := range tools {
		if _, ok := a.byName[t.Name()]; ok {
			return nil, fmt.Errorf("tool already registered: %s", t.Name())
		}

		params, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal schema of tool %s: %w", t.Name(), err)
		}

		a.byName[t.Name()] = t
		a.tools = append(a.tools, t)
		a.descriptors = append(a.descriptors, llm.ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  params,
		})
	}

	return a, nil
}

func (a *Agent) Tools() []Tool {
	return append([]Tool(nil), a.tools...)
}

// Route lets the model answer message directly or through the registered tools.
// Tool failures are reported back to the model, which decides how to present
// them.
func (a *Agent) Route(ctx context.Context, message string) (string, error) {
	messages := []llm.Message{
		llm.SystemPrompt(a.systemPrompt),
		llm.UserMessage(message),
	}

	for i := range a.maxIterations {
		resp, err := a.llm.ChatWithTools(ctx, messages, a.descriptors)
		if err != nil {
			return "", fmt.Errorf("failed to route message: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			a.log.Debug("agent answered", "iterations", i+1)
			return resp.Content, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: tc.ID,
				Content:    a.invoke(ctx, tc),
			})
		}
	}

	return "", ErrMaxIterations
}

func (a *Agent) invoke(ctx context.Context, tc llm.ToolCall) string {
	tool, ok := a.byName[tc.Name]
	if !ok {
		a.log.Warn("model requested unknown tool", "tool", tc.Name)
		return fmt.Sprintf("Error: unknown tool %s", tc.Name)
	}

	args := json.RawMessage(tc.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	out, err := tool.Invoke(ctx, args)
	if err != nil {
		a.log.Warn("tool failed", "tool", tc.Name, "error", err)
		return fmt.Sprintf("Error: %v", err)
	}

	return out
}
