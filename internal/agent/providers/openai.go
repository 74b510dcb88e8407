package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/agentbridge/internal/agent"
	"github.com/haasonsaas/agentbridge/internal/agent/toolconv"
	"github.com/haasonsaas/agentbridge/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements agent.Provider against OpenAI's chat
// completions API. Run is a single non-streaming call — the orchestrator,
// not the provider, owns how (or whether) partial text reaches the
// client.
type OpenAIProvider struct {
	BaseProvider

	client *openai.Client
	model  string
}

// NewOpenAIProvider creates a provider bound to model using apiKey.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider("openai", 3, time.Second),
		client:       openai.NewClient(apiKey),
		model:        model,
	}
}

// Name returns the provider name used in logs and metric labels.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Run sends the full history and visible tools to OpenAI and returns the
// turn's events in the order the API reported them: text first, then
// tool calls, matching the order required for dispatch.
func (p *OpenAIProvider) Run(ctx context.Context, messages []models.Message, tools []models.ToolDefinition) ([]agent.Event, error) {
	if p.client == nil {
		return nil, errors.New("openai: client not configured")
	}

	chatMessages, err := toolconv.ToOpenAIMessages(messages)
	if err != nil {
		return nil, fmt.Errorf("convert messages: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: chatMessages,
	}
	if len(tools) > 0 {
		req.Tools = toolconv.ToOpenAITools(tools)
	}

	var resp openai.ChatCompletionResponse
	runErr := p.Retry(ctx, isRetryableError, func() error {
		var err error
		resp, err = p.client.CreateChatCompletion(ctx, req)
		return err
	})
	if runErr != nil {
		return []agent.Event{agent.NewErrorEvent(runErr.Error())}, nil
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty response")
	}
	choice := resp.Choices[0]

	var events []agent.Event
	if choice.Message.Content != "" {
		events = append(events, agent.NewTextEvent(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		events = append(events, agent.NewToolCallEvent(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}
	return events, nil
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
