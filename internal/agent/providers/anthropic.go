// Package providers implements LLM provider adapters for the agent runtime.
//
// Each adapter satisfies agent.Provider: a single synchronous call that
// sends the full message history and the tools visible for the current
// context, and returns the ordered events the model produced. Retries,
// error classification, and message/tool format conversion are each
// provider's own responsibility.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/haasonsaas/agentbridge/internal/agent"
	"github.com/haasonsaas/agentbridge/internal/agent/toolconv"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

// AnthropicProvider implements agent.Provider for Anthropic's Claude API.
type AnthropicProvider struct {
	client anthropic.Client

	maxRetries int
	retryDelay time.Duration
	model      string
	maxTokens  int64
}

// AnthropicConfig holds configuration for NewAnthropicProvider.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int64
	MaxRetries int
	RetryDelay time.Duration
}

// NewAnthropicProvider constructs a provider from config, applying
// defaults for everything but APIKey.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.Model == "" {
		config.Model = "claude-sonnet-4-20250514"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:     anthropic.NewClient(opts...),
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
		model:      config.Model,
		maxTokens:  config.MaxTokens,
	}, nil
}

// Name returns the provider identifier used in logs and metric labels.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Run sends messages and tools to Claude and returns the turn's events:
// any text content first, then each tool_use block in the order Claude
// returned them.
func (p *AnthropicProvider) Run(ctx context.Context, messages []models.Message, tools []models.ToolDefinition) ([]agent.Event, error) {
	anthropicMessages, system, err := toolconv.ToAnthropicMessages(messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  anthropicMessages,
		MaxTokens: p.maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(tools) > 0 {
		toolParams, err := toolconv.ToAnthropicTools(tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = toolParams
	}

	var resp *anthropic.Message
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		resp, lastErr = p.client.Messages.New(ctx, params)
		if lastErr == nil {
			break
		}
		wrapped := p.wrapError(lastErr)
		if !IsRetryable(wrapped) {
			return []agent.Event{agent.NewErrorEvent(wrapped.Error())}, nil
		}
		if attempt < p.maxRetries {
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	if lastErr != nil {
		return []agent.Event{agent.NewErrorEvent(p.wrapError(lastErr).Error())}, nil
	}

	var events []agent.Event
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if variant.Text != "" {
				events = append(events, agent.NewTextEvent(variant.Text))
			}
		case anthropic.ToolUseBlock:
			events = append(events, agent.NewToolCallEvent(variant.ID, variant.Name, json.RawMessage(variant.Input)))
		}
	}
	return events, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "anthropic",
			Model:    p.model,
			Cause:    err,
			Reason:   FailoverUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					providerErr = providerErr.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					providerErr = providerErr.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					providerErr = providerErr.WithRequestID(payload.RequestID)
				}
			}
		}
		if providerErr.Message == "" {
			providerErr.Message = "anthropic request failed"
		}
		return providerErr
	}

	return NewProviderError("anthropic", p.model, err)
}
