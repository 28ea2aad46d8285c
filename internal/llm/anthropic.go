package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is a small, fast model suited to short merges.
const DefaultAnthropicModel = "claude-3-5-haiku-20241022"

// AnthropicClient completes prompts with the Anthropic Messages API.
type AnthropicClient struct {
	client *anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	return &AnthropicClient{client: anthropic.NewClient(option.WithAPIKey(apiKey))}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return string(ProviderAnthropic)
}

// DefaultModel returns DefaultAnthropicModel.
func (c *AnthropicClient) DefaultModel() string {
	return DefaultAnthropicModel
}

// Complete sends req as a single Messages call. System text goes in the
// dedicated system field rather than the message list.
func (c *AnthropicClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.F(req.Model),
		MaxTokens:   anthropic.F(int64(req.MaxTokens)),
		Messages:    anthropic.F(messages),
		Temperature: anthropic.F(req.Temperature),
	}
	if req.System != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{anthropic.NewTextBlock(req.System)})
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			text.WriteString(block.Text)
		}
	}

	return &CompletionResponse{
		Content:    text.String(),
		Model:      resp.Model,
		TokensIn:   int(resp.Usage.InputTokens),
		TokensOut:  int(resp.Usage.OutputTokens),
		StopReason: anthropicStop(resp.StopReason),
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

func anthropicStop(r anthropic.MessageStopReason) StopReason {
	switch r {
	case anthropic.MessageStopReasonEndTurn, anthropic.MessageStopReasonStopSequence:
		return StopEnd
	case anthropic.MessageStopReasonMaxTokens:
		return StopLength
	default:
		return StopOther
	}
}
