// Package llm provides LLM clients used to propose merges for edit conflicts.
package llm

import (
	"context"
	"errors"
	"fmt"
)

var errIncompleteRequest = errors.New("completion request needs a model and a token budget")

// CompletionRequest represents a completion request. Model and MaxTokens
// are required; providers apply no defaults of their own.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

func (r *CompletionRequest) validate() error {
	if r.Model == "" || r.MaxTokens <= 0 {
		return errIncompleteRequest
	}
	return nil
}

// StopReason says why a provider stopped generating.
type StopReason string

const (
	StopEnd    StopReason = "end"
	StopLength StopReason = "length"
	StopOther  StopReason = "other"
)

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason StopReason
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// DefaultModel is the model used when none is configured.
	DefaultModel() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}

// FromKeys picks a provider by which API key is configured, preferring
// Anthropic. It returns nil when neither key is set.
func FromKeys(anthropicKey, openAIKey string) (Client, error) {
	switch {
	case anthropicKey != "":
		return NewAnthropicClient(anthropicKey)
	case openAIKey != "":
		return NewOpenAIClient(openAIKey)
	}
	return nil, nil
}
