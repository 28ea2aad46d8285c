package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/collaboration-engine/internal/model"
	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
)

const mergeInstructions = `Two collaborators edited overlapping parts of the same document at almost the same time.
Combine both edits into one fragment that keeps the intent of each.
Reply with the merged fragment only, without commentary or quotes.`

// Merge token budget bounds. The budget grows with the fragments being
// merged, at roughly four characters per token.
const (
	minMergeTokens = 256
	maxMergeTokens = 2048
)

// MergeAssistant proposes merged content for a conflict using an LLM.
type MergeAssistant struct {
	client  Client
	model   string
	timeout time.Duration
	logger  *logger.Logger
}

// NewMergeAssistant creates a merge assistant. An empty model uses the
// provider's default.
func NewMergeAssistant(client Client, model string, log *logger.Logger) *MergeAssistant {
	if model == "" {
		model = client.DefaultModel()
	}
	return &MergeAssistant{
		client:  client,
		model:   model,
		timeout: 30 * time.Second,
		logger:  log,
	}
}

// MergePrompt renders the conflicting fragments as a single user message.
func MergePrompt(c *model.Conflict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Region: position %d, length %d.\n", c.Position, c.Length)
	fmt.Fprintf(&b, "\nFirst edit (by %s):\n%s\n", c.EarlierUserID, c.EarlierContent)
	fmt.Fprintf(&b, "\nSecond edit (by %s):\n%s\n", c.LaterUserID, c.LaterContent)
	return b.String()
}

// mergeTokenBudget leaves room for a merge as long as both fragments together.
func mergeTokenBudget(c *model.Conflict) int {
	n := (len(c.EarlierContent)+len(c.LaterContent))/4 + minMergeTokens
	if n > maxMergeTokens {
		n = maxMergeTokens
	}
	return n
}

// SuggestMerge asks the model for a merged fragment. The result is advisory.
func (a *MergeAssistant) SuggestMerge(ctx context.Context, c *model.Conflict) (*model.MergeSuggestion, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.Complete(ctx, &CompletionRequest{
		Model:       a.model,
		System:      mergeInstructions,
		Messages:    []ChatMessage{{Role: "user", Content: MergePrompt(c)}},
		MaxTokens:   mergeTokenBudget(c),
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("%s completion failed: %w", a.client.Name(), err)
	}
	if resp.StopReason == StopLength {
		return nil, errors.New("model ran out of tokens before finishing the merge")
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil, errors.New("model returned an empty suggestion")
	}

	a.logger.Info("merge suggested",
		zap.String("conflict_id", c.ID),
		zap.String("provider", a.client.Name()),
		zap.String("model", resp.Model),
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Int64("latency_ms", resp.LatencyMs),
	)

	return &model.MergeSuggestion{
		ConflictID: c.ID,
		Content:    content,
		Provider:   a.client.Name(),
		Model:      resp.Model,
	}, nil
}
