package runtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// OpenAIRunner drives the OpenAI Chat Completions API. A non-empty baseURL
// points the same driver at any OpenAI-compatible endpoint (Azure, local
// inference servers).
type OpenAIRunner struct {
	client *openai.Client
}

// NewOpenAIRunner creates the driver. An empty apiKey falls back to the
// SDK's environment lookup.
func NewOpenAIRunner(apiKey, baseURL string) *OpenAIRunner {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIRunner{client: &client}
}

func (r *OpenAIRunner) Provider() string { return "openai" }

// Run sends the merged system prompt and the caller's input as one chat
// completion, capped at the resolved token ceiling.
func (r *OpenAIRunner) Run(ctx context.Context, cfg *models.ResolvedAgentConfig, input string) (*models.AgentResult, error) {
	params := openai.ChatCompletionNewParams{
		Model: cfg.LLMModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(cfg.SystemPrompt),
			openai.UserMessage(input),
		},
		MaxCompletionTokens: openai.Int(int64(cfg.MaxTokens)),
	}

	resp, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: no choices returned")
	}

	return &models.AgentResult{
		InvocationID: uuid.New().String(),
		AgentID:      cfg.AgentID,
		TenantID:     cfg.TenantID,
		Version:      cfg.Version,
		Output:       resp.Choices[0].Message.Content,
		TokensUsed:   int(resp.Usage.TotalTokens),
	}, nil
}
