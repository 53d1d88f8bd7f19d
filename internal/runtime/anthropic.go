package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// AnthropicRunner drives the Anthropic Messages API.
type AnthropicRunner struct {
	client *anthropic.Client
}

// NewAnthropicRunner creates the driver. An empty apiKey falls back to the
// SDK's environment lookup.
func NewAnthropicRunner(apiKey string) *AnthropicRunner {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicRunner{client: &client}
}

func (r *AnthropicRunner) Provider() string { return "anthropic" }

// Run sends the merged system prompt and the caller's input as one message,
// capped at the resolved token ceiling.
func (r *AnthropicRunner) Run(ctx context.Context, cfg *models.ResolvedAgentConfig, input string) (*models.AgentResult, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.LLMModel),
		MaxTokens: int64(cfg.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: cfg.SystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(input)),
		},
	}

	resp, err := r.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var output strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			output.WriteString(block.AsText().Text)
		}
	}

	return &models.AgentResult{
		InvocationID: uuid.New().String(),
		AgentID:      cfg.AgentID,
		TenantID:     cfg.TenantID,
		Version:      cfg.Version,
		Output:       output.String(),
		TokensUsed:   int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}, nil
}
