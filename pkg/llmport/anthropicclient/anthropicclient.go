// Package anthropicclient implements the llmport.Client port against the
// Anthropic Messages API via the official anthropic-sdk-go.
package anthropicclient

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/llmport"
)

// defaultMaxContextTokens is used for Profile() when the caller hasn't
// overridden it; Claude 3.5-class models share this context window.
const defaultMaxContextTokens = 200_000

// Client wraps anthropic.Client to satisfy llmport.Client.
type Client struct {
	sdk              anthropic.Client
	modelID          string
	maxContextTokens int
}

// New constructs a Client for modelID, authenticating with apiKey.
func New(apiKey, modelID string) *Client {
	return &Client{
		sdk:              anthropic.NewClient(option.WithAPIKey(apiKey)),
		modelID:          modelID,
		maxContextTokens: defaultMaxContextTokens,
	}
}

// Completion implements llmport.Client.
func (c *Client) Completion(ctx context.Context, req llmport.CompletionRequest) (llmport.CompletionResponse, error) {
	start := time.Now()

	modelID := req.ModelID
	if modelID == "" {
		modelID = c.modelID
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	resp, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:         anthropic.Model(modelID),
		MaxTokens:     maxTokens,
		Temperature:   anthropic.Float(req.Temperature),
		StopSequences: req.StopSequences,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return llmport.CompletionResponse{}, classifyError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		text.WriteString(block.Text)
	}

	return llmport.CompletionResponse{
		Text: text.String(),
		Usage: llmport.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

// Profile implements llmport.Client.
func (c *Client) Profile() llmport.Profile {
	return llmport.Profile{ModelID: c.modelID, MaxContextTokens: c.maxContextTokens, SupportsStreaming: true}
}

// classifyError maps the SDK's error surface onto the port's taxonomy: a
// 429 from Anthropic is a rate limit the caller should back off on, not a
// generic LLM failure.
func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
		return apperrors.NewRateLimitError("anthropic rate limit").WithDetails(apiErr.Error())
	}
	return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "anthropic completion failed").WithCode(apperrors.CodeLLM)
}
