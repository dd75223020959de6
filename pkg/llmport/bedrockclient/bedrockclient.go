// Package bedrockclient implements the llmport.Client port against
// Anthropic Claude models served through AWS Bedrock's InvokeModel API,
// using the Bedrock-native Anthropic message wire format.
package bedrockclient

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/llmport"
)

const defaultMaxContextTokens = 200_000

// anthropicVersion is the Bedrock-required wire-format tag for Claude
// models, independent of the model's own version string.
const anthropicVersion = "bedrock-2023-05-31"

// Client wraps bedrockruntime.Client to satisfy llmport.Client.
type Client struct {
	rt               *bedrockruntime.Client
	modelID          string
	maxContextTokens int
}

// New constructs a Client for modelID (a Bedrock model ARN or ID) using an
// already-configured Bedrock runtime client.
func New(rt *bedrockruntime.Client, modelID string) *Client {
	return &Client{rt: rt, modelID: modelID, maxContextTokens: defaultMaxContextTokens}
}

// NewFromEnv resolves AWS credentials and region through the SDK's default
// chain (env vars, shared config, EC2/ECS role) and constructs a Client for
// modelID. region overrides the resolved default when non-empty.
func NewFromEnv(ctx context.Context, modelID, region string) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "load default aws config").WithCode(apperrors.CodeLLM)
	}
	return New(bedrockruntime.NewFromConfig(cfg), modelID), nil
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      float64          `json:"temperature,omitempty"`
	StopSequences    []string         `json:"stop_sequences,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bedrockResponse struct {
	Content []bedrockContentBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Completion implements llmport.Client.
func (c *Client) Completion(ctx context.Context, req llmport.CompletionRequest) (llmport.CompletionResponse, error) {
	start := time.Now()

	modelID := req.ModelID
	if modelID == "" {
		modelID = c.modelID
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Temperature:      req.Temperature,
		StopSequences:    req.StopSequences,
		Messages:         []bedrockMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return llmport.CompletionResponse{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "marshal bedrock request").WithCode(apperrors.CodeLLM)
	}

	out, err := c.rt.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return llmport.CompletionResponse{}, classifyError(err)
	}

	var parsed bedrockResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return llmport.CompletionResponse{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse bedrock response").WithCode(apperrors.CodeLLM)
	}

	var text string
	for _, block := range parsed.Content {
		text += block.Text
	}

	return llmport.CompletionResponse{
		Text: text,
		Usage: llmport.Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

// Profile implements llmport.Client.
func (c *Client) Profile() llmport.Profile {
	return llmport.Profile{ModelID: c.modelID, MaxContextTokens: c.maxContextTokens, SupportsStreaming: false}
}

// classifyError maps Bedrock's throttling exception onto the port's
// rate-limit taxonomy member.
func classifyError(err error) error {
	var throttled *types.ThrottlingException
	var apiErr smithy.APIError
	if isThrottling(err, &throttled) {
		return apperrors.NewRateLimitError("bedrock throttled the request").WithDetails(throttled.Error())
	}
	if isAPIError(err, &apiErr) {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "bedrock completion failed: "+apiErr.ErrorCode()).WithCode(apperrors.CodeLLM)
	}
	return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "bedrock completion failed").WithCode(apperrors.CodeLLM)
}

func isThrottling(err error, target **types.ThrottlingException) bool {
	return errors.As(err, target)
}

func isAPIError(err error, target *smithy.APIError) bool {
	ae, ok := err.(smithy.APIError)
	if ok {
		*target = ae
	}
	return ok
}
