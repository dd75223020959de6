// Package llmport defines the LLM client port (§6): a narrow
// completion/profile contract that both concrete backends
// (pkg/llmport/anthropicclient, pkg/llmport/bedrockclient) implement, and
// that pkg/llmport's ResilientClient wraps with a circuit breaker and
// bounded retries.
package llmport

import (
	"context"

	"github.com/google/uuid"
)

// CompletionRequest is the §6 LLM client port's completion() request shape.
type CompletionRequest struct {
	TraceID       uuid.UUID
	Prompt        string
	ModelID       string
	MaxTokens     int
	Temperature   float64
	StopSequences []string
}

// Usage is the token accounting a completion call reports back.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the §6 LLM client port's completion() result shape.
type CompletionResponse struct {
	Text      string
	Usage     Usage
	LatencyMS int64
}

// Profile describes a backend's fixed capabilities.
type Profile struct {
	ModelID           string
	MaxContextTokens  int
	SupportsStreaming bool
}

// Client is the §6 LLM client port.
type Client interface {
	Completion(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	Profile() Profile
}
