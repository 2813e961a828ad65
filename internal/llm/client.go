package llm

import (
	"context"

	"github.com/wolfman30/security-gate-ai/internal/schema"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversational turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Image is an inline image attached to the final user turn.
type Image struct {
	// Format is the short image format, e.g. "jpeg" or "png".
	Format string
	Data   []byte
}

// TokenUsage captures token accounting returned by the provider.
type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// Request is the provider-agnostic completion request.
type Request struct {
	Model    string
	System   []string
	Messages []Message
	// MaxTokens caps the output length. Zero leaves the provider default.
	MaxTokens int32
	// Temperature is omitted when negative.
	Temperature float32
	// Schema, when set, asks the provider to constrain output to the contract.
	Schema *schema.Contract
	Images []Image
}

// Response is the provider-agnostic completion result.
type Response struct {
	Text       string
	Usage      TokenUsage
	StopReason string
}

// Client is a black-box language model capability.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
