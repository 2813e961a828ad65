package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/wolfman30/security-gate-ai/internal/schema"
)

// GeminiClient implements Client using Google's Gemini API. Schema requests
// use JSON response mode with a response schema derived from the contract.
type GeminiClient struct {
	client  *genai.Client
	modelID string
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(ctx context.Context, apiKey, modelID string) (*GeminiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("llm: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("llm: failed to create gemini client: %w", err)
	}
	return &GeminiClient{client: client, modelID: modelID}, nil
}

// Complete sends a completion request to Gemini and returns the response.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	modelID := c.modelID
	if strings.TrimSpace(req.Model) != "" {
		modelID = req.Model
	}
	model := c.client.GenerativeModel(modelID)

	if req.Temperature >= 0 {
		model.SetTemperature(req.Temperature)
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(req.MaxTokens)
	}
	if systemText := strings.TrimSpace(strings.Join(req.System, "\n\n")); systemText != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(systemText))
	}
	if req.Schema != nil && len(req.Schema.Fields) > 0 {
		model.ResponseMIMEType = "application/json"
		model.ResponseSchema = geminiSchema(*req.Schema)
	}

	history, last, err := geminiTurns(req.Messages)
	if err != nil {
		return Response{}, err
	}
	cs := model.StartChat()
	cs.History = history

	parts := []genai.Part{genai.Text(last)}
	for _, img := range req.Images {
		parts = append(parts, genai.ImageData(strings.TrimPrefix(strings.ToLower(img.Format), "image/"), img.Data))
	}

	resp, err := cs.SendMessage(ctx, parts...)
	if err != nil {
		return Response{}, fmt.Errorf("llm: gemini completion failed: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return Response{}, errors.New("llm: gemini returned no candidates")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return Response{}, errors.New("llm: gemini returned empty content")
	}

	var responseText strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	result := Response{
		Text:       strings.TrimSpace(responseText.String()),
		StopReason: candidate.FinishReason.String(),
	}
	if resp.UsageMetadata != nil {
		result.Usage = TokenUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		}
	}
	return result, nil
}

// Close releases resources held by the Gemini client.
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// geminiTurns splits messages into chat history and the final user text.
// System messages are skipped; they travel as the system instruction.
func geminiTurns(messages []Message) ([]*genai.Content, string, error) {
	var turns []Message
	for _, msg := range messages {
		if msg.Role == RoleSystem || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		turns = append(turns, msg)
	}
	if len(turns) == 0 {
		return nil, "", errors.New("llm: gemini requires at least one message")
	}

	history := make([]*genai.Content, 0, len(turns)-1)
	for _, msg := range turns[:len(turns)-1] {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(strings.TrimSpace(msg.Content))},
		})
	}
	return history, strings.TrimSpace(turns[len(turns)-1].Content), nil
}

func geminiSchema(c schema.Contract) *genai.Schema {
	out := &genai.Schema{
		Type:        genai.TypeObject,
		Description: c.Description,
		Properties:  make(map[string]*genai.Schema, len(c.Fields)),
		Required:    c.Required(),
	}
	for _, f := range c.Fields {
		prop := &genai.Schema{Description: f.Description, Nullable: !f.Required}
		switch f.Type {
		case schema.TypeNumber:
			prop.Type = genai.TypeNumber
		case schema.TypeBoolean:
			prop.Type = genai.TypeBoolean
		case schema.TypeArray:
			prop.Type = genai.TypeArray
			prop.Items = &genai.Schema{Type: genai.TypeString}
		default:
			prop.Type = genai.TypeString
			if len(f.Enum) > 0 {
				prop.Format = "enum"
				prop.Enum = append([]string(nil), f.Enum...)
			}
		}
		out.Properties[f.Name] = prop
	}
	return out
}
