package avatar

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const enrichInstruction = "Expand the following avatar description into a single detailed " +
	"image-generation prompt for a front-facing portrait suitable for facial animation. " +
	"Keep the face centered, neutral background, photo-realistic. " +
	"Reply with the prompt only, no commentary.\n\nDescription: %s"

// Enricher expands a terse avatar style descriptor into a detailed
// image-generation prompt using Gemini.
type Enricher struct {
	client *genai.Client
	model  string
}

// NewEnricher creates a Gemini-backed prompt enricher.
func NewEnricher(ctx context.Context, apiKey, model string) (*Enricher, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Enricher{client: client, model: model}, nil
}

// Enrich returns the expanded prompt for a style descriptor.
func (e *Enricher) Enrich(ctx context.Context, style string) (string, error) {
	gm := e.client.GenerativeModel(e.model)
	gm.SetTemperature(0.4)

	resp, err := gm.GenerateContent(ctx, genai.Text(fmt.Sprintf(enrichInstruction, style)))
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	text, err := extractText(resp)
	if err != nil {
		return "", err
	}
	return text, nil
}

// Close releases resources held by the client.
func (e *Enricher) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// extractText flattens the first candidate's text parts.
func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("empty response from model")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("no text content in response")
	}
	return out, nil
}
