package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/roomstudio/roomstudio/internal/models"
)

const expertSystemInstruction = "You are an interior design prompt engineer for a photorealistic image model. " +
	"Rewrite the given prompt into one richer prompt of at most 80 words. " +
	"Keep the design style and room type words exactly as given. " +
	"Describe materials, light and composition concretely. Return only the prompt text."

// GeminiExpert rewrites prompts with a Gemini model.
type GeminiExpert struct {
	client    *genai.Client
	modelName string
}

func NewGeminiExpert(ctx context.Context, apiKey, modelName string) (*GeminiExpert, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiExpert{client: client, modelName: modelName}, nil
}

func (g *GeminiExpert) Close() error {
	return g.client.Close()
}

func (g *GeminiExpert) Rewrite(ctx context.Context, basePrompt string, req models.GenerationRequest) (string, error) {
	model := g.client.GenerativeModel(g.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(expertSystemInstruction)},
	}

	temp := float32(0.7)
	maxTokens := int32(200)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	resp, err := model.GenerateContent(ctx, genai.Text(expertRequest(basePrompt, req)))
	if err != nil {
		return "", fmt.Errorf("gemini prompt request failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini returned no candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	return strings.Trim(text.String(), "\"'\n\r\t "), nil
}

func expertRequest(basePrompt string, req models.GenerationRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Prompt: %s\n", basePrompt)
	fmt.Fprintf(&b, "Style: %s\nRoom type: %s\n", strings.TrimSpace(req.Style), strings.TrimSpace(req.RoomType))
	if req.SpaceType != "" {
		fmt.Fprintf(&b, "Space: %s\n", req.SpaceType)
	}
	fmt.Fprintf(&b, "Creativity: %s\n", ResolveCreativity(req.CreativityLevel))
	return b.String()
}
