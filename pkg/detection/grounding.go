package detection

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const DefaultGroundingInstruction = `You are the spatial grounding engine for a visually impaired user.

Return ONLY a strict JSON object in this shape:
{
  "voice_prompt": "string",
  "detections": [
    {"label": "string", "box": [ymin, xmin, ymax, xmax]}
  ],
  "haptic_intensity": 0
}

Rules:
1) voice_prompt must be 10 words or fewer, concise, and directional.
2) Every box is normalized to integers on a 0-1000 scale.
3) haptic_intensity must be an integer from 0-255.
4) If no obstacle is relevant: voice_prompt="Path is clear", detections=[], haptic_intensity=0.
5) Output raw JSON only. No markdown, no prose, no extra keys.`

const groundingPrompt = "Analyze nearby obstacles and output JSON only."

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GroundingAnalyzer asks a one-shot Gemini model for a structured obstacle
// record describing a single JPEG frame.
type GroundingAnalyzer struct {
	models            contentGenerator
	model             string
	systemInstruction string
}

func NewGroundingAnalyzer(models contentGenerator, model, systemInstruction string) *GroundingAnalyzer {
	if strings.TrimSpace(systemInstruction) == "" {
		systemInstruction = DefaultGroundingInstruction
	}
	return &GroundingAnalyzer{
		models:            models,
		model:             model,
		systemInstruction: systemInstruction,
	}
}

func (g *GroundingAnalyzer) Name() string { return "grounding" }

func (g *GroundingAnalyzer) Analyze(ctx context.Context, jpeg []byte) (Record, error) {
	if g == nil || g.models == nil {
		return Record{}, errors.New("grounding analyzer is not configured")
	}
	if len(jpeg) == 0 {
		return Record{}, errors.New("empty frame")
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(jpeg, "image/jpeg"),
			genai.NewPartFromText(groundingPrompt),
		}, genai.RoleUser),
	}
	resp, err := g.models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(g.systemInstruction, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.1),
		MaxOutputTokens:   400,
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return Record{}, fmt.Errorf("grounding request: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Record{}, errors.New("grounding response was empty")
	}
	return ParseRecord(text)
}
