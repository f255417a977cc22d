package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Generator is the generative backend behind ai.* tools.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GeminiGenerator calls the Gemini API.
type GeminiGenerator struct {
	client     *genai.Client
	model      string
	embedModel string
}

// NewGeminiGenerator creates a client for apiKey.
func NewGeminiGenerator(ctx context.Context, apiKey, model, embedModel string) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("genai api key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if embedModel == "" {
		embedModel = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiGenerator{client: client, model: model, embedModel: embedModel}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return resp.Text(), nil
}

func (g *GeminiGenerator) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	resp, err := g.client.Models.EmbedContent(ctx, g.embedModel, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, errors.New("no embeddings returned")
	}
	return resp.Embeddings[0].Values, nil
}

// textModes prefix the prompt for the text-transform tools.
var textModes = map[Name]string{
	AIClassify:         "Classify the following text. Reply with the category only.",
	AISummarize:        "Summarize the following text in a few sentences.",
	AITranslate:        "Translate the following text",
	AIAnalyzeSentiment: "Give the sentiment of the following text as positive, negative or neutral with a one-line reason.",
	AIExtractEntities:  "List the people, places, organizations and dates mentioned in the following text, one per line.",
}

var mediaTools = []Name{AIGenerateImage, AIAnalyzeImage, AITranscribeAudio}

// RegisterAI installs the ai.* tools. Media tools always report
// ErrNotImplemented; the rest need gen.
func RegisterAI(r *Registry, gen Generator) {
	for _, n := range mediaTools {
		n := n
		r.Register(n, func(context.Context, Params) (any, error) {
			return nil, fmt.Errorf("%s %w", n, ErrNotImplemented)
		})
	}
	if gen == nil {
		err := fmt.Errorf("generator %w", ErrNotConfigured)
		for _, n := range []Name{AIGenerateText, AIGenerateEmbeddings, AIClassify, AISummarize, AITranslate, AIAnalyzeSentiment, AIExtractEntities} {
			r.Register(n, func(context.Context, Params) (any, error) { return nil, err })
		}
		return
	}

	r.Register(AIGenerateText, func(ctx context.Context, p Params) (any, error) {
		if err := p.Require("prompt"); err != nil {
			return nil, err
		}
		return gen.Generate(ctx, p.Text("prompt"))
	})
	r.Register(AIGenerateEmbeddings, func(ctx context.Context, p Params) (any, error) {
		if err := p.Require("text"); err != nil {
			return nil, err
		}
		return gen.Embed(ctx, p.Text("text"))
	})
	for name, instruction := range textModes {
		name, instruction := name, instruction
		r.Register(name, func(ctx context.Context, p Params) (any, error) {
			if err := p.Require("text"); err != nil {
				return nil, err
			}
			return gen.Generate(ctx, textPrompt(name, instruction, p))
		})
	}
}

func textPrompt(name Name, instruction string, p Params) string {
	var b strings.Builder
	b.WriteString(instruction)
	if name == AITranslate {
		target := p.Text("target_language")
		if target == "" {
			target = "English"
		}
		fmt.Fprintf(&b, " into %s.", target)
	}
	if labels := p.Text("labels"); name == AIClassify && labels != "" {
		fmt.Fprintf(&b, " Categories: %s.", labels)
	}
	b.WriteString("\n\n")
	b.WriteString(p.Text("text"))
	return b.String()
}
