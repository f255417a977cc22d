package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoGenerator struct{ prompts []string }

func (g *echoGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	return "generated", nil
}

func (g *echoGenerator) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func TestRegisterAI(t *testing.T) {
	gen := &echoGenerator{}
	r := NewRegistry(nil)
	RegisterAI(r, gen)
	ctx := context.Background()

	res := r.Dispatch(ctx, string(AIGenerateText), Params{"prompt": "write a haiku"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "generated", res.Data)
	assert.Equal(t, "write a haiku", gen.prompts[0])

	res = r.Dispatch(ctx, string(AIGenerateEmbeddings), Params{"text": "bikes"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []float32{0.1, 0.2}, res.Data)

	res = r.Dispatch(ctx, string(AITranslate), Params{"text": "hola", "target_language": "French"})
	require.True(t, res.Success, res.Error)
	last := gen.prompts[len(gen.prompts)-1]
	assert.Contains(t, last, "into French.")
	assert.Contains(t, last, "\n\nhola")

	res = r.Dispatch(ctx, string(AIClassify), Params{"text": "great tacos", "labels": "food, travel"})
	require.True(t, res.Success, res.Error)
	assert.Contains(t, gen.prompts[len(gen.prompts)-1], "Categories: food, travel.")

	res = r.Dispatch(ctx, string(AISummarize), nil)
	assert.False(t, res.Success)
}

func TestAIMediaToolsNotImplemented(t *testing.T) {
	r := NewRegistry(nil)
	RegisterAI(r, &echoGenerator{})

	for _, n := range mediaTools {
		res := r.Dispatch(context.Background(), string(n), Params{"prompt": "x"})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "not implemented")
	}
}

func TestNewGeminiGeneratorRequiresKey(t *testing.T) {
	_, err := NewGeminiGenerator(context.Background(), "", "", "")
	assert.Error(t, err)
}
