package ai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/clawstream/backend/internal/model/persona"
)

type fakeGenerator struct {
	input []*schema.Message
	reply *schema.Message
	err   error
}

func (f *fakeGenerator) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.input = input
	return f.reply, f.err
}

func TestDescribeSendsImageAsDataURL(t *testing.T) {
	gen := &fakeGenerator{reply: schema.AssistantMessage("  a lobby screen  ", nil)}
	store := persona.NewMemoryStore(persona.Seed())
	d := NewDescriberWithModel(gen, store.Default(), nil)

	text, err := d.Describe(context.Background(), []byte{0x89, 0x50}, "png")
	if err != nil {
		t.Fatalf("Describe err: %v", err)
	}
	if text != "a lobby screen" {
		t.Fatalf("unexpected text %q", text)
	}

	if len(gen.input) != 2 {
		t.Fatalf("expected system + user message, got %d", len(gen.input))
	}
	if gen.input[0].Role != schema.System || !strings.Contains(gen.input[0].Content, "Observer") {
		t.Fatalf("system prompt missing persona: %q", gen.input[0].Content)
	}
	parts := gen.input[1].MultiContent
	if len(parts) != 2 || parts[1].ImageURL == nil {
		t.Fatalf("expected text + image parts, got %+v", parts)
	}
	if !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,") {
		t.Fatalf("unexpected data url %q", parts[1].ImageURL.URL)
	}
}

func TestDescribePropagatesModelError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("quota")}
	d := NewDescriberWithModel(gen, persona.Persona{ID: "custom", Name: "Custom"}, nil)

	if _, err := d.Describe(context.Background(), []byte{1}, "jpeg"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := d.Describe(context.Background(), nil, "jpeg"); err == nil {
		t.Fatal("expected error for empty image")
	}
}

func TestBuildSystemPromptFallsBackForUnknownPersona(t *testing.T) {
	pm := NewPersonaPromptManager()
	prompt := pm.BuildSystemPrompt(persona.Persona{ID: "custom", Name: "Ghost", Tone: "dry", MaxWords: 15})

	if !strings.Contains(prompt, "Ghost") || !strings.Contains(prompt, "at most 15 words") {
		t.Fatalf("unexpected fallback prompt: %s", prompt)
	}
}

func TestBuildSystemPromptUsesTemplate(t *testing.T) {
	pm := NewPersonaPromptManager()
	p, _ := persona.NewMemoryStore(persona.Seed()).FindByID("caster")
	prompt := pm.BuildSystemPrompt(p)

	if !strings.Contains(prompt, "play-by-play") || !strings.Contains(prompt, "score and HUD") {
		t.Fatalf("template not applied: %s", prompt)
	}
}
