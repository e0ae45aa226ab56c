package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/clawstream/backend/internal/model/persona"
)

// PromptTemplate defines the narrator-specific part of a describe prompt.
type PromptTemplate struct {
	SystemPrompt string
	Rules        []string
}

// PersonaPromptManager maps narrator personas to prompt templates.
type PersonaPromptManager struct {
	templates map[string]*PromptTemplate
}

// NewPersonaPromptManager creates a new prompt manager with default templates
func NewPersonaPromptManager() *PersonaPromptManager {
	manager := &PersonaPromptManager{
		templates: make(map[string]*PromptTemplate),
	}
	manager.loadDefaultTemplates()
	return manager
}

// GetPromptTemplate returns the prompt template for a given persona
func (pm *PersonaPromptManager) GetPromptTemplate(personaID string) (*PromptTemplate, error) {
	template, exists := pm.templates[personaID]
	if !exists {
		return nil, fmt.Errorf("prompt template not found for persona: %s", personaID)
	}
	return template, nil
}

// BuildSystemPrompt creates the system prompt sent with every frame.
func (pm *PersonaPromptManager) BuildSystemPrompt(p persona.Persona) string {
	template, err := pm.GetPromptTemplate(p.ID)
	if err != nil {
		return pm.buildBasicSystemPrompt(p)
	}

	return fmt.Sprintf(`%s

Narrator: %s (%s)
Tone: %s
Look for: %s

Rules:
- %s
- %s`,
		template.SystemPrompt,
		p.Name,
		p.Title,
		p.Tone,
		joinOr(p.Focus, "anything notable"),
		strings.Join(template.Rules, "\n- "),
		lengthRule(p.MaxWords),
	)
}

// buildBasicSystemPrompt is used for personas loaded from configuration without a template.
func (pm *PersonaPromptManager) buildBasicSystemPrompt(p persona.Persona) string {
	name := p.Name
	if name == "" {
		name = "a narrator"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s describing a single frame captured from a live stream for viewers who cannot see it.\n", name)
	if p.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", p.Tone)
	}
	if p.PromptHint != "" {
		fmt.Fprintf(&b, "Guidance: %s\n", p.PromptHint)
	}
	if len(p.Focus) > 0 {
		fmt.Fprintf(&b, "Look for: %s\n", strings.Join(p.Focus, ", "))
	}
	b.WriteString(lengthRule(p.MaxWords))
	return b.String()
}

func (pm *PersonaPromptManager) loadDefaultTemplates() {
	pm.templates["observer"] = &PromptTemplate{
		SystemPrompt: "You describe a single frame captured from a live stream. Your reader is an agent that cannot see the image.",
		Rules: []string{
			"Describe only what is visible in this frame.",
			"Quote on-screen text exactly when it is legible.",
			"Do not speculate about audio, chat or earlier frames.",
		},
	}
	pm.templates["caster"] = &PromptTemplate{
		SystemPrompt: "You are a play-by-play caster glancing at one frame of a live broadcast.",
		Rules: []string{
			"Lead with the most important action on screen.",
			"Mention score, health or timers if a HUD is visible.",
			"Keep it punchy: one or two sentences.",
		},
	}
	pm.templates["archivist"] = &PromptTemplate{
		SystemPrompt: "You catalogue the exact contents of a screen captured from a live stream.",
		Rules: []string{
			"Transcribe readable text verbatim, including code and URLs.",
			"Name the focused application or window when identifiable.",
			"Use short bullet points.",
		},
	}
}

func lengthRule(maxWords int) string {
	if maxWords <= 0 {
		maxWords = 60
	}
	return fmt.Sprintf("Answer in at most %d words, plain text, no preamble.", maxWords)
}

func joinOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return strings.Join(items, ", ")
}
