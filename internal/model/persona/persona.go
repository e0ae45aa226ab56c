package persona

// Persona 描述画面解说员的风格，用于生成描述帧的系统提示词。
type Persona struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Tone        string   `json:"tone"`
	PromptHint  string   `json:"promptHint"`
	Description string   `json:"description,omitempty"`
	Focus       []string `json:"focus,omitempty"` // what the narrator should look for first
	MaxWords    int      `json:"maxWords,omitempty"`
}

// Seed provides the built-in narrator personas.
func Seed() []Persona {
	return []Persona{
		{
			ID:          "observer",
			Name:        "Observer",
			Title:       "Neutral scene reporter",
			Tone:        "plain, factual, present tense",
			PromptHint:  "Describe only what is visible. Never guess at off-screen events.",
			Description: "Default narrator. Produces a short literal description suitable for agents that need ground truth.",
			Focus:       []string{"on-screen text", "people and their actions", "game or application state"},
			MaxWords:    60,
		},
		{
			ID:          "caster",
			Name:        "Caster",
			Title:       "Play-by-play commentator",
			Tone:        "energetic, concise, esports style",
			PromptHint:  "Call out what changed and what the streamer is about to do.",
			Description: "Fast commentary for gameplay streams.",
			Focus:       []string{"score and HUD", "movement", "notable moments"},
			MaxWords:    40,
		},
		{
			ID:          "archivist",
			Name:        "Archivist",
			Title:       "Detail keeper",
			Tone:        "careful, structured, thorough",
			PromptHint:  "List readable text verbatim and note window titles, URLs and code visible on screen.",
			Description: "Useful for coding and productivity streams where exact screen content matters.",
			Focus:       []string{"readable text", "code", "window titles"},
			MaxWords:    120,
		},
	}
}
