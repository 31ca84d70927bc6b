package persona

// DefaultID names the persona used when a session does not pick one.
const DefaultID = "assistant"

// Persona carries the instruction and greeting for a conversation.
type Persona struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"systemPrompt"`
	Greeting     string `json:"greeting"`
}

// Seed builds the default persona from configured text.
func Seed(systemPrompt, greeting string) []Persona {
	return []Persona{
		{
			ID:           DefaultID,
			Name:         "AI Assistant",
			SystemPrompt: systemPrompt,
			Greeting:     greeting,
		},
	}
}
