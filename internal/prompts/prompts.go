package prompts

const DefaultSystem = "You are a helpful voice assistant. Keep responses concise and conversational."

// Canned replies spoken when a turn cannot be answered normally.
const (
	DidntHear = "Sorry, I didn't catch that. Could you say it again?"
	Apology   = "I'm sorry, something went wrong on my end. Please try again."
)

// ForSession resolves the final system prompt for a call session.
func ForSession(systemPrompt string) string {
	if systemPrompt != "" {
		return systemPrompt
	}
	return DefaultSystem
}
