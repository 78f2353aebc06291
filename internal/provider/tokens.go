package provider

// Provider names accepted in configuration.
const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Mistral   = "mistral"
	Voyage    = "voyage"
)

// charsPerToken is the rough ratio used to estimate request size without a
// model-specific tokenizer.
const charsPerToken = 4

// EstimateTokens approximates the token count of text. Non-empty text counts
// as at least one token.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}
