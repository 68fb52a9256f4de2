package chat

import (
	"strings"

	"github.com/openai/openai-go"
)

const defaultOllamaBaseURL = "http://localhost:11434/v1"

// NewOllamaProvider talks to a local Ollama server through its
// OpenAI-compatible endpoint.
func NewOllamaProvider(baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/v1"
	}
	p := NewOpenAIProvider("ollama", baseURL+"/")
	p.name = ProviderOllama
	p.defaultModel = openai.ChatModel("llama3.2")
	return p
}
