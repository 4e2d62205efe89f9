package providers

import (
	"net/http"

	"github.com/c360studio/migrator/llm"
)

// defaultOllamaBase is Ollama's OpenAI-compatible endpoint on a local
// install. The mock-llm binary serves the same path.
const defaultOllamaBase = "http://localhost:11434/v1"

// OllamaProvider targets local model servers: Ollama, vLLM, or any
// other gateway speaking the chat completions format.
type OllamaProvider struct{}

func init() {
	llm.RegisterProvider(&OllamaProvider{})
}

func (o *OllamaProvider) Name() string { return "ollama" }

func (o *OllamaProvider) Endpoint(base string) string {
	return chatEndpoint(base, defaultOllamaBase)
}

// Authenticate sends bearer auth for gateways that want it. Plain
// Ollama ignores the header.
func (o *OllamaProvider) Authenticate(req *http.Request, apiKey string) {
	bearerAuth(req, apiKey)
}

func (o *OllamaProvider) Encode(model string, req llm.Request) ([]byte, error) {
	return encodeChat(model, req)
}

func (o *OllamaProvider) Decode(body []byte) (*llm.Response, error) {
	return decodeChat(body)
}
