package providers

import (
	"net/http"

	"github.com/c360studio/migrator/llm"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// OpenAIProvider targets the hosted OpenAI API. With llm.endpoint set
// it also covers OpenRouter and other hosted compatibles; the only
// difference from the ollama provider is the default host.
type OpenAIProvider struct{}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

func (o *OpenAIProvider) Name() string { return "openai" }

func (o *OpenAIProvider) Endpoint(base string) string {
	return chatEndpoint(base, defaultOpenAIBase)
}

func (o *OpenAIProvider) Authenticate(req *http.Request, apiKey string) {
	bearerAuth(req, apiKey)
}

func (o *OpenAIProvider) Encode(model string, req llm.Request) ([]byte, error) {
	return encodeChat(model, req)
}

func (o *OpenAIProvider) Decode(body []byte) (*llm.Response, error) {
	return decodeChat(body)
}
