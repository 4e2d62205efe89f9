package providers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaProvider_Endpoint(t *testing.T) {
	p := &OllamaProvider{}

	assert.Equal(t, "http://localhost:11434/v1/chat/completions", p.Endpoint(""))
	assert.Equal(t, "http://gpu-box:8000/v1/chat/completions", p.Endpoint("http://gpu-box:8000/v1"))
}

func TestOllamaProvider_Authenticate(t *testing.T) {
	p := &OllamaProvider{}

	t.Run("api key sets bearer auth", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, "http://localhost:11434", nil)
		require.NoError(t, err)

		p.Authenticate(req, "sk-test-key")
		assert.Equal(t, "Bearer sk-test-key", req.Header.Get("Authorization"))
	})

	t.Run("empty api key leaves headers alone", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, "http://localhost:11434", nil)
		require.NoError(t, err)

		p.Authenticate(req, "")
		assert.Empty(t, req.Header.Get("Authorization"))
	})
}
