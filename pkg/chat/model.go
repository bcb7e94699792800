package chat

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// NewOllamaModel connects to an Ollama server through langchaingo
func NewOllamaModel(baseURL, model string, timeout time.Duration) (llms.Model, error) {
	var opts []ollama.Option
	if baseURL != "" {
		opts = append(opts, ollama.WithServerURL(baseURL))
	}
	if model != "" {
		opts = append(opts, ollama.WithModel(model))
	}
	if timeout > 0 {
		opts = append(opts, ollama.WithHTTPClient(&http.Client{Timeout: timeout}))
	}

	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	return llm, nil
}
