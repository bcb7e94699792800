package testutil

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// FakeLLM is a scripted llms.Model. Responses are returned in rotation;
// when a streaming func is set the response is delivered in chunks first.
// It also implements embeddings.EmbedderClient with a bag-of-words vector so
// similarity tests are deterministic.
type FakeLLM struct {
	mu           sync.Mutex
	responses    []string
	currentIndex int
	callCount    int
	lastPrompt   string
	chunkSize    int
	errorOnCall  int // If > 0, return error on this call number
	errorMessage string
}

// NewFakeLLM creates a new fake LLM with predefined responses
func NewFakeLLM(responses ...string) *FakeLLM {
	return &FakeLLM{
		responses: responses,
		chunkSize: 8,
	}
}

// Call implements llms.Model
func (f *FakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

// GenerateContent implements llms.Model
func (f *FakeLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var parts []string
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				parts = append(parts, text.Text)
			}
		}
	}

	response, err := f.next(strings.Join(parts, "\n"))
	if err != nil {
		return nil, err
	}

	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.StreamingFunc != nil {
		for _, chunk := range f.chunks(response) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := opts.StreamingFunc(ctx, []byte(chunk)); err != nil {
				return nil, err
			}
		}
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: response}},
	}, nil
}

func (f *FakeLLM) next(prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.callCount++
	f.lastPrompt = prompt

	if f.errorOnCall > 0 && f.callCount == f.errorOnCall {
		if f.errorMessage != "" {
			return "", errors.New(f.errorMessage)
		}
		return "", fmt.Errorf("fake error on call %d", f.callCount)
	}
	if len(f.responses) == 0 {
		return "", errors.New("no responses configured")
	}

	response := f.responses[f.currentIndex]
	f.currentIndex = (f.currentIndex + 1) % len(f.responses)
	return response, nil
}

func (f *FakeLLM) chunks(s string) []string {
	f.mu.Lock()
	size := f.chunkSize
	f.mu.Unlock()

	var out []string
	runes := []rune(s)
	for len(runes) > 0 {
		n := size
		if n <= 0 || n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

// CreateEmbedding implements embeddings.EmbedderClient
func (f *FakeLLM) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vectors = append(vectors, BagOfWords(text))
	}
	return vectors, nil
}

// SetChunkSize sets how many runes each streamed chunk carries
func (f *FakeLLM) SetChunkSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkSize = n
}

// SetErrorOnCall configures the LLM to return an error on a specific call
func (f *FakeLLM) SetErrorOnCall(callNumber int, errorMessage string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorOnCall = callNumber
	f.errorMessage = errorMessage
}

// GetCallCount returns the number of generation calls
func (f *FakeLLM) GetCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

// GetLastPrompt returns the text of the last generation request
func (f *FakeLLM) GetLastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPrompt
}

const embeddingDims = 64

// BagOfWords hashes each lowercase word into a fixed-size vector and
// normalizes it, so texts sharing words score as similar
func BagOfWords(text string) []float32 {
	vec := make([]float32, embeddingDims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(strings.Trim(word, ".,!?;:\"'")))
		vec[h.Sum32()%embeddingDims]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
