// Package tokens estimates prompt sizes so chat history can be trimmed to a
// model's context window.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens in text
type TokenCounter struct {
	encoder *tiktoken.Tiktoken
	mu      sync.RWMutex
}

// NewTokenCounter creates a counter with the encoding closest to modelName
func NewTokenCounter(modelName string) (*TokenCounter, error) {
	encoder, err := tiktoken.GetEncoding(getEncodingForModel(modelName))
	if err != nil {
		encoder, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	return &TokenCounter{
		encoder: encoder,
	}, nil
}

// NewEstimator creates a counter that estimates from word and character
// counts. It needs no encoding files.
func NewEstimator() *TokenCounter {
	return &TokenCounter{}
}

// CountTokens counts the number of tokens in the given text
func (tc *TokenCounter) CountTokens(text string) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	if tc.encoder == nil {
		return estimateTokens(text)
	}
	return len(tc.encoder.Encode(text, nil, nil))
}

// Message is a chat message with role and content
type Message struct {
	Role    string
	Content string
}

// CountMessage counts one message including its role and framing
func (tc *TokenCounter) CountMessage(msg Message) int {
	// <|start|>role<|end|> framing
	return tc.CountTokens(msg.Role) + tc.CountTokens(msg.Content) + 4
}

// CountMessages counts tokens for a whole request
func (tc *TokenCounter) CountMessages(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += tc.CountMessage(msg)
	}
	// every reply is primed with the assistant role
	return total + 3
}

// Window returns the indexes of the messages to send within budget tokens,
// in order. Leading system messages and the last message are always kept;
// the rest are kept newest first while they fit. A budget of zero or less
// keeps everything.
func (tc *TokenCounter) Window(messages []Message, systemRole string, budget int) []int {
	keep := make([]int, 0, len(messages))
	if budget <= 0 || len(messages) == 0 {
		for i := range messages {
			keep = append(keep, i)
		}
		return keep
	}

	pinned := 0
	for pinned < len(messages)-1 && messages[pinned].Role == systemRole {
		pinned++
	}

	used := 3
	for i := 0; i < pinned; i++ {
		used += tc.CountMessage(messages[i])
	}

	last := len(messages) - 1
	used += tc.CountMessage(messages[last])

	start := last
	for start > pinned {
		cost := tc.CountMessage(messages[start-1])
		if used+cost > budget {
			break
		}
		used += cost
		start--
	}

	for i := 0; i < pinned; i++ {
		keep = append(keep, i)
	}
	for i := start; i <= last; i++ {
		keep = append(keep, i)
	}
	return keep
}

// getEncodingForModel returns the appropriate encoding for a model
func getEncodingForModel(modelName string) string {
	modelLower := strings.ToLower(modelName)

	if strings.Contains(modelLower, "davinci") || strings.Contains(modelLower, "curie") {
		return "p50k_base"
	}
	// cl100k_base works reasonably well for local models too
	return "cl100k_base"
}

// estimateTokens takes the larger of the word count and a quarter of the
// byte count
func estimateTokens(text string) int {
	wordEstimate := len(strings.Fields(text))
	charEstimate := len(text) / 4

	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}
