package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "empty", text: "", want: 0},
		{name: "words win", text: "a b c d e", want: 5},
		{name: "characters win", text: "abcdefghijklmnop", want: 4},
	}

	counter := NewEstimator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, counter.CountTokens(tt.text))
		})
	}
}

func TestCountMessages(t *testing.T) {
	counter := NewEstimator()
	messages := []Message{
		{Role: "user", Content: "one two three"},
		{Role: "assistant", Content: "four"},
	}

	// per message: role + content + 4 framing; plus 3 for the reply
	assert.Equal(t, (1+3+4)+(2+1+4)+3, counter.CountMessages(messages))
}

func TestWindow(t *testing.T) {
	counter := NewEstimator()
	messages := []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "one two three four five six seven eight"},
		{Role: "assistant", Content: "nine ten"},
		{Role: "user", Content: "eleven"},
	}

	cost := func(i int) int { return counter.CountMessage(messages[i]) }

	tests := []struct {
		name   string
		budget int
		want   []int
	}{
		{name: "no budget keeps all", budget: 0, want: []int{0, 1, 2, 3}},
		{name: "room for all", budget: 1000, want: []int{0, 1, 2, 3}},
		{name: "drops oldest", budget: 3 + cost(0) + cost(3) + cost(2), want: []int{0, 2, 3}},
		{name: "last message always kept", budget: 1, want: []int{0, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, counter.Window(messages, "system", tt.budget))
		})
	}
}

func TestEncodingForModel(t *testing.T) {
	assert.Equal(t, "cl100k_base", getEncodingForModel("qwen3:latest"))
	assert.Equal(t, "cl100k_base", getEncodingForModel("gpt-4"))
	assert.Equal(t, "p50k_base", getEncodingForModel("text-davinci-003"))
}
