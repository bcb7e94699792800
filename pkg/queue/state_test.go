package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateIsTerminal(t *testing.T) {
	tests := []struct {
		state    State
		terminal bool
		pending  bool
	}{
		{StateDetected, false, true},
		{StateQueued, false, true},
		{StateGenerating, false, false},
		{StateCompleted, true, false},
		{StateFailed, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
			assert.Equal(t, tt.pending, tt.state.IsPending())
		})
	}
}

func TestStateGetDisplayName(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateDetected, "Detected"},
		{StateQueued, "Queued"},
		{StateGenerating, "Generating"},
		{StateCompleted, "Completed"},
		{StateFailed, "Failed"},
		{State("unknown"), ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.GetDisplayName())
		})
	}
}

func TestStateGetIcon(t *testing.T) {
	for _, s := range States {
		assert.NotEmpty(t, s.GetIcon(), s)
	}
	assert.Empty(t, State("unknown").GetIcon())
}

func TestParseInsertionMode(t *testing.T) {
	tests := []struct {
		in   string
		want InsertionMode
		ok   bool
	}{
		{"", InsertAfterMarker, true},
		{"replace-image", InsertReplaceImage, true},
		{"append-after-image", InsertAfterImage, true},
		{"append-after-prompt", InsertAfterPrompt, true},
		{"sideways", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseInsertionMode(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
