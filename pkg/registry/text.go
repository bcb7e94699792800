package registry

import (
	"fmt"

	"github.com/killallgit/promptcanvas/pkg/markers"
)

// DetectAndRegister registers every marker in a message's text as a
// model-authored prompt, indexed by its position among the message's markers
func (r *Registry) DetectAndRegister(messageID int, text string, patterns *markers.Patterns) []Node {
	matches := patterns.Extract(text)
	nodes := make([]Node, 0, len(matches))
	for i, m := range matches {
		nodes = append(nodes, r.Register(m.Prompt, messageID, i, SourceFromModel))
	}
	return nodes
}

// ReplaceTextAtPosition returns messageText with the body of the marker at the
// node's prompt index replaced by newText. The node itself is not modified.
func (r *Registry) ReplaceTextAtPosition(promptID, messageText, newText string, patterns *markers.Patterns) (string, error) {
	node, err := r.Get(promptID)
	if err != nil {
		return "", err
	}

	matches := patterns.Extract(messageText)
	if node.PromptIndex < 0 || node.PromptIndex >= len(matches) {
		return "", fmt.Errorf("prompt %s at index %d, message has %d markers: %w",
			promptID, node.PromptIndex, len(matches), ErrOutOfRange)
	}

	m := matches[node.PromptIndex]
	return messageText[:m.BodyStart] + newText + messageText[m.BodyEnd:], nil
}
