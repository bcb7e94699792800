package queue

// State represents where a queued prompt is in its generation lifecycle
type State string

const (
	// StateDetected indicates a prompt that was found but is held back from dispatch
	StateDetected State = "DETECTED"

	// StateQueued indicates a prompt waiting for the dispatcher
	StateQueued State = "QUEUED"

	// StateGenerating indicates the generator is working on the prompt
	StateGenerating State = "GENERATING"

	// StateCompleted indicates an image was produced
	StateCompleted State = "COMPLETED"

	// StateFailed indicates generation failed or was cancelled
	StateFailed State = "FAILED"
)

// States lists every state in lifecycle order
var States = []State{StateDetected, StateQueued, StateGenerating, StateCompleted, StateFailed}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether the prompt will not change state on its own
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// IsPending reports whether the prompt still has generation ahead of it
func (s State) IsPending() bool {
	return s == StateDetected || s == StateQueued
}

// GetIcon returns the glyph shown next to a prompt in status output
func (s State) GetIcon() string {
	switch s {
	case StateDetected:
		return "·"
	case StateQueued:
		return "…"
	case StateGenerating:
		return "↻"
	case StateCompleted:
		return "✓"
	case StateFailed:
		return "✗"
	default:
		return ""
	}
}

// GetDisplayName returns a human-readable name for the state
func (s State) GetDisplayName() string {
	switch s {
	case StateDetected:
		return "Detected"
	case StateQueued:
		return "Queued"
	case StateGenerating:
		return "Generating"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return ""
	}
}

// InsertionMode selects where a regenerated image is placed
type InsertionMode string

const (
	// InsertAfterMarker places a fresh image directly after the prompt marker
	InsertAfterMarker InsertionMode = ""

	// InsertReplaceImage swaps the target image for the new one
	InsertReplaceImage InsertionMode = "replace-image"

	// InsertAfterImage places the new image after the target image
	InsertAfterImage InsertionMode = "append-after-image"

	// InsertAfterPrompt places the new image after the prompt marker,
	// ahead of any images already there
	InsertAfterPrompt InsertionMode = "append-after-prompt"
)

// ParseInsertionMode validates a mode name
func ParseInsertionMode(s string) (InsertionMode, bool) {
	switch InsertionMode(s) {
	case InsertAfterMarker, InsertReplaceImage, InsertAfterImage, InsertAfterPrompt:
		return InsertionMode(s), true
	default:
		return "", false
	}
}
