// Package host defines the narrow capabilities the image pipeline needs from
// the chat application it runs inside: an image generator, transcript access,
// lifecycle hooks, and user notifications.
package host

import (
	"context"
	"errors"
)

// ErrMessageNotFound is returned when a message index is outside the chat
var ErrMessageNotFound = errors.New("message not found")

// Generator turns a prompt into an image reference. An empty reference or an
// error both mean the generation failed.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate calls f
func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Transcript reads and writes message text by index
type Transcript interface {
	ReadMessageText(ctx context.Context, index int) (string, error)
	WriteMessageText(ctx context.Context, index int, text string) error
	MessageCount(ctx context.Context) (int, error)
}

// Hooks are called after a message is rewritten. The notify and render calls
// are fire-and-forget; the persist calls must finish before a commit counts
// as done.
type Hooks interface {
	NotifyEdited(index int)
	Rerender(index int)
	NotifyUpdated(index int)
	PersistMetadata(ctx context.Context) error
	PersistChat(ctx context.Context) error
}

// NopHooks implements Hooks with no side effects
type NopHooks struct{}

func (NopHooks) NotifyEdited(int)                      {}
func (NopHooks) Rerender(int)                          {}
func (NopHooks) NotifyUpdated(int)                     {}
func (NopHooks) PersistMetadata(context.Context) error { return nil }
func (NopHooks) PersistChat(context.Context) error     { return nil }

// Level is the severity of a user notification
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notifier surfaces non-blocking messages to the user
type Notifier interface {
	Notify(level Level, message string)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(level Level, message string)

// Notify calls f
func (f NotifierFunc) Notify(level Level, message string) {
	f(level, message)
}
