// Package chat produces assistant replies with a langchaingo model and
// streams them into a stored transcript while the image pipeline watches
// the message grow.
package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/killallgit/promptcanvas/pkg/insertion"
	"github.com/killallgit/promptcanvas/pkg/logger"
	"github.com/killallgit/promptcanvas/pkg/orchestrator"
	"github.com/killallgit/promptcanvas/pkg/store"
	"github.com/killallgit/promptcanvas/pkg/tokens"
)

// TurnStarter begins illustrating a message as it streams
type TurnStarter interface {
	BeginTurn(ctx context.Context, index int) (*orchestrator.Turn, error)
}

// Reply is the outcome of one Send
type Reply struct {
	Index  int
	Text   string
	Result insertion.CommitResult
	TurnID string
}

// Conversation drives one chat
type Conversation struct {
	model        llms.Model
	transcript   *store.Transcript
	turns        TurnStarter
	systemPrompt string
	onChunk      func(string)
	counter      *tokens.TokenCounter
	budget       int

	log *logger.Logger
}

// Option configures a Conversation
type Option func(*Conversation)

// WithSystemPrompt prepends a system message to every request
func WithSystemPrompt(prompt string) Option {
	return func(c *Conversation) {
		c.systemPrompt = prompt
	}
}

// WithChunkHandler observes streamed text, e.g. to echo it to a terminal
func WithChunkHandler(fn func(string)) Option {
	return func(c *Conversation) {
		c.onChunk = fn
	}
}

// NewConversation creates a conversation over transcript
func NewConversation(model llms.Model, transcript *store.Transcript, turns TurnStarter, opts ...Option) *Conversation {
	c := &Conversation{
		model:      model,
		transcript: transcript,
		turns:      turns,
		log:        logger.WithComponent("chat"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send stores the user's text, streams the model's answer into a new
// assistant message and waits for its images to be committed. A failed
// image turn still returns the reply text alongside the error.
func (c *Conversation) Send(ctx context.Context, text string) (*Reply, error) {
	if _, err := c.transcript.Append(ctx, store.RoleUser, text); err != nil {
		return nil, err
	}
	request := c.history()

	index, err := c.transcript.Append(ctx, store.RoleAssistant, "")
	if err != nil {
		return nil, err
	}

	turn, err := c.turns.BeginTurn(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("failed to start image turn: %w", err)
	}

	streamed := false
	resp, genErr := c.model.GenerateContent(ctx, request, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		streamed = true
		if c.onChunk != nil {
			c.onChunk(string(chunk))
		}
		return c.transcript.AppendText(index, string(chunk))
	}))
	if genErr == nil && !streamed && resp != nil && len(resp.Choices) > 0 {
		// models without streaming answer in one piece
		if err := c.transcript.AppendText(index, resp.Choices[0].Content); err != nil {
			genErr = err
		}
	}

	if genErr != nil {
		turn.Cancel()
		if err := c.transcript.PersistChat(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn("Failed to save partial reply", "message", index, "error", err)
		}
		return nil, fmt.Errorf("chat model failed: %w", genErr)
	}

	if err := turn.StreamFinalized(ctx); err != nil {
		c.log.Warn("Final scan failed", "message", index, "error", err)
	}
	result, turnErr := turn.Wait(ctx)

	// a turn that inserted nothing has not saved the streamed text
	if err := c.transcript.PersistChat(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("failed to save reply: %w", err)
	}

	reply := &Reply{Index: index, Result: result, TurnID: turn.ID()}
	reply.Text, err = c.transcript.ReadMessageText(ctx, index)
	if err != nil {
		return nil, err
	}

	c.log.Info("Reply finished", "message", index, "images", result.Inserted, "length", len(reply.Text))
	if turnErr != nil && !errors.Is(turnErr, orchestrator.ErrTurnCancelled) {
		return reply, turnErr
	}
	return reply, nil
}

// WithContextWindow drops the oldest messages once a request would exceed
// budget tokens
func WithContextWindow(counter *tokens.TokenCounter, budget int) Option {
	return func(c *Conversation) {
		c.counter = counter
		c.budget = budget
	}
}

var thinkBlock = regexp.MustCompile(`(?is)<think(?:ing)?>.*?</think(?:ing)?>`)

// history converts the stored messages into a model request. Reasoning
// blocks of earlier replies are not sent back.
func (c *Conversation) history() []llms.MessageContent {
	messages := c.transcript.Messages()
	out := make([]llms.MessageContent, 0, len(messages)+1)
	counted := make([]tokens.Message, 0, len(messages)+1)
	add := func(role llms.ChatMessageType, text string) {
		out = append(out, llms.TextParts(role, text))
		counted = append(counted, tokens.Message{Role: string(role), Content: text})
	}

	if c.systemPrompt != "" {
		add(llms.ChatMessageTypeSystem, c.systemPrompt)
	}
	for _, m := range messages {
		switch m.Role {
		case store.RoleSystem:
			add(llms.ChatMessageTypeSystem, m.Content)
		case store.RoleAssistant:
			content := strings.TrimSpace(thinkBlock.ReplaceAllString(m.Content, ""))
			if content == "" {
				continue
			}
			add(llms.ChatMessageTypeAI, content)
		default:
			add(llms.ChatMessageTypeHuman, m.Content)
		}
	}

	if c.counter == nil || c.budget <= 0 {
		return out
	}
	keep := c.counter.Window(counted, string(llms.ChatMessageTypeSystem), c.budget)
	if len(keep) == len(out) {
		return out
	}
	c.log.Debug("Trimmed history to context window", "kept", len(keep), "total", len(out), "budget", c.budget)
	windowed := make([]llms.MessageContent, 0, len(keep))
	for _, i := range keep {
		windowed = append(windowed, out[i])
	}
	return windowed
}
