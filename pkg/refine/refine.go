// Package refine asks a language model to rewrite an image prompt from user
// feedback and records the result as a new version in the prompt registry.
package refine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"

	"github.com/killallgit/promptcanvas/pkg/logger"
	"github.com/killallgit/promptcanvas/pkg/registry"
)

// ErrEmptyRefinement is returned when the model produced no usable prompt
var ErrEmptyRefinement = errors.New("model returned an empty prompt")

// DefaultTemplate is the instruction sent to the model
const DefaultTemplate = `You rewrite prompts for an image generator.

Earlier versions of this prompt, oldest first:
{{range .history}}- {{.}}
{{end}}
Current prompt: {{.prompt}}

Requested change: {{.feedback}}

Reply with the rewritten prompt only, on a single line, without quotes or commentary.`

// Refiner produces model-refined prompt versions
type Refiner struct {
	model       llms.Model
	template    prompts.PromptTemplate
	temperature float64
	log         *logger.Logger
}

// Option configures a Refiner
type Option func(*Refiner)

// WithTemplate replaces DefaultTemplate. It receives prompt, feedback and
// history.
func WithTemplate(template string) Option {
	return func(r *Refiner) {
		r.template = prompts.NewPromptTemplate(template, []string{"prompt", "feedback", "history"})
	}
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) Option {
	return func(r *Refiner) {
		r.temperature = t
	}
}

// New creates a refiner backed by model
func New(model llms.Model, opts ...Option) *Refiner {
	r := &Refiner{
		model:       model,
		template:    prompts.NewPromptTemplate(DefaultTemplate, []string{"prompt", "feedback", "history"}),
		temperature: 0.4,
		log:         logger.WithComponent("refine"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Suggest returns the model's rewrite of promptID without touching the
// registry
func (r *Refiner) Suggest(ctx context.Context, reg *registry.Registry, promptID, feedback string) (string, error) {
	chain, err := reg.GetChain(promptID)
	if err != nil {
		return "", err
	}
	current := chain[len(chain)-1]

	history := make([]string, 0, len(chain)-1)
	for _, n := range chain[:len(chain)-1] {
		history = append(history, n.Text)
	}

	prompt, err := r.template.Format(map[string]any{
		"prompt":   current.Text,
		"feedback": feedback,
		"history":  history,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build refinement prompt: %w", err)
	}

	answer, err := llms.GenerateFromSinglePrompt(ctx, r.model, prompt, llms.WithTemperature(r.temperature))
	if err != nil {
		return "", fmt.Errorf("refinement failed: %w", err)
	}

	text := Clean(answer)
	if text == "" {
		return "", ErrEmptyRefinement
	}
	return text, nil
}

// Refine asks the model for a new version of promptID and records it as a
// model-refined child
func (r *Refiner) Refine(ctx context.Context, reg *registry.Registry, promptID, feedback string) (registry.Node, error) {
	text, err := r.Suggest(ctx, reg, promptID, feedback)
	if err != nil {
		return registry.Node{}, err
	}

	node, err := reg.Refine(promptID, text, feedback, registry.SourceModelRefined)
	if err != nil {
		return registry.Node{}, err
	}
	r.log.Info("Prompt refined", "parent", promptID, "id", node.ID, "text", node.Text)
	return node, nil
}

// Clean reduces a model answer to a single prompt line. Reasoning blocks,
// labels and surrounding quotes are dropped, and double quotes inside are
// replaced so the prompt still fits a marker attribute.
func Clean(answer string) string {
	if i := strings.LastIndex(answer, "</think>"); i >= 0 {
		answer = answer[i+len("</think>"):]
	}

	var line string
	for _, l := range strings.Split(answer, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}

	for _, label := range []string{"Prompt:", "Rewritten prompt:", "New prompt:"} {
		if len(line) >= len(label) && strings.EqualFold(line[:len(label)], label) {
			line = strings.TrimSpace(line[len(label):])
		}
	}
	line = strings.Trim(line, "\"'` ")
	return strings.ReplaceAll(line, `"`, "'")
}
