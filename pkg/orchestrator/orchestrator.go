// Package orchestrator ties the image pipeline together for one chat
// session. Each streaming reply is a Turn: a monitor feeds a queue, a
// dispatcher drains it through the shared limiter, and once generation has
// settled and the stream is finalized the turn commits every image in one
// write.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/killallgit/promptcanvas/pkg/dispatch"
	"github.com/killallgit/promptcanvas/pkg/host"
	"github.com/killallgit/promptcanvas/pkg/insertion"
	"github.com/killallgit/promptcanvas/pkg/limiter"
	"github.com/killallgit/promptcanvas/pkg/logger"
	"github.com/killallgit/promptcanvas/pkg/markers"
	"github.com/killallgit/promptcanvas/pkg/monitor"
	"github.com/killallgit/promptcanvas/pkg/queue"
	"github.com/killallgit/promptcanvas/pkg/registry"
)

// Barrier conditions a turn waits on before committing
const (
	ConditionGenerationSettled = "generation-settled"
	ConditionStreamFinalized   = "stream-finalized"
)

var (
	// ErrTurnCancelled is returned by Turn.Wait when a newer turn or an
	// explicit Cancel abandoned the turn before it committed
	ErrTurnCancelled = errors.New("turn cancelled")

	// ErrRegenerationFailed is returned when a manual regeneration produced
	// no image
	ErrRegenerationFailed = errors.New("regeneration failed")
)

// Indexer receives prompts registered after a commit, e.g. for similarity
// search
type Indexer interface {
	IndexPrompts(ctx context.Context, nodes []registry.Node) error
}

// Orchestrator coordinates turns and regenerations for one session
type Orchestrator struct {
	session    *host.Session
	transcript host.Transcript
	hooks      host.Hooks
	generator  host.Generator
	notifier   host.Notifier
	indexer    Indexer
	patterns   *markers.Patterns

	limiter        *limiter.Limiter
	engine         *insertion.Engine
	pollInterval   time.Duration
	barrierTimeout time.Duration
	maxAttempts    int
	template       string

	mu      sync.Mutex
	current *Turn
	history []TurnSummary

	// regenerations run one at a time over their own queue
	regenMu sync.Mutex

	log *logger.Logger
}

// Option is a functional option for configuring the orchestrator
type Option func(*Orchestrator) error

// WithLimiter shares an admission limiter with other users of the generator
func WithLimiter(l *limiter.Limiter) Option {
	return func(o *Orchestrator) error {
		if l == nil {
			return fmt.Errorf("limiter must not be nil")
		}
		o.limiter = l
		return nil
	}
}

// WithNotifier sets where user-facing failures are reported
func WithNotifier(n host.Notifier) Option {
	return func(o *Orchestrator) error {
		o.notifier = n
		return nil
	}
}

// WithIndexer indexes prompts registered after each commit
func WithIndexer(i Indexer) Option {
	return func(o *Orchestrator) error {
		o.indexer = i
		return nil
	}
}

// WithPollInterval sets how often a streaming message is re-read
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive")
		}
		o.pollInterval = d
		return nil
	}
}

// WithBarrierTimeout bounds how long a turn waits for generation and stream
// end. Zero waits forever.
func WithBarrierTimeout(d time.Duration) Option {
	return func(o *Orchestrator) error {
		if d < 0 {
			return fmt.Errorf("barrier timeout must not be negative")
		}
		o.barrierTimeout = d
		return nil
	}
}

// WithMaxAttempts sets how many times a failing prompt is tried per turn
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) error {
		if n <= 0 {
			return fmt.Errorf("max attempts must be positive")
		}
		o.maxAttempts = n
		return nil
	}
}

// WithImageTemplate sets the markup spliced in for each image
func WithImageTemplate(template string) Option {
	return func(o *Orchestrator) error {
		o.template = template
		return nil
	}
}

// New creates an orchestrator. transcript and hooks are usually the same
// store; generator produces images.
func New(session *host.Session, transcript host.Transcript, hooks host.Hooks, generator host.Generator, patterns *markers.Patterns, options ...Option) (*Orchestrator, error) {
	if session == nil || transcript == nil || generator == nil || patterns == nil {
		return nil, fmt.Errorf("session, transcript, generator and patterns are required")
	}
	if hooks == nil {
		hooks = host.NopHooks{}
	}

	o := &Orchestrator{
		session:      session,
		transcript:   transcript,
		hooks:        hooks,
		generator:    generator,
		patterns:     patterns,
		pollInterval: monitor.DefaultPollInterval,
		maxAttempts:  1,
		log:          logger.WithComponent("orchestrator"),
	}

	for _, opt := range options {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if o.limiter == nil {
		o.limiter = limiter.New(limiter.Config{MaxConcurrent: limiter.MinConcurrent})
	}
	o.engine = insertion.New(transcript, hooks, patterns, insertion.WithImageTemplate(o.template))

	o.log.Debug("Orchestrator initialized",
		"chat", session.ChatID(),
		"poll_interval", o.pollInterval,
		"barrier_timeout", o.barrierTimeout,
		"max_attempts", o.maxAttempts)
	return o, nil
}

// Limiter returns the admission limiter, for live reconfiguration
func (o *Orchestrator) Limiter() *limiter.Limiter {
	return o.limiter
}

// Current returns the latest turn, or nil before the first
func (o *Orchestrator) Current() *Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// History returns summaries of finished turns, oldest first
func (o *Orchestrator) History() []TurnSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]TurnSummary(nil), o.history...)
}

// BeginTurn starts watching message index as it streams in. Any previous
// turn is cancelled and its outstanding results are dropped. The message
// must already exist.
func (o *Orchestrator) BeginTurn(ctx context.Context, index int) (*Turn, error) {
	o.mu.Lock()
	prev := o.current
	o.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}

	t, err := o.newTurn(ctx, index)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.current = t
	o.mu.Unlock()

	o.log.Info("Turn started", "turn", t.id, "message", index)
	return t, nil
}

func (o *Orchestrator) record(t *Turn, result insertion.CommitResult, err error) {
	summary := TurnSummary{
		ID:           t.id,
		MessageIndex: t.index,
		Stats:        t.queue.GetStats(),
		Result:       result,
		FinishedAt:   time.Now(),
	}
	if err != nil {
		summary.Error = err.Error()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, summary)
}

func (o *Orchestrator) notify(level host.Level, message string) {
	if o.notifier != nil {
		o.notifier.Notify(level, message)
	}
}

// afterCommit registers every marker of the committed message so prompts
// without images are tracked too, persisting again if that added nodes
func (o *Orchestrator) afterCommit(ctx context.Context, index int) error {
	reg, err := o.session.Registry()
	if err != nil {
		return err
	}
	text, err := o.transcript.ReadMessageText(ctx, index)
	if err != nil {
		return err
	}

	before := reg.Len()
	nodes := reg.DetectAndRegister(index, text, o.patterns)
	if reg.Len() > before {
		if err := o.hooks.PersistMetadata(ctx); err != nil {
			return fmt.Errorf("failed to persist chat metadata: %w", err)
		}
	}

	if o.indexer != nil && len(nodes) > 0 {
		if err := o.indexer.IndexPrompts(ctx, nodes); err != nil {
			// similarity search is best effort
			o.log.Warn("Failed to index prompts", "message", index, "error", err)
		}
	}
	return nil
}

// RegenRequest asks for a new image for an existing prompt
type RegenRequest struct {
	// PromptID names the registry node whose text is generated. When empty
	// the owner of TargetImageURL is used.
	PromptID       string
	TargetImageURL string
	// Mode defaults to replace-image with a target and append-after-prompt
	// without one.
	Mode queue.InsertionMode
}

// Regenerate generates a new image for a registered prompt and commits it
// into message index right away, through the same limiter as streaming
// turns. Pending prompts of a turn on the same message are shifted past the
// inserted text.
func (o *Orchestrator) Regenerate(ctx context.Context, index int, req RegenRequest) (insertion.CommitResult, error) {
	reg, err := o.session.Registry()
	if err != nil {
		return insertion.CommitResult{}, err
	}

	node, err := o.regenTarget(reg, req)
	if err != nil {
		return insertion.CommitResult{}, err
	}

	text, err := o.transcript.ReadMessageText(ctx, index)
	if err != nil {
		return insertion.CommitResult{}, err
	}
	matches := o.patterns.Extract(text)
	if node.PromptIndex < 0 || node.PromptIndex >= len(matches) {
		return insertion.CommitResult{}, fmt.Errorf("prompt %s at index %d, message %d has %d markers: %w",
			node.ID, node.PromptIndex, index, len(matches), registry.ErrOutOfRange)
	}
	marker := matches[node.PromptIndex]

	mode := req.Mode
	if mode == queue.InsertAfterMarker {
		mode = queue.InsertAfterPrompt
		if req.TargetImageURL != "" {
			mode = queue.InsertReplaceImage
		}
	}

	o.regenMu.Lock()
	defer o.regenMu.Unlock()

	// each request drains its own queue; regenMu already serializes them
	rq := queue.New()
	p, _ := rq.AddPrompt(node.Text, marker.FullMatch, marker.Start, marker.End, &queue.RegenMeta{
		TargetImageURL: req.TargetImageURL,
		TargetPromptID: node.ID,
		InsertionMode:  mode,
		Discriminator:  uuid.NewString(),
	})

	var images []insertion.DeferredImage
	d := dispatch.New(rq, o.limiter, o.generator,
		dispatch.WithNotifier(o.notifier),
		dispatch.WithSink(func(img insertion.DeferredImage) { images = append(images, img) }))
	if err := d.Drain(ctx); err != nil {
		return insertion.CommitResult{}, err
	}

	if len(images) == 0 {
		failed, _ := rq.Get(p.ID)
		return insertion.CommitResult{}, fmt.Errorf("%w: %s", ErrRegenerationFailed, failed.Error)
	}

	result, err := o.commitRegeneration(ctx, index, images)
	if err != nil {
		return result, err
	}

	o.log.Info("Regenerated image", "prompt", node.ID, "message", index, "mode", mode, "inserted", result.Inserted)
	return result, nil
}

// commitRegeneration writes images into message index. When a turn is live
// on the same message its monitor is paused for the whole commit and its
// queued offsets are shifted straight after the write, so no poll sees the
// new text against stale offsets.
func (o *Orchestrator) commitRegeneration(ctx context.Context, index int, images []insertion.DeferredImage) (insertion.CommitResult, error) {
	t := o.Current()
	if t == nil || t.index != index {
		return o.engine.Commit(ctx, o.session, index, images)
	}

	var (
		result insertion.CommitResult
		err    error
	)
	t.monitor.Paused(func() {
		result, err = o.engine.CommitWith(ctx, o.session, index, images, func(written insertion.CommitResult) {
			shifted := 0
			for _, ins := range written.Insertions {
				shifted += t.queue.AdjustPositions(ins.Point, ins.Length, written.WrittenAt)
			}
			o.log.Debug("Shifted live turn prompts", "turn", t.id, "shifted", shifted)
		})
	})
	return result, err
}

func (o *Orchestrator) regenTarget(reg *registry.Registry, req RegenRequest) (registry.Node, error) {
	if req.PromptID != "" {
		return reg.Get(req.PromptID)
	}
	if req.TargetImageURL == "" {
		return registry.Node{}, fmt.Errorf("regeneration needs a prompt id or a target image: %w", registry.ErrNotFound)
	}
	node, ok := reg.FindByImage(req.TargetImageURL)
	if !ok {
		return registry.Node{}, fmt.Errorf("no prompt owns image %s: %w", req.TargetImageURL, registry.ErrNotFound)
	}
	return node, nil
}
