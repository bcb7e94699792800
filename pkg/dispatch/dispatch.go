// Package dispatch drains queued prompts through the admission limiter into
// the image generator and hands finished images on for insertion.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/killallgit/promptcanvas/pkg/host"
	"github.com/killallgit/promptcanvas/pkg/insertion"
	"github.com/killallgit/promptcanvas/pkg/limiter"
	"github.com/killallgit/promptcanvas/pkg/logger"
	"github.com/killallgit/promptcanvas/pkg/queue"
)

var (
	// ErrCancelled marks a prompt whose turn was abandoned before its image
	// could be used
	ErrCancelled = errors.New("generation cancelled")

	// ErrNoImage is recorded when the generator succeeds without a reference
	ErrNoImage = errors.New("generator returned no image")

	// ErrDraining is returned when Drain is called while another is running
	ErrDraining = errors.New("drain already running")
)

// Sink receives each successfully generated image
type Sink func(image insertion.DeferredImage)

// Dispatcher pulls QUEUED prompts and generates them. One Drain may run at a
// time per queue; Notify and RetryFailed are safe from any goroutine.
type Dispatcher struct {
	queue     *queue.Queue
	limiter   *limiter.Limiter
	generator host.Generator
	notifier  host.Notifier
	sink      Sink

	wake chan struct{}

	mu       sync.Mutex
	draining bool

	log *logger.Logger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithNotifier sets where generation failures are reported
func WithNotifier(n host.Notifier) Option {
	return func(d *Dispatcher) {
		d.notifier = n
	}
}

// WithSink sets the receiver of generated images
func WithSink(s Sink) Option {
	return func(d *Dispatcher) {
		d.sink = s
	}
}

// New creates a dispatcher over q
func New(q *queue.Queue, lim *limiter.Limiter, gen host.Generator, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:     q,
		limiter:   lim,
		generator: gen,
		wake:      make(chan struct{}, 1),
		log:       logger.WithComponent("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify tells a running Drain that new prompts were queued
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Drain generates queued prompts until none is queued and none is in flight.
// Prompts queued while it runs are picked up once Notify is called or the
// next generation finishes. A cancelled ctx fails every remaining prompt with
// ErrCancelled and Drain returns ctx.Err() after they settle.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return ErrDraining
	}
	d.draining = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.draining = false
		d.mu.Unlock()
	}()

	var g errgroup.Group
	finished := make(chan struct{})
	active := 0

	for {
		for {
			p, ok := d.queue.ClaimNext()
			if !ok {
				break
			}
			active++
			g.Go(func() error {
				defer func() { finished <- struct{}{} }()
				d.process(ctx, p)
				return nil
			})
		}

		if active == 0 {
			break
		}

		select {
		case <-finished:
			active--
		case <-d.wake:
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (d *Dispatcher) process(ctx context.Context, p queue.Prompt) {
	if ctx.Err() != nil {
		d.fail(p, ErrCancelled)
		return
	}

	var url string
	err := d.limiter.Run(ctx, func(runCtx context.Context) error {
		// the turn may have ended while this prompt waited for a slot
		if runCtx.Err() != nil {
			return ErrCancelled
		}
		result, err := d.generator.Generate(runCtx, p.Text)
		if err != nil {
			return err
		}
		if strings.TrimSpace(result) == "" {
			return ErrNoImage
		}
		url = result
		return nil
	})

	if ctx.Err() != nil {
		if err == nil {
			d.log.Debug("Dropping stale image", "prompt", p.Text, "image", url)
		}
		d.fail(p, ErrCancelled)
		return
	}
	if err != nil {
		d.fail(p, err)
		return
	}

	if !d.queue.UpdateState(p.ID, queue.StateCompleted, queue.Update{ImageURL: url}) {
		// the queue was cleared under us
		return
	}
	d.log.Debug("Generated image", "prompt", p.Text, "image", url)

	if d.sink != nil {
		d.sink(insertion.DeferredImage{
			QueueID:    p.ID,
			Prompt:     p.Text,
			FullMatch:  p.FullMatch,
			StartIndex: p.StartIndex,
			ImageURL:   url,
			Regen:      p.Regen,
		})
	}
}

func (d *Dispatcher) fail(p queue.Prompt, err error) {
	d.queue.UpdateState(p.ID, queue.StateFailed, queue.Update{Err: err})

	if errors.Is(err, ErrCancelled) {
		d.log.Debug("Generation cancelled", "prompt", p.Text)
		return
	}

	d.log.Warn("Generation failed", "prompt", p.Text, "attempt", p.Attempts, "error", err)
	if d.notifier != nil {
		d.notifier.Notify(host.LevelWarning, fmt.Sprintf("Image generation failed for %q: %v", p.Text, err))
	}
}

// RetryFailed re-queues failed prompts that have been attempted fewer than
// maxAttempts times and returns how many were re-queued. Cancelled prompts
// are not retried.
func (d *Dispatcher) RetryFailed(maxAttempts int) int {
	retried := 0
	for _, p := range d.queue.Filter(queue.StateFailed) {
		if p.Attempts >= maxAttempts || p.Error == ErrCancelled.Error() {
			continue
		}
		if d.queue.UpdateState(p.ID, queue.StateQueued, queue.Update{}) {
			retried++
		}
	}
	if retried > 0 {
		d.log.Info("Retrying failed prompts", "count", retried, "max_attempts", maxAttempts)
		d.Notify()
	}
	return retried
}
