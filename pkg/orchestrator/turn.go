package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/killallgit/promptcanvas/pkg/barrier"
	"github.com/killallgit/promptcanvas/pkg/dispatch"
	"github.com/killallgit/promptcanvas/pkg/host"
	"github.com/killallgit/promptcanvas/pkg/insertion"
	"github.com/killallgit/promptcanvas/pkg/monitor"
	"github.com/killallgit/promptcanvas/pkg/queue"
)

// TurnSummary describes a finished turn
type TurnSummary struct {
	ID           string                 `json:"id"`
	MessageIndex int                    `json:"message_index"`
	Stats        queue.Stats            `json:"stats"`
	Result       insertion.CommitResult `json:"result"`
	Error        string                 `json:"error,omitempty"`
	FinishedAt   time.Time              `json:"finished_at"`
}

// Turn is one streaming reply being illustrated
type Turn struct {
	id    string
	index int
	orch  *Orchestrator

	ctx    context.Context
	cancel context.CancelFunc
	// commits outlive cancellation by a newer turn
	commitCtx context.Context

	queue      *queue.Queue
	monitor    *monitor.Monitor
	dispatcher *dispatch.Dispatcher
	barrier    *barrier.Barrier

	wake      chan struct{}
	finalized chan struct{}

	mu     sync.Mutex
	images []insertion.DeferredImage

	finalizeOnce sync.Once
	finishOnce   sync.Once
	done         chan struct{}
	result       insertion.CommitResult
	err          error
}

func (o *Orchestrator) newTurn(ctx context.Context, index int) (*Turn, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	t := &Turn{
		id:        uuid.NewString(),
		index:     index,
		orch:      o,
		ctx:       turnCtx,
		cancel:    cancel,
		commitCtx: context.WithoutCancel(ctx),
		queue:     queue.New(),
		wake:      make(chan struct{}, 1),
		finalized: make(chan struct{}),
		done:      make(chan struct{}),
	}

	t.dispatcher = dispatch.New(t.queue, o.limiter, o.generator,
		dispatch.WithNotifier(o.notifier),
		dispatch.WithSink(t.collect))
	t.monitor = monitor.New(o.transcript, t.queue, o.patterns,
		monitor.WithPollInterval(o.pollInterval),
		monitor.WithOnDetect(func([]queue.Prompt) { t.signal() }))

	if err := t.monitor.Start(turnCtx, index); err != nil {
		cancel()
		return nil, err
	}

	var opts []barrier.Option
	if o.barrierTimeout > 0 {
		opts = append(opts, barrier.WithTimeout(o.barrierTimeout))
	}
	b, err := barrier.New([]string{ConditionGenerationSettled, ConditionStreamFinalized}, opts...)
	if err != nil {
		t.monitor.Stop()
		cancel()
		return nil, err
	}
	t.barrier = b

	go t.drainLoop()
	go t.awaitBarrier()
	return t, nil
}

// ID returns the turn's unique id
func (t *Turn) ID() string { return t.id }

// MessageIndex returns the message this turn illustrates
func (t *Turn) MessageIndex() int { return t.index }

// Stats counts this turn's prompts per state
func (t *Turn) Stats() queue.Stats { return t.queue.GetStats() }

// Prompts returns this turn's prompts in detection order
func (t *Turn) Prompts() []queue.Prompt { return t.queue.All() }

// Barrier exposes the turn's rendezvous for diagnostics
func (t *Turn) Barrier() *barrier.Barrier { return t.barrier }

func (t *Turn) signal() {
	t.dispatcher.Notify()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Turn) collect(img insertion.DeferredImage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.images = append(t.images, img)
}

func (t *Turn) deferred() []insertion.DeferredImage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]insertion.DeferredImage(nil), t.images...)
}

// drainLoop keeps the dispatcher running while prompts stream in. Once the
// stream is finalized and nothing is left to generate it arrives at the
// generation-settled condition.
func (t *Turn) drainLoop() {
	log := t.orch.log
	for {
		if err := t.dispatcher.Drain(t.ctx); err != nil && t.ctx.Err() == nil {
			log.Warn("Drain failed", "turn", t.id, "error", err)
		}
		if t.ctx.Err() != nil {
			return
		}
		if t.dispatcher.RetryFailed(t.orch.maxAttempts) > 0 {
			continue
		}

		select {
		case <-t.ctx.Done():
			return
		case <-t.wake:
		case <-t.finalized:
			if t.queue.GetStats().Queued > 0 {
				continue
			}
			t.barrier.Arrive(ConditionGenerationSettled)
			return
		}
	}
}

func (t *Turn) awaitBarrier() {
	if err := t.barrier.Wait(t.ctx); err != nil && !t.barrier.IsResolved() {
		if errors.Is(err, barrier.ErrTimeout) {
			t.orch.log.Error("Turn timed out", "turn", t.id, "error", err)
			t.orch.notify(host.LevelError, fmt.Sprintf("Images for message %d were not inserted: %v", t.index, err))
			t.cancel()
			t.monitor.Stop()
			t.finish(insertion.CommitResult{}, err)
			return
		}
		t.finish(insertion.CommitResult{}, ErrTurnCancelled)
		return
	}
	t.commit()
}

func (t *Turn) commit() {
	t.finishOnce.Do(func() {
		o := t.orch
		images := t.deferred()

		result, err := o.engine.Commit(t.commitCtx, o.session, t.index, images)
		if err == nil {
			err = o.afterCommit(t.commitCtx, t.index)
		}
		if err != nil {
			o.log.Error("Commit failed", "turn", t.id, "message", t.index, "error", err)
			o.notify(host.LevelError, fmt.Sprintf("Saving images for message %d failed: %v", t.index, err))
		}

		stats := t.queue.GetStats()
		if stats.Failed > 0 {
			o.notify(host.LevelWarning, fmt.Sprintf("%d of %d images failed; their prompts were left in place", stats.Failed, stats.Total))
		}

		t.result, t.err = result, err
		o.record(t, result, err)
		close(t.done)
		t.cancel()

		o.log.Info("Turn committed",
			"turn", t.id,
			"message", t.index,
			"inserted", result.Inserted,
			"failed", stats.Failed)
	})
}

func (t *Turn) finish(result insertion.CommitResult, err error) {
	t.finishOnce.Do(func() {
		t.result, t.err = result, err
		t.orch.record(t, result, err)
		close(t.done)
		t.orch.log.Info("Turn ended without commit", "turn", t.id, "reason", err)
	})
}

// StreamFinalized tells the turn the host has finished writing the message.
// It runs a last scan for markers that arrived after the final poll, stops
// the monitor and arrives at the stream-finalized condition. Calls after
// the first do nothing.
func (t *Turn) StreamFinalized(ctx context.Context) error {
	var err error
	t.finalizeOnce.Do(func() {
		var added int
		added, err = t.monitor.FinalScan(ctx)
		t.monitor.Stop()
		if err != nil {
			t.orch.log.Warn("Final scan failed", "turn", t.id, "error", err)
		}
		if added > 0 {
			t.signal()
		}

		close(t.finalized)
		t.barrier.Arrive(ConditionStreamFinalized)
	})
	return err
}

// Wait blocks until the turn has committed or ended, returning the commit
// result. A turn abandoned before commit returns ErrTurnCancelled.
func (t *Turn) Wait(ctx context.Context) (insertion.CommitResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return insertion.CommitResult{}, ctx.Err()
	}
}

// Done is closed once the turn has committed or ended
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Cancel abandons the turn. Results still in flight are dropped. A turn
// that already committed is unaffected.
func (t *Turn) Cancel() {
	t.cancel()
	t.monitor.Stop()
	<-t.done
}
