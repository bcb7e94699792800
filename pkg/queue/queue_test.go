package queue_test

import (
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/killallgit/promptcanvas/pkg/queue"
)

func TestQueue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Queue Suite")
}

var _ = Describe("Queue", func() {
	var (
		q     *queue.Queue
		clock time.Time
	)

	BeforeEach(func() {
		q = queue.New()
		clock = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		queue.SetClock(q, func() time.Time { return clock })
	})

	advance := func(d time.Duration) {
		clock = clock.Add(d)
	}

	Describe("AddPrompt", func() {
		It("queues a new prompt", func() {
			p, ok := q.AddPrompt("a cat", `<!--img-prompt="a cat"-->`, 0, 25, nil)

			Expect(ok).To(BeTrue())
			Expect(p.State).To(Equal(queue.StateQueued))
			Expect(p.Text).To(Equal("a cat"))
			Expect(p.DetectedAt).To(Equal(clock))
			Expect(p.IsRegeneration()).To(BeFalse())
			Expect(q.Len()).To(Equal(1))
		})

		It("rejects the same text at the same position", func() {
			_, ok := q.AddPrompt("a cat", "m", 0, 1, nil)
			Expect(ok).To(BeTrue())

			_, ok = q.AddPrompt("a cat", "m", 0, 1, nil)
			Expect(ok).To(BeFalse())
			Expect(q.Len()).To(Equal(1))
		})

		It("accepts the same text at another position", func() {
			_, ok := q.AddPrompt("a cat", "m", 0, 1, nil)
			Expect(ok).To(BeTrue())
			_, ok = q.AddPrompt("a cat", "m", 40, 41, nil)
			Expect(ok).To(BeTrue())
			Expect(q.Len()).To(Equal(2))
		})

		It("keeps repeated regenerations apart by discriminator", func() {
			first, ok := q.AddPrompt("a cat", "m", 0, 1, &queue.RegenMeta{Discriminator: "1"})
			Expect(ok).To(BeTrue())
			second, ok := q.AddPrompt("a cat", "m", 0, 1, &queue.RegenMeta{Discriminator: "2"})
			Expect(ok).To(BeTrue())
			plain, ok := q.AddPrompt("a cat", "m", 0, 1, nil)
			Expect(ok).To(BeTrue())

			Expect(first.ID).NotTo(Equal(second.ID))
			Expect(plain.ID).NotTo(Equal(first.ID))
			Expect(first.IsRegeneration()).To(BeTrue())
		})

		It("copies regeneration metadata", func() {
			meta := &queue.RegenMeta{TargetImageURL: "/img/a.png", InsertionMode: queue.InsertReplaceImage}
			p, _ := q.AddPrompt("a cat", "m", 0, 1, meta)
			meta.TargetImageURL = "/changed.png"

			stored, err := q.Get(p.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Regen.TargetImageURL).To(Equal("/img/a.png"))
		})
	})

	Describe("GetNextPending", func() {
		It("returns queued prompts in insertion order", func() {
			a, _ := q.AddPrompt("a", "a", 0, 1, nil)
			b, _ := q.AddPrompt("b", "b", 5, 6, nil)

			next, ok := q.GetNextPending()
			Expect(ok).To(BeTrue())
			Expect(next.ID).To(Equal(a.ID))

			q.UpdateState(a.ID, queue.StateGenerating, queue.Update{})
			next, ok = q.GetNextPending()
			Expect(ok).To(BeTrue())
			Expect(next.ID).To(Equal(b.ID))
		})

		It("reports nothing when the queue is drained", func() {
			_, ok := q.GetNextPending()
			Expect(ok).To(BeFalse())
		})
	})

	Describe("ClaimNext", func() {
		It("moves the oldest queued prompt to generating", func() {
			a, _ := q.AddPrompt("a", "a", 0, 1, nil)
			q.AddPrompt("b", "b", 5, 6, nil)

			claimed, ok := q.ClaimNext()
			Expect(ok).To(BeTrue())
			Expect(claimed.ID).To(Equal(a.ID))
			Expect(claimed.State).To(Equal(queue.StateGenerating))
			Expect(claimed.Attempts).To(Equal(1))

			q.ClaimNext()
			_, ok = q.ClaimNext()
			Expect(ok).To(BeFalse())
		})
	})

	Describe("UpdateState", func() {
		var id string

		BeforeEach(func() {
			p, _ := q.AddPrompt("a cat", "m", 0, 1, nil)
			id = p.ID
		})

		It("stamps generation start and counts attempts", func() {
			advance(time.Second)
			Expect(q.UpdateState(id, queue.StateGenerating, queue.Update{})).To(BeTrue())

			p, _ := q.Get(id)
			Expect(p.Attempts).To(Equal(1))
			Expect(p.GenerationStartedAt).To(Equal(clock))
		})

		It("records the image on completion", func() {
			q.UpdateState(id, queue.StateGenerating, queue.Update{})
			advance(2 * time.Second)
			q.UpdateState(id, queue.StateCompleted, queue.Update{ImageURL: "/img/cat.png"})

			p, _ := q.Get(id)
			Expect(p.State).To(Equal(queue.StateCompleted))
			Expect(p.ImageURL).To(Equal("/img/cat.png"))
			Expect(p.CompletedAt).To(Equal(clock))
		})

		It("records the error on failure", func() {
			q.UpdateState(id, queue.StateGenerating, queue.Update{})
			q.UpdateState(id, queue.StateFailed, queue.Update{Err: errors.New("backend down")})

			p, _ := q.Get(id)
			Expect(p.State).To(Equal(queue.StateFailed))
			Expect(p.Error).To(Equal("backend down"))
			Expect(p.CompletedAt.IsZero()).To(BeFalse())
		})

		It("clears the failure when re-queued", func() {
			q.UpdateState(id, queue.StateGenerating, queue.Update{})
			q.UpdateState(id, queue.StateFailed, queue.Update{})
			q.UpdateState(id, queue.StateQueued, queue.Update{})

			p, _ := q.Get(id)
			Expect(p.Error).To(BeEmpty())
			Expect(p.Attempts).To(Equal(1))

			q.UpdateState(id, queue.StateGenerating, queue.Update{})
			p, _ = q.Get(id)
			Expect(p.Attempts).To(Equal(2))
		})

		It("ignores unknown ids", func() {
			Expect(q.UpdateState("missing", queue.StateCompleted, queue.Update{})).To(BeFalse())
			q.Clear()
			Expect(q.UpdateState(id, queue.StateCompleted, queue.Update{})).To(BeFalse())
		})
	})

	Describe("GetStats", func() {
		It("counts prompts per state", func() {
			a, _ := q.AddPrompt("a", "a", 0, 1, nil)
			b, _ := q.AddPrompt("b", "b", 2, 3, nil)
			c, _ := q.AddPrompt("c", "c", 4, 5, nil)
			q.AddPrompt("d", "d", 6, 7, nil)

			q.UpdateState(a.ID, queue.StateCompleted, queue.Update{ImageURL: "/a.png"})
			q.UpdateState(b.ID, queue.StateFailed, queue.Update{})
			q.UpdateState(c.ID, queue.StateGenerating, queue.Update{})

			stats := q.GetStats()
			Expect(stats).To(Equal(queue.Stats{Queued: 1, Generating: 1, Completed: 1, Failed: 1, Total: 4}))
			Expect(stats.Settled()).To(BeFalse())
			Expect(q.Pending()).To(HaveLen(1))
			Expect(q.Filter(queue.StateCompleted)[0].ID).To(Equal(a.ID))
		})
	})

	Describe("AdjustPositions", func() {
		It("shifts prompts detected before the insertion", func() {
			before, _ := q.AddPrompt("later in text", "m", 100, 120, nil)
			early, _ := q.AddPrompt("earlier in text", "m", 10, 30, nil)

			advance(time.Second)
			insertedAt := clock
			advance(time.Second)
			after, _ := q.AddPrompt("detected after", "m", 200, 220, nil)

			shifted := q.AdjustPositions(50, 40, insertedAt)
			Expect(shifted).To(Equal(1))

			p, _ := q.Get(before.ID)
			Expect(p.StartIndex).To(Equal(140))
			Expect(p.EndIndex).To(Equal(160))

			p, _ = q.Get(early.ID)
			Expect(p.StartIndex).To(Equal(10))

			p, _ = q.Get(after.ID)
			Expect(p.StartIndex).To(Equal(200))

			Expect(q.HasAt("later in text", 140)).To(BeTrue())
			Expect(q.HasAt("later in text", 100)).To(BeFalse())
		})

		It("moves finished prompts so rescans still recognise them", func() {
			done, _ := q.AddPrompt("done", "m", 100, 120, nil)
			q.UpdateState(done.ID, queue.StateCompleted, queue.Update{})
			advance(time.Second)

			Expect(q.AdjustPositions(0, 10, clock)).To(Equal(1))
			Expect(q.HasAt("done", 110)).To(BeTrue())
		})

		It("ignores insertions before any prompt was detected", func() {
			insertedAt := clock
			advance(time.Second)
			q.AddPrompt("late", "m", 100, 120, nil)

			Expect(q.AdjustPositions(0, 10, insertedAt)).To(Equal(0))
		})
	})

	Describe("Clear", func() {
		It("drops everything", func() {
			q.AddPrompt("a", "a", 0, 1, nil)
			q.Clear()

			Expect(q.Len()).To(Equal(0))
			Expect(q.All()).To(BeEmpty())
			Expect(q.GetStats().Total).To(Equal(0))
		})
	})
})
