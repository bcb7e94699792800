package insertion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killallgit/promptcanvas/pkg/host"
	"github.com/killallgit/promptcanvas/pkg/markers"
	"github.com/killallgit/promptcanvas/pkg/queue"
	"github.com/killallgit/promptcanvas/pkg/registry"
	"github.com/killallgit/promptcanvas/pkg/testutil"
)

var patterns = markers.MustCompile([]string{
	`<!--img-prompt="([\s\S]*?)"\s*-->`,
	`<img\s+prompt="([^"]*)"\s*\/?>`,
})

const (
	cat = `<!--img-prompt="a cat"-->`
	dog = `<!--img-prompt="a dog"-->`
)

func img(url, prompt string) string {
	return markers.RenderImage(DefaultImageTemplate, url, prompt)
}

func newEngine(messages ...string) (*Engine, *testutil.FakeTranscript, *host.Session) {
	tr := testutil.NewFakeTranscript(messages...)
	return New(tr, tr, patterns), tr, host.NewSession("chat-1", nil)
}

func TestCommitInsertsAfterEachMarker(t *testing.T) {
	e, tr, sess := newEngine(cat + " text " + dog)

	result, err := e.Commit(context.Background(), sess, 0, []DeferredImage{
		{Prompt: "a cat", FullMatch: cat, StartIndex: 0, ImageURL: "/images/a-cat.png"},
		{Prompt: "a dog", FullMatch: dog, StartIndex: len(cat) + 6, ImageURL: "/images/a-dog.png"},
	})
	require.NoError(t, err)

	catImg := img("/images/a-cat.png", "a cat")
	dogImg := img("/images/a-dog.png", "a dog")
	assert.Equal(t, cat+catImg+" text "+dog+dogImg, tr.Text(0))
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, []Insertion{
		{Point: len(cat), Length: len(catImg)},
		{Point: len(cat) + len(catImg) + 6 + len(dog), Length: len(dogImg)},
	}, result.Insertions)

	assert.Equal(t, []string{
		"write:0", "edited:0", "rerender:0", "updated:0", "persist-metadata", "persist-chat",
	}, tr.Events())

	reg, err := sess.Registry()
	require.NoError(t, err)
	require.Len(t, reg.RootIDs(), 2)
	for i, url := range []string{"/images/a-cat.png", "/images/a-dog.png"} {
		node, err := reg.Get(reg.RootIDs()[i])
		require.NoError(t, err)
		assert.Equal(t, i, node.PromptIndex)
		assert.Equal(t, []string{url}, node.GeneratedImages)
	}
	assert.NoError(t, reg.Validate())
}

func TestCommitIsIdempotent(t *testing.T) {
	e, tr, sess := newEngine(cat)
	images := []DeferredImage{{Prompt: "a cat", FullMatch: cat, ImageURL: "/images/a-cat.png"}}

	_, err := e.Commit(context.Background(), sess, 0, images)
	require.NoError(t, err)
	committed := tr.Text(0)
	tr.ResetCounters()

	// an absolute form of the same reference counts as present
	images[0].ImageURL = "http://localhost:7860/images/a-cat.png"
	result, err := e.Commit(context.Background(), sess, 0, images)
	require.NoError(t, err)

	assert.Equal(t, CommitResult{AlreadyPresent: 1}, result)
	assert.Equal(t, committed, tr.Text(0))
	assert.Empty(t, tr.Events())
	assert.Equal(t, 1, tr.Reads())
}

func TestCommitPersistsRelinkedImages(t *testing.T) {
	// the image is in the text but an earlier metadata save was lost
	e, tr, sess := newEngine(cat + img("/images/a-cat.png", "a cat"))
	images := []DeferredImage{{Prompt: "a cat", FullMatch: cat, ImageURL: "/images/a-cat.png"}}

	result, err := e.Commit(context.Background(), sess, 0, images)
	require.NoError(t, err)

	assert.Equal(t, CommitResult{AlreadyPresent: 1}, result)
	assert.Equal(t, []string{"persist-metadata"}, tr.Events())
	assert.Equal(t, 0, tr.Writes())

	reg, err := sess.Registry()
	require.NoError(t, err)
	_, ok := reg.FindByImage("/images/a-cat.png")
	assert.True(t, ok)

	tr.ResetCounters()
	_, err = e.Commit(context.Background(), sess, 0, images)
	require.NoError(t, err)
	assert.Empty(t, tr.Events())
}

func TestCommitWithRunsAfterWriteBeforeHooks(t *testing.T) {
	e, tr, sess := newEngine(cat + " text " + dog)

	var (
		seen   CommitResult
		events []string
	)
	result, err := e.CommitWith(context.Background(), sess, 0, []DeferredImage{
		{Prompt: "a cat", FullMatch: cat, ImageURL: "/images/a-cat.png"},
	}, func(r CommitResult) {
		seen = r
		events = tr.Events()
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"write:0"}, events)
	assert.Equal(t, result.Insertions, seen.Insertions)
	assert.Equal(t, result.WrittenAt, seen.WrittenAt)
	assert.False(t, seen.WrittenAt.IsZero())

	called := false
	_, err = e.CommitWith(context.Background(), sess, 0, []DeferredImage{
		{Prompt: "a cat", FullMatch: cat, ImageURL: "/images/a-cat.png"},
	}, func(CommitResult) { called = true })
	require.NoError(t, err)
	assert.False(t, called, "nothing was written")
}

func TestCommitSkipsMissingAnchors(t *testing.T) {
	e, tr, sess := newEngine(cat)

	result, err := e.Commit(context.Background(), sess, 0, []DeferredImage{
		{Prompt: "a dog", FullMatch: dog, ImageURL: "/images/a-dog.png"},
		{Prompt: "a cat", FullMatch: cat, ImageURL: "/images/a-cat.png"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, cat+img("/images/a-cat.png", "a cat"), tr.Text(0))
	assert.Equal(t, 1, tr.Writes())
}

func TestCommitKeepsRepeatedMarkersApart(t *testing.T) {
	e, tr, sess := newEngine(cat + " and again " + cat)
	second := len(cat) + len(" and again ")

	result, err := e.Commit(context.Background(), sess, 0, []DeferredImage{
		{Prompt: "a cat", FullMatch: cat, StartIndex: second, ImageURL: "/images/cat-2.png"},
		{Prompt: "a cat", FullMatch: cat, StartIndex: 0, ImageURL: "/images/cat-1.png"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t,
		cat+img("/images/cat-1.png", "a cat")+" and again "+cat+img("/images/cat-2.png", "a cat"),
		tr.Text(0))

	reg, _ := sess.Registry()
	first, ok := reg.FindByImage("/images/cat-1.png")
	require.True(t, ok)
	other, ok := reg.FindByImage("/images/cat-2.png")
	require.True(t, ok)
	assert.Equal(t, 0, first.PromptIndex)
	assert.Equal(t, 1, other.PromptIndex)
}

func TestCommitRegenerationModes(t *testing.T) {
	old := img("/images/old.png", "a cat")
	fresh := "/images/new.png"

	tests := []struct {
		name     string
		text     string
		mode     queue.InsertionMode
		target   string
		withID   bool
		want     string
		inserted int
		skipped  int
	}{
		{
			name:     "replace image",
			text:     cat + old + " tail",
			mode:     queue.InsertReplaceImage,
			target:   "/images/old.png",
			withID:   true,
			want:     cat + img(fresh, "a cat") + " tail",
			inserted: 1,
		},
		{
			name:     "append after image",
			text:     cat + old + " tail",
			mode:     queue.InsertAfterImage,
			target:   "http://localhost/images/old.png",
			want:     cat + old + img(fresh, "a cat") + " tail",
			inserted: 1,
		},
		{
			name:    "append after missing image",
			text:    cat + " tail",
			mode:    queue.InsertAfterImage,
			target:  "/images/old.png",
			want:    cat + " tail",
			skipped: 1,
		},
		{
			name:     "append after prompt",
			text:     cat + old + img("/images/other.png", "a cat") + " tail",
			mode:     queue.InsertAfterPrompt,
			withID:   true,
			want:     cat + old + img("/images/other.png", "a cat") + img(fresh, "a cat") + " tail",
			inserted: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, tr, sess := newEngine(tt.text)
			reg, _ := sess.Registry()
			node := reg.Register("a cat", 0, 0, registry.SourceFromModel)
			reg.LinkImage(node.ID, "/images/old.png")

			meta := &queue.RegenMeta{TargetImageURL: tt.target, InsertionMode: tt.mode}
			if tt.withID {
				meta.TargetPromptID = node.ID
			}
			images := []DeferredImage{{Prompt: "a cat", FullMatch: cat, ImageURL: fresh, Regen: meta}}

			result, err := e.Commit(context.Background(), sess, 0, images)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tr.Text(0))
			assert.Equal(t, tt.inserted, result.Inserted)
			assert.Equal(t, tt.skipped, result.Skipped)

			if tt.inserted == 0 {
				assert.Empty(t, tr.Events())
				return
			}

			owner, ok := reg.FindByImage(fresh)
			require.True(t, ok)
			assert.Equal(t, node.ID, owner.ID)
			_, stillLinked := reg.FindByImage("/images/old.png")
			assert.Equal(t, tt.mode != queue.InsertReplaceImage, stillLinked)

			again, err := e.Commit(context.Background(), sess, 0, images)
			require.NoError(t, err)
			assert.Equal(t, 1, again.AlreadyPresent)
			assert.Equal(t, tt.want, tr.Text(0))
		})
	}
}

func TestCommitReturnsPersistErrors(t *testing.T) {
	e, tr, sess := newEngine(cat)
	tr.SetPersistError(errors.New("disk full"))

	result, err := e.Commit(context.Background(), sess, 0, []DeferredImage{
		{Prompt: "a cat", FullMatch: cat, ImageURL: "/images/a-cat.png"},
	})
	require.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, result.Inserted)
	assert.NotContains(t, tr.Events(), "persist-chat")
}

func TestCommitMissingMessage(t *testing.T) {
	e, _, sess := newEngine()

	_, err := e.Commit(context.Background(), sess, 2, []DeferredImage{{Prompt: "a cat", FullMatch: cat, ImageURL: "/x.png"}})
	assert.ErrorIs(t, err, host.ErrMessageNotFound)

	result, err := e.Commit(context.Background(), sess, 2, nil)
	assert.NoError(t, err)
	assert.Equal(t, CommitResult{}, result)
}

func TestCustomTemplate(t *testing.T) {
	tr := testutil.NewFakeTranscript(cat)
	e := New(tr, nil, patterns, WithImageTemplate(`<img src="{url}">`))

	_, err := e.Commit(context.Background(), host.NewSession("c", nil), 0, []DeferredImage{
		{Prompt: "a cat", FullMatch: cat, ImageURL: `/images/a "quoted".png`},
	})
	require.NoError(t, err)
	assert.Equal(t, cat+"\n"+`<img src="/images/a &#34;quoted&#34;.png">`, tr.Text(0))
}
