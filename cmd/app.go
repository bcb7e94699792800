package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/tmc/langchaingo/embeddings"

	"github.com/killallgit/promptcanvas/pkg/chat"
	"github.com/killallgit/promptcanvas/pkg/config"
	"github.com/killallgit/promptcanvas/pkg/host"
	"github.com/killallgit/promptcanvas/pkg/imagegen"
	"github.com/killallgit/promptcanvas/pkg/limiter"
	"github.com/killallgit/promptcanvas/pkg/markers"
	"github.com/killallgit/promptcanvas/pkg/orchestrator"
	"github.com/killallgit/promptcanvas/pkg/similar"
	"github.com/killallgit/promptcanvas/pkg/store"
)

var (
	infoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// terminalNotifier prints pipeline notifications to stderr
type terminalNotifier struct{}

func (terminalNotifier) Notify(level host.Level, message string) {
	style := infoStyle
	switch level {
	case host.LevelWarning:
		style = warnStyle
	case host.LevelError:
		style = errorStyle
	}
	fmt.Fprintln(os.Stderr, style.Render(string(level)+": "+message))
}

// session bundles everything a command needs to work on one chat
type session struct {
	cfg        *config.Config
	store      *store.Store
	lock       *store.ChatLock
	transcript *store.Transcript
	patterns   *markers.Patterns
	orch       *orchestrator.Orchestrator
	index      *similar.Index
}

func openStore() (*store.Store, error) {
	return store.Open(config.Get().Store.Path)
}

// openSession locks chatID and wires the image pipeline over it. An empty
// chatID creates a new chat called title.
func openSession(ctx context.Context, chatID, title string) (*session, error) {
	cfg := config.Get()

	patterns, err := markers.Compile(cfg.Markers.Patterns)
	if err != nil {
		return nil, fmt.Errorf("invalid marker patterns: %w", err)
	}

	s, err := openStore()
	if err != nil {
		return nil, err
	}
	sess := &session{cfg: cfg, store: s, patterns: patterns}

	if chatID == "" {
		created, err := s.CreateChat(ctx, title)
		if err != nil {
			sess.Close()
			return nil, err
		}
		chatID = created.ID
	}

	sess.lock, err = store.LockChat(ctx, cfg.Store.Path, chatID)
	if err != nil {
		sess.Close()
		return nil, err
	}

	sess.transcript, err = s.OpenTranscript(ctx, chatID, nil)
	if err != nil {
		sess.Close()
		return nil, err
	}

	generator, err := imagegen.NewClient(imagegen.Config{
		URL:       cfg.ImageAPI.URL,
		APIKey:    cfg.ImageAPI.APIKey,
		Model:     cfg.ImageAPI.Model,
		Size:      cfg.ImageAPI.Size,
		OutputDir: cfg.ImageAPI.OutputDir,
		Timeout:   cfg.ImageAPI.Timeout,
	})
	if err != nil {
		sess.Close()
		return nil, err
	}

	opts := []orchestrator.Option{
		orchestrator.WithLimiter(limiter.New(limiter.Config{
			MaxConcurrent: cfg.Generation.MaxConcurrent,
			MinInterval:   cfg.Generation.MinInterval(),
		})),
		orchestrator.WithNotifier(terminalNotifier{}),
		orchestrator.WithPollInterval(cfg.Monitor.PollInterval),
		orchestrator.WithBarrierTimeout(cfg.Barrier.Timeout),
		orchestrator.WithImageTemplate(cfg.Markers.ImageTemplate),
	}
	if cfg.Generation.MaxAttempts > 0 {
		opts = append(opts, orchestrator.WithMaxAttempts(cfg.Generation.MaxAttempts))
	}

	if cfg.Similar.Enabled {
		sess.index, err = openIndex(cfg)
		if err != nil {
			sess.Close()
			return nil, err
		}
		opts = append(opts, orchestrator.WithIndexer(sess.index.ForChat(chatID)))
	}

	tr := sess.transcript
	sess.orch, err = orchestrator.New(tr.Session(), tr, tr, generator, patterns, opts...)
	if err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

func openIndex(cfg *config.Config) (*similar.Index, error) {
	model, err := chat.NewOllamaModel(cfg.Ollama.URL, cfg.Similar.EmbedderModel, cfg.Ollama.Timeout)
	if err != nil {
		return nil, err
	}
	client, ok := model.(embeddings.EmbedderClient)
	if !ok {
		return nil, fmt.Errorf("model %s cannot create embeddings", cfg.Similar.EmbedderModel)
	}
	embedder, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return similar.New(similar.Config{
		PersistDirectory: cfg.Similar.PersistenceDir,
		Embedder:         embedder,
	})
}

// Close waits for the current turn and releases the chat
func (s *session) Close() {
	if s.orch != nil {
		if t := s.orch.Current(); t != nil {
			t.Cancel()
		}
	}
	if s.transcript != nil {
		_ = s.transcript.PersistChat(context.Background())
	}
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}
