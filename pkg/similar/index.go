// Package similar keeps a semantic index of registered prompts so earlier
// prompts resembling a new one can be found across chats.
package similar

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"

	"github.com/killallgit/promptcanvas/pkg/logger"
	"github.com/killallgit/promptcanvas/pkg/registry"
)

const defaultCollection = "prompts"

// Config contains configuration for an Index
type Config struct {
	// CollectionName is the chromem collection to use
	CollectionName string

	// PersistDirectory is the directory for persistence (empty for in-memory only)
	PersistDirectory string

	// Embedder turns prompt text into vectors
	Embedder embeddings.Embedder
}

// Match is a prompt found by Search
type Match struct {
	ChatID      string  `json:"chat_id"`
	PromptID    string  `json:"prompt_id"`
	Text        string  `json:"text"`
	MessageID   int     `json:"message_id"`
	PromptIndex int     `json:"prompt_index"`
	Source      string  `json:"source"`
	Similarity  float32 `json:"similarity"`
}

// Index is a chromem-go collection of prompt texts
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	mu         sync.RWMutex
	log        *logger.Logger
}

// New creates an index
func New(cfg Config) (*Index, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.CollectionName == "" {
		cfg.CollectionName = defaultCollection
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.PersistDirectory != "" {
		db, err = chromem.NewPersistentDB(cfg.PersistDirectory, false)
		if err != nil {
			return nil, fmt.Errorf("failed to create chromem database: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embedder := cfg.Embedder
	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}

	collection, err := db.GetOrCreateCollection(cfg.CollectionName, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	return &Index{
		db:         db,
		collection: collection,
		log:        logger.WithComponent("similar"),
	}, nil
}

func documentID(chatID, promptID string) string {
	return chatID + ":" + promptID
}

// Add indexes nodes of chatID, replacing earlier entries with the same id
func (i *Index) Add(ctx context.Context, chatID string, nodes []registry.Node) error {
	if len(nodes) == 0 {
		return nil
	}

	docs := make([]chromem.Document, 0, len(nodes))
	for _, n := range nodes {
		docs = append(docs, chromem.Document{
			ID:      documentID(chatID, n.ID),
			Content: n.Text,
			Metadata: map[string]string{
				"chat":         chatID,
				"prompt_id":    n.ID,
				"message_id":   strconv.Itoa(n.MessageID),
				"prompt_index": strconv.Itoa(n.PromptIndex),
				"source":       string(n.Source),
			},
		})
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to index prompts: %w", err)
	}
	i.log.Debug("Indexed prompts", "chat", chatID, "count", len(docs))
	return nil
}

// Remove drops prompts of chatID from the index
func (i *Index) Remove(ctx context.Context, chatID string, promptIDs ...string) error {
	if len(promptIDs) == 0 {
		return nil
	}
	ids := make([]string, len(promptIDs))
	for n, id := range promptIDs {
		ids[n] = documentID(chatID, id)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	return i.collection.Delete(ctx, nil, nil, ids...)
}

// Count returns the number of indexed prompts
func (i *Index) Count() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.collection.Count()
}

// Search returns up to k prompts most similar to query. A non-empty chatID
// restricts results to that chat.
func (i *Index) Search(ctx context.Context, query string, k int, chatID string) ([]Match, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	count := i.collection.Count()
	if k > count {
		k = count
	}
	if k <= 0 {
		return nil, nil
	}

	var where map[string]string
	if chatID != "" {
		where = map[string]string{"chat": chatID}
	}

	results, err := i.collection.Query(ctx, query, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		messageID, _ := strconv.Atoi(r.Metadata["message_id"])
		promptIndex, _ := strconv.Atoi(r.Metadata["prompt_index"])
		matches = append(matches, Match{
			ChatID:      r.Metadata["chat"],
			PromptID:    r.Metadata["prompt_id"],
			Text:        r.Content,
			MessageID:   messageID,
			PromptIndex: promptIndex,
			Source:      r.Metadata["source"],
			Similarity:  r.Similarity,
		})
	}
	return matches, nil
}

// ForChat returns an indexer that files prompts under chatID, suitable for
// orchestrator.WithIndexer
func (i *Index) ForChat(chatID string) *ChatIndexer {
	return &ChatIndexer{index: i, chatID: chatID}
}

// ChatIndexer indexes prompts of one chat
type ChatIndexer struct {
	index  *Index
	chatID string
}

// IndexPrompts adds nodes to the shared index
func (c *ChatIndexer) IndexPrompts(ctx context.Context, nodes []registry.Node) error {
	return c.index.Add(ctx, c.chatID, nodes)
}
