package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/vectorstores/qdrant"

	"github.com/fyrsmithlabs/specd/internal/config"
)

// Document is one record written to the knowledge store.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// SearchResult is one semantic search hit.
type SearchResult struct {
	Content string
	Score   float32
}

// Knowledge abstracts the underlying vector store. Backends are scoped by
// project root: each scope maps to its own collection.
type Knowledge interface {
	Add(ctx context.Context, scope string, docs []Document) error
	Search(ctx context.Context, scope, query string, limit int) ([]SearchResult, error)
}

// collectionName derives a store-safe collection name from a scope key.
// Scope keys are filesystem paths, so they are hashed rather than escaped.
func collectionName(scope string) string {
	sum := sha256.Sum256([]byte(scope))
	return "specd_" + hex.EncodeToString(sum[:])[:12]
}

func newKnowledge(cfg config.MemoryConfig, embedder embeddings.Embedder) (Knowledge, error) {
	switch cfg.Store {
	case "chromem", "":
		return newChromemStore(cfg.Path, embedder)
	case "qdrant":
		return newQdrantStore(cfg, embedder)
	default:
		return nil, configErr("store", fmt.Errorf("unknown store backend %q", cfg.Store))
	}
}

// chromemStore is the embedded backend.
type chromemStore struct {
	db       *chromem.DB
	embedder embeddings.Embedder
}

func newChromemStore(path string, embedder embeddings.Embedder) (*chromemStore, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, configErr("path", fmt.Errorf("failed to open chromem database: %w", err))
	}
	return &chromemStore{db: db, embedder: embedder}, nil
}

func (s *chromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

func (s *chromemStore) Add(ctx context.Context, scope string, docs []Document) error {
	coll, err := s.db.GetOrCreateCollection(collectionName(scope), nil, s.embeddingFunc())
	if err != nil {
		return fmt.Errorf("failed to open collection: %w", err)
	}
	for _, doc := range docs {
		if err := coll.AddDocument(ctx, chromem.Document{
			ID:       doc.ID,
			Content:  doc.Content,
			Metadata: doc.Metadata,
		}); err != nil {
			return fmt.Errorf("failed to add document %s: %w", doc.ID, err)
		}
	}
	return nil
}

func (s *chromemStore) Search(ctx context.Context, scope, query string, limit int) ([]SearchResult, error) {
	coll := s.db.GetCollection(collectionName(scope), s.embeddingFunc())
	if coll == nil {
		// Nothing stored for this scope yet.
		return nil, nil
	}
	// chromem rejects result counts above the collection size.
	if count := coll.Count(); count < limit {
		limit = count
	}
	if limit == 0 {
		return nil, nil
	}
	results, err := coll.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query failed: %w", err)
	}
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, SearchResult{Content: r.Content, Score: r.Similarity})
	}
	return out, nil
}

// qdrantStore is the remote backend, one langchaingo store per scope.
type qdrantStore struct {
	endpoint *url.URL
	apiKey   config.Secret
	embedder embeddings.Embedder

	mu     sync.Mutex
	stores map[string]qdrant.Store
}

func newQdrantStore(cfg config.MemoryConfig, embedder embeddings.Embedder) (*qdrantStore, error) {
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, configErr("endpoint", fmt.Errorf("invalid qdrant endpoint: %w", err))
	}
	return &qdrantStore{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		embedder: embedder,
		stores:   make(map[string]qdrant.Store),
	}, nil
}

func (s *qdrantStore) scoped(scope string) (qdrant.Store, error) {
	name := collectionName(scope)
	s.mu.Lock()
	defer s.mu.Unlock()
	if store, ok := s.stores[name]; ok {
		return store, nil
	}
	opts := []qdrant.Option{
		qdrant.WithURL(*s.endpoint),
		qdrant.WithCollectionName(name),
		qdrant.WithEmbedder(s.embedder),
	}
	if s.apiKey.IsSet() {
		opts = append(opts, qdrant.WithAPIKey(s.apiKey.Value()))
	}
	store, err := qdrant.New(opts...)
	if err != nil {
		return qdrant.Store{}, fmt.Errorf("failed to open qdrant collection %s: %w", name, err)
	}
	s.stores[name] = store
	return store, nil
}

func (s *qdrantStore) Add(ctx context.Context, scope string, docs []Document) error {
	store, err := s.scoped(scope)
	if err != nil {
		return err
	}
	schemaDocs := make([]schema.Document, 0, len(docs))
	for _, doc := range docs {
		meta := make(map[string]any, len(doc.Metadata)+1)
		for k, v := range doc.Metadata {
			meta[k] = v
		}
		meta["id"] = doc.ID
		schemaDocs = append(schemaDocs, schema.Document{PageContent: doc.Content, Metadata: meta})
	}
	if _, err := store.AddDocuments(ctx, schemaDocs); err != nil {
		return fmt.Errorf("qdrant add failed: %w", err)
	}
	return nil
}

func (s *qdrantStore) Search(ctx context.Context, scope, query string, limit int) ([]SearchResult, error) {
	store, err := s.scoped(scope)
	if err != nil {
		return nil, err
	}
	docs, err := store.SimilaritySearch(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}
	out := make([]SearchResult, 0, len(docs))
	for _, d := range docs {
		out = append(out, SearchResult{Content: d.PageContent, Score: d.Score})
	}
	return out, nil
}
